package corvid

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/synqronlabs/corvid/dns"
)

// ServerBuilder provides a fluent API for configuring an SMTP server.
type ServerBuilder struct {
	config     ServerConfig
	onMessage  []DeliverFunc
	rateLimit  int
	rateWindow time.Duration
}

// New creates a new ServerBuilder.
func New(hostname string) *ServerBuilder {
	config := DefaultServerConfig()
	config.Hostname = hostname
	return &ServerBuilder{config: config}
}

// Addr sets the address to listen on (e.g., ":25", "0.0.0.0:587").
func (b *ServerBuilder) Addr(addr string) *ServerBuilder {
	b.config.Addr = addr
	return b
}

// Logger sets the structured logger for the server.
func (b *ServerBuilder) Logger(logger *slog.Logger) *ServerBuilder {
	b.config.Logger = logger
	return b
}

// TLS configures TLS for the server.
// This enables the STARTTLS extension.
func (b *ServerBuilder) TLS(config *tls.Config) *ServerBuilder {
	b.config.TLSConfig = config
	return b
}

// RequireTLS requires clients to use STARTTLS before MAIL.
func (b *ServerBuilder) RequireTLS() *ServerBuilder {
	b.config.RequireTLS = true
	return b
}

// ReadTimeout sets the timeout for reading commands.
func (b *ServerBuilder) ReadTimeout(d time.Duration) *ServerBuilder {
	b.config.ReadTimeout = d
	return b
}

// WriteTimeout sets the timeout for writing responses.
func (b *ServerBuilder) WriteTimeout(d time.Duration) *ServerBuilder {
	b.config.WriteTimeout = d
	return b
}

// DataTimeout sets the timeout for reading message data.
func (b *ServerBuilder) DataTimeout(d time.Duration) *ServerBuilder {
	b.config.DataTimeout = d
	return b
}

// MaxMessageSize sets the maximum allowed message size in bytes.
// This enables the SIZE extension and advertises the limit.
func (b *ServerBuilder) MaxMessageSize(size int64) *ServerBuilder {
	b.config.MaxMessageSize = size
	return b
}

// MaxRecipients sets the maximum recipients per message.
func (b *ServerBuilder) MaxRecipients(n int) *ServerBuilder {
	b.config.MaxRecipients = n
	return b
}

// MaxConnections sets the maximum concurrent connections.
func (b *ServerBuilder) MaxConnections(n int) *ServerBuilder {
	b.config.MaxConnections = n
	return b
}

// MaxCommands sets the maximum commands per connection.
func (b *ServerBuilder) MaxCommands(n int64) *ServerBuilder {
	b.config.MaxCommands = n
	return b
}

// MaxErrors sets the maximum errors before disconnect.
func (b *ServerBuilder) MaxErrors(n int) *ServerBuilder {
	b.config.MaxErrors = n
	return b
}

// MaxLineLength sets the maximum command line length.
func (b *ServerBuilder) MaxLineLength(n int) *ServerBuilder {
	b.config.MaxLineLength = n
	return b
}

// ShutdownTimeout sets how long Run waits for connections when its
// context ends. Default: 30 seconds.
func (b *ServerBuilder) ShutdownTimeout(d time.Duration) *ServerBuilder {
	b.config.ShutdownTimeout = d
	return b
}

// Auth enables AUTH with the given mechanisms ("PLAIN", "LOGIN",
// "ANONYMOUS"). An empty list selects PLAIN and LOGIN.
func (b *ServerBuilder) Auth(mechanisms []string, handler AuthHandler) *ServerBuilder {
	if len(mechanisms) == 0 {
		mechanisms = []string{"PLAIN", "LOGIN"}
	}
	b.config.AuthMechanisms = mechanisms
	b.config.AuthHandler = handler
	return b
}

// RequireAuth requires authentication before sending mail.
func (b *ServerBuilder) RequireAuth() *ServerBuilder {
	b.config.RequireAuth = true
	return b
}

// AllowInsecureAuth offers password mechanisms on connections without TLS.
// Only use this for testing or on trusted networks.
func (b *ServerBuilder) AllowInsecureAuth() *ServerBuilder {
	b.config.AllowInsecureAuth = true
	return b
}

// Extension registers additional extensions after the built-in ones.
func (b *ServerBuilder) Extension(extensions ...Extension) *ServerBuilder {
	b.config.Extensions = append(b.config.Extensions, extensions...)
	return b
}

// OnMessage adds handlers for received messages. They run in order after
// the full message has been received; the first error rejects the message.
func (b *ServerBuilder) OnMessage(handlers ...DeliverFunc) *ServerBuilder {
	b.onMessage = append(b.onMessage, handlers...)
	return b
}

// MailFactory replaces the default in-memory transaction. OnMessage
// handlers are not called for transactions it creates.
func (b *ServerBuilder) MailFactory(f MailFactory) *ServerBuilder {
	b.config.NewMail = f
	return b
}

// Verify sets the VRFY handler.
func (b *ServerBuilder) Verify(f VerifyFunc) *ServerBuilder {
	b.config.Verify = f
	return b
}

// ReverseDNS looks up the name of every client with resolver.
func (b *ServerBuilder) ReverseDNS(resolver dns.Resolver, timeout time.Duration) *ServerBuilder {
	b.config.Resolver = resolver
	if timeout > 0 {
		b.config.ReverseDNSTimeout = timeout
	}
	return b
}

// RateLimit limits new connections per client IP.
func (b *ServerBuilder) RateLimit(limit int, window time.Duration) *ServerBuilder {
	b.rateLimit = limit
	b.rateWindow = window
	return b
}

// IPFilter allows or denies connections by client network.
func (b *ServerBuilder) IPFilter(filter *IPFilter) *ServerBuilder {
	b.config.IPFilter = filter
	return b
}

// Build creates a Server from the builder configuration.
func (b *ServerBuilder) Build() (*Server, error) {
	config := b.config
	if len(b.onMessage) > 0 {
		config.Deliver = chainDeliver(b.onMessage)
	}
	if b.rateLimit > 0 && b.rateWindow > 0 {
		config.RateLimiter = NewRateLimiter(b.rateLimit, b.rateWindow)
	}

	server, err := NewServer(config)
	if err != nil && config.RateLimiter != nil {
		config.RateLimiter.Stop()
	}
	return server, err
}

// Run builds the server and serves until ctx ends, then shuts down
// gracefully within the shutdown timeout.
func (b *ServerBuilder) Run(ctx context.Context) error {
	server, err := b.Build()
	if err != nil {
		return err
	}
	return runUntilDone(ctx, server, server.ListenAndServe)
}

// RunTLS is Run with implicit TLS.
// TLS must be configured with TLS() before calling this method.
func (b *ServerBuilder) RunTLS(ctx context.Context) error {
	server, err := b.Build()
	if err != nil {
		return err
	}
	return runUntilDone(ctx, server, server.ListenAndServeTLS)
}

func runUntilDone(ctx context.Context, server *Server, serve func() error) error {
	errc := make(chan error, 1)
	go func() { errc <- serve() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

func chainDeliver(handlers []DeliverFunc) DeliverFunc {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return func(ctx context.Context, m *Mail) error {
		for _, h := range handlers {
			if err := h(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}
}
