package corvid

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Server is an SMTP server that handles concurrent connections. Each
// connection gets its own Session, fed line by line to a shared Dispatcher.
type Server struct {
	config     ServerConfig
	dispatcher *Dispatcher
	startTLS   *StartTLSExtension

	mu       sync.Mutex
	listener net.Listener

	// connections tracks active connections
	connMu      sync.Mutex
	connections map[*conn]struct{}
	connCount   atomic.Int64

	// shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
	closed     atomic.Bool
}

// NewServer creates a new SMTP server with the given configuration.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Hostname == "" {
		return nil, ErrNoHostname
	}

	defaults := DefaultServerConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.DataTimeout == 0 {
		config.DataTimeout = defaults.DataTimeout
	}
	if config.MaxLineLength == 0 {
		config.MaxLineLength = defaults.MaxLineLength
	}
	if config.MaxConsumerLineLength == 0 {
		config.MaxConsumerLineLength = defaults.MaxConsumerLineLength
	}
	if config.ReverseDNSTimeout == 0 {
		config.ReverseDNSTimeout = defaults.ReverseDNSTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.AuthHandler != nil && config.AuthMechanisms == nil {
		config.AuthMechanisms = []string{"PLAIN", "LOGIN"}
	}

	startTLS := NewStartTLSExtension(config.TLSConfig)
	extensions := []Extension{
		Pipelining(),
		EightBitMIME(),
		SMTPUTF8(),
		EnhancedStatusCodes(),
		Size(config.MaxMessageSize),
		startTLS,
	}
	if len(config.AuthMechanisms) > 0 {
		mechanisms := make([]Mechanism, 0, len(config.AuthMechanisms))
		for _, name := range config.AuthMechanisms {
			m, err := NewMechanism(name, config.AllowInsecureAuth, config.AuthHandler)
			if err != nil {
				return nil, err
			}
			mechanisms = append(mechanisms, m)
		}
		extensions = append(extensions, NewAuthExtension(mechanisms...))
	}
	extensions = append(extensions, config.Extensions...)
	if err := ValidateExtensions(extensions); err != nil {
		return nil, err
	}

	newMail := config.NewMail
	if newMail == nil {
		newMail = NewMailFactory(MailLimits{
			Hostname:       config.Hostname,
			MaxMessageSize: config.MaxMessageSize,
			MaxRecipients:  config.MaxRecipients,
		}, config.Deliver)
	}
	core := &coreCommands{
		hostname:    config.Hostname,
		extensions:  extensions,
		newMail:     newMail,
		requireTLS:  config.RequireTLS,
		requireAuth: config.RequireAuth,
		verify:      config.Verify,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:      config,
		dispatcher:  NewDispatcher(config.Logger, core.handlers(), extensions),
		startTLS:    startTLS,
		connections: make(map[*conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Dispatcher returns the dispatcher shared by all connections.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Addr returns the listener address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe starts the SMTP server on the configured address.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// ListenAndServeTLS starts the SMTP server with implicit TLS (RFC 8314).
func (s *Server) ListenAndServeTLS() error {
	if s.config.TLSConfig == nil {
		return ErrNoTLSConfig
	}
	listener, err := tls.Listen("tcp", s.config.Addr, s.config.TLSConfig)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen TLS: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener and handles them.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.config.Logger.Info("SMTP server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	var retryDelay time.Duration
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			if retryDelay == 0 {
				retryDelay = 5 * time.Millisecond
			} else {
				retryDelay = min(2*retryDelay, time.Second)
			}
			s.config.Logger.Error("accept error",
				slog.Any("error", err),
				slog.Duration("retry_in", retryDelay),
			)
			select {
			case <-time.After(retryDelay):
			case <-s.ctx.Done():
			}
			continue
		}
		retryDelay = 0

		if s.config.MaxConnections > 0 && s.connCount.Load() >= int64(s.config.MaxConnections) {
			s.config.Logger.Warn("connection limit reached",
				slog.String("remote", netConn.RemoteAddr().String()),
			)
			s.refuse(netConn, ReplyServiceUnavailable(s.config.Hostname, "Too many connections, try again later"))
			continue
		}

		s.shutdownWg.Add(1)
		go s.handleConnection(netConn)
	}
}

// refuse answers a connection that will not get a session and closes it.
func (s *Server) refuse(netConn net.Conn, r Reply) {
	_ = netConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = netConn.Write([]byte(r.String()))
	_ = netConn.Close()
}

// Shutdown stops accepting connections, sends 421 to connected clients and
// waits for their goroutines to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopListening()
	s.sendShutdownResponse()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.closeConnections()
		return ctx.Err()
	}
}

// Close immediately closes the server and all connections.
func (s *Server) Close() error {
	s.stopListening()
	s.sendShutdownResponse()
	s.closeConnections()
	return nil
}

func (s *Server) stopListening() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed.Store(true)
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.config.RateLimiter != nil {
		s.config.RateLimiter.Stop()
	}
}

func (s *Server) closeConnections() {
	for _, c := range s.activeConnections() {
		c.abort()
	}
}

// activeConnections returns a snapshot of the tracked connections.
func (s *Server) activeConnections() []*conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	conns := make([]*conn, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	return conns
}

// sendShutdownResponse sends a 421 response to all connected clients and
// closes them (RFC 5321 Section 3.8). Clients are written to concurrently.
func (s *Server) sendShutdownResponse() {
	for _, c := range s.activeConnections() {
		c := c
		s.shutdownWg.Add(1)
		go func() {
			defer s.shutdownWg.Done()
			r := NewEnhancedReply(CodeServiceUnavailable, ESCTempServiceClosing,
				fmt.Sprintf("%s Service shutting down [%s]", s.config.Hostname, c.session.ID()))
			c.writeFinal(r, 5*time.Second)
			_ = c.Close()
		}()
	}
}

func (s *Server) track(c *conn) {
	s.connMu.Lock()
	s.connections[c] = struct{}{}
	s.connMu.Unlock()
	s.connCount.Add(1)
}

func (s *Server) untrack(c *conn) {
	s.connMu.Lock()
	delete(s.connections, c)
	s.connMu.Unlock()
	s.connCount.Add(-1)
}
