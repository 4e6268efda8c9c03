package corvid

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/synqronlabs/corvid/dns"
)

// ServerConfig contains configuration options for the SMTP server.
// Prefer using the builder pattern via corvid.New().
type ServerConfig struct {
	Hostname  string
	Addr      string
	TLSConfig *tls.Config
	// RequireTLS refuses MAIL until STARTTLS has completed.
	RequireTLS bool
	// RequireAuth refuses MAIL until the client has authenticated.
	RequireAuth bool
	// AuthMechanisms lists the SASL mechanisms offered when AuthHandler is
	// set. Defaults to PLAIN and LOGIN.
	AuthMechanisms []string
	AuthHandler    AuthHandler
	// AllowInsecureAuth offers PLAIN and LOGIN before TLS is active.
	AllowInsecureAuth bool
	MaxMessageSize    int64
	MaxRecipients     int
	MaxConnections    int
	MaxCommands       int64
	MaxErrors         int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	DataTimeout       time.Duration
	// MaxLineLength bounds command lines (RFC 5321 Section 4.5.3.1.4).
	MaxLineLength int
	// MaxConsumerLineLength bounds lines read while a line consumer is
	// active: message text (RFC 5321 Section 4.5.3.1.6) and SASL responses
	// (RFC 4954 Section 4).
	MaxConsumerLineLength int
	ShutdownTimeout       time.Duration
	Logger                *slog.Logger

	// Extensions are registered after the built-in ones.
	Extensions []Extension
	// NewMail opens transactions. Defaults to NewMailFactory with Deliver.
	NewMail MailFactory
	// Deliver receives completed messages of the default MailFactory.
	Deliver DeliverFunc
	Verify  VerifyFunc

	// Resolver enables reverse DNS lookups of connecting clients.
	Resolver          dns.Resolver
	ReverseDNSTimeout time.Duration

	RateLimiter *RateLimiter
	IPFilter    *IPFilter
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                  ":25",
		ReadTimeout:           5 * time.Minute,
		WriteTimeout:          5 * time.Minute,
		DataTimeout:           10 * time.Minute,
		MaxLineLength:         512,
		MaxConsumerLineLength: 12288,
		ReverseDNSTimeout:     5 * time.Second,
		ShutdownTimeout:       30 * time.Second,
		Logger:                slog.Default(),
	}
}

// SubmissionConfig returns a ServerConfig for mail submission (port 587).
func SubmissionConfig() ServerConfig {
	config := DefaultServerConfig()
	config.Addr = ":587"
	config.AuthMechanisms = []string{"PLAIN", "LOGIN"}
	config.RequireAuth = true
	config.RequireTLS = true
	return config
}
