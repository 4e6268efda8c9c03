package corvid

import (
	"crypto/tls"
	"log/slog"
)

// StartTLSExtension implements STARTTLS (RFC 3207). The handler only
// replies and marks the session; the transport performs the handshake once
// the reply has been written.
type StartTLSExtension struct {
	config *tls.Config
}

// NewStartTLSExtension creates the extension. It is never available when
// config is nil.
func NewStartTLSExtension(config *tls.Config) *StartTLSExtension {
	return &StartTLSExtension{config: config}
}

func (e *StartTLSExtension) Name() string        { return "STARTTLS" }
func (e *StartTLSExtension) EhloKeyword() string { return "STARTTLS" }

// Available reports whether the session may still upgrade.
func (e *StartTLSExtension) Available(s *Session) bool {
	return e.config != nil && !s.IsTLSStarted()
}

// Config returns the TLS configuration used for the handshake.
func (e *StartTLSExtension) Config() *tls.Config {
	return e.config
}

func (e *StartTLSExtension) CommandHandlers() []CommandHandler {
	return []CommandHandler{&Command{
		Name:   "STARTTLS",
		Valid:  e.Available,
		Handle: e.handleStartTLS,
	}}
}

func (e *StartTLSExtension) handleStartTLS(s *Session, line *Line) Transition {
	if line.Args() != "" {
		return Stay(ReplySyntaxError("STARTTLS takes no parameters"))
	}

	// RFC 3207 Section 4.2: discard all knowledge obtained from the client.
	s.reset()
	s.StartTLS()
	s.Logger().Debug("starting TLS", slog.String("state", s.State().String()))
	return MoveTo(NewEnhancedReply(CodeServiceReady, ESCSuccess, "Ready to start TLS"), StateConnected)
}
