package corvid

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/synqronlabs/corvid/sasl"
)

// AuthHandler verifies credentials presented through AUTH. Return nil to
// accept them.
type AuthHandler func(s *Session, mechanism string, creds sasl.Credentials) error

// Mechanism is a SASL mechanism offered through AUTH.
//
// The server returned by NewServer reports the outcome through Next: an
// error with done false is a protocol fault, an error with done true means
// the credentials were rejected. Servers that implement sasl.Disposer are
// disposed when an exchange is abandoned, and servers that implement
// Identifier name the authenticated identity.
type Mechanism interface {
	Name() string
	Available(s *Session) bool
	NewServer(s *Session) (sasl.Server, error)
}

// Identifier is implemented by SASL servers that know who authenticated.
type Identifier interface {
	Identity() string
}

type saslMechanism struct {
	name       string
	requireTLS bool
	handler    AuthHandler
	newServer  func(sasl.Authenticator) sasl.Server
}

// NewMechanism returns one of the built-in mechanisms: PLAIN, LOGIN or
// ANONYMOUS. PLAIN and LOGIN send passwords in the clear and are only
// available on TLS sessions unless allowInsecure is set.
func NewMechanism(name string, allowInsecure bool, handler AuthHandler) (Mechanism, error) {
	m := &saslMechanism{
		name:    strings.ToUpper(name),
		handler: handler,
	}
	switch m.name {
	case sasl.Plain:
		m.requireTLS = !allowInsecure
		m.newServer = sasl.NewPlain
	case sasl.Login:
		m.requireTLS = !allowInsecure
		m.newServer = func(auth sasl.Authenticator) sasl.Server { return sasl.NewLogin(auth) }
	case sasl.Anonymous:
		m.newServer = sasl.NewAnonymous
	default:
		return nil, fmt.Errorf("%w: %s", ErrMechanism, name)
	}
	return m, nil
}

func (m *saslMechanism) Name() string {
	return m.name
}

func (m *saslMechanism) Available(s *Session) bool {
	return !m.requireTLS || s.IsTLSStarted()
}

func (m *saslMechanism) NewServer(s *Session) (sasl.Server, error) {
	srv := &identityServer{}
	srv.Server = m.newServer(func(creds sasl.Credentials) error {
		if m.handler != nil {
			if err := m.handler(s, m.name, creds); err != nil {
				return err
			}
		}
		srv.identity = creds.Identity()
		return nil
	})
	return srv, nil
}

// identityServer remembers the identity accepted by the handler.
type identityServer struct {
	sasl.Server
	identity string
}

func (i *identityServer) Identity() string {
	return i.identity
}

func (i *identityServer) Dispose() error {
	if d, ok := i.Server.(sasl.Disposer); ok {
		return d.Dispose()
	}
	return nil
}

// authExchangeKey holds the in-progress *authExchange of a session.
var authExchangeKey = NewPropertyKey("auth.exchange")

type authExchange struct {
	mechanism Mechanism
	server    sasl.Server
}

// AuthExtension implements AUTH (RFC 4954).
type AuthExtension struct {
	mechanisms []Mechanism
}

// NewAuthExtension creates the AUTH extension offering mechanisms in the
// given order.
func NewAuthExtension(mechanisms ...Mechanism) *AuthExtension {
	return &AuthExtension{mechanisms: mechanisms}
}

func (e *AuthExtension) Name() string        { return "AUTH" }
func (e *AuthExtension) EhloKeyword() string { return "AUTH" }

// Available reports whether any mechanism can be used on the session.
func (e *AuthExtension) Available(s *Session) bool {
	return len(e.availableNames(s)) > 0
}

// EhloParameters lists the mechanisms available to the session.
func (e *AuthExtension) EhloParameters(s *Session) string {
	return strings.Join(e.availableNames(s), " ")
}

func (e *AuthExtension) availableNames(s *Session) []string {
	var names []string
	for _, m := range e.mechanisms {
		if m.Available(s) {
			names = append(names, m.Name())
		}
	}
	return names
}

// CheckMailParameter accepts the AUTH= parameter of MAIL FROM (RFC 4954
// Section 5). Its value is not used.
func (e *AuthExtension) CheckMailParameter(_ *Session, key, _ string) (bool, *Reply) {
	return key == "AUTH", nil
}

func (e *AuthExtension) CommandHandlers() []CommandHandler {
	return []CommandHandler{&Command{
		Name: "AUTH",
		Valid: func(s *Session) bool {
			return s.State() == StateAfterEhlo && !s.IsAuthenticated()
		},
		Handle: e.handleAuth,
	}}
}

func (e *AuthExtension) mechanism(name string) (Mechanism, bool) {
	for _, m := range e.mechanisms {
		if strings.EqualFold(m.Name(), name) {
			return m, true
		}
	}
	return nil, false
}

// handleAuth starts an exchange: AUTH mechanism [initial-response].
func (e *AuthExtension) handleAuth(s *Session, line *Line) Transition {
	name, initial, hasInitial := strings.Cut(line.Args(), " ")
	if name == "" {
		return Stay(ReplySyntaxError("Syntax: AUTH mechanism [initial-response]"))
	}

	mech, ok := e.mechanism(name)
	if !ok || !mech.Available(s) {
		return Stay(NewEnhancedReply(CodeParameterNotImpl, ESCInvalidArgs, "Mechanism not supported"))
	}

	var response []byte
	if hasInitial {
		initial = strings.TrimSpace(initial)
		if initial == "*" {
			return MoveTo(replyAuthCanceled(), StateAfterEhlo)
		}
		var err error
		if response, err = sasl.Decode(initial); err != nil {
			s.Logger().Debug("invalid initial response", slog.String("mechanism", mech.Name()))
			return Stay(ReplyBadArguments())
		}
	}

	server, err := mech.NewServer(s)
	if err != nil {
		s.Logger().Error("failed to create SASL server",
			slog.String("mechanism", mech.Name()),
			slog.Any("error", err),
		)
		return Stay(replyAuthUnavailable())
	}

	challenge, done, err := server.Next(response)
	switch {
	case done:
		return e.SaslCompleted(s, mech, server, err)
	case err != nil:
		disposeServer(s, mech, server)
		s.Logger().Warn("SASL exchange failed",
			slog.String("mechanism", mech.Name()),
			slog.Any("error", err),
		)
		return Stay(replyAuthUnavailable())
	}

	s.SetProperty(authExchangeKey, &authExchange{mechanism: mech, server: server})
	c := &authLineConsumer{ext: e}
	c.token = s.RegisterLineConsumer(SelectorExclusive, c)
	return Stay(e.ChallengeToReply(challenge))
}

// SaslCompleted produces the final reply of a finished exchange. failure is
// the error the server returned with its final step, if any.
func (e *AuthExtension) SaslCompleted(s *Session, mech Mechanism, server sasl.Server, failure error) Transition {
	if failure != nil {
		s.Logger().Info("authentication failed",
			slog.String("mechanism", mech.Name()),
			slog.Any("error", failure),
		)
		return MoveTo(NewEnhancedReply(CodeAuthCredentialsInvalid, ESCAuthCredentialsInvalid,
			"Authentication credentials invalid"), StateAfterEhlo)
	}

	var identity string
	if id, ok := server.(Identifier); ok {
		identity = id.Identity()
	}
	s.setAuth(mech.Name(), identity)
	s.Logger().Info("authenticated",
		slog.String("mechanism", mech.Name()),
		slog.String("identity", identity),
	)
	return MoveTo(NewEnhancedReply(CodeAuthSuccess, ESCSecuritySuccess, "Authentication successful"), StateAfterEhlo)
}

// ChallengeToReply wraps a server challenge in a 334 reply.
func (e *AuthExtension) ChallengeToReply(challenge []byte) Reply {
	return NewReply(CodeAuthContinue, sasl.Encode(challenge))
}

func replyAuthCanceled() Reply {
	return NewEnhancedReply(CodeSyntaxError, ESCPermFailure, "Authentication canceled")
}

func replyAuthUnavailable() Reply {
	return NewEnhancedReply(CodeTempAuthFailure, ESCTempAuthFailed, "Temporary authentication failure")
}

func disposeServer(s *Session, mech Mechanism, server sasl.Server) {
	d, ok := server.(sasl.Disposer)
	if !ok {
		return
	}
	if err := d.Dispose(); err != nil {
		s.Logger().Warn("failed to dispose SASL server",
			slog.String("mechanism", mech.Name()),
			slog.Any("error", err),
		)
	}
}

// authLineConsumer receives the client responses of one AUTH exchange.
// Response lines are never logged.
type authLineConsumer struct {
	ext   *AuthExtension
	token ConsumerToken
}

func (c *authLineConsumer) Consume(s *Session, line *Line) Transition {
	v, _ := s.Property(authExchangeKey)
	x, ok := v.(*authExchange)
	if !ok {
		s.Logger().Error("AUTH response without an exchange in progress")
		s.RemoveLineConsumer(c.token)
		return Stay(replyAuthUnavailable())
	}

	token := line.Stripped()
	if token == "*" {
		c.end(s, x)
		return MoveTo(replyAuthCanceled(), StateAfterEhlo)
	}

	response, err := sasl.Decode(token)
	if err != nil {
		c.end(s, x)
		s.Logger().Debug("invalid base64 in AUTH response", slog.String("mechanism", x.mechanism.Name()))
		return Stay(ReplyBadArguments())
	}

	challenge, done, err := x.server.Next(response)
	switch {
	case done:
		s.RemoveLineConsumer(c.token)
		s.ClearProperty(authExchangeKey)
		return c.ext.SaslCompleted(s, x.mechanism, x.server, err)
	case err != nil:
		c.end(s, x)
		s.Logger().Warn("SASL exchange failed",
			slog.String("mechanism", x.mechanism.Name()),
			slog.Any("error", err),
		)
		return Stay(replyAuthUnavailable())
	}
	return Stay(c.ext.ChallengeToReply(challenge))
}

// end abandons the exchange.
func (c *authLineConsumer) end(s *Session, x *authExchange) {
	disposeServer(s, x.mechanism, x.server)
	s.ClearProperty(authExchangeKey)
	s.RemoveLineConsumer(c.token)
}
