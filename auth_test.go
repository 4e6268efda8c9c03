package corvid

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/synqronlabs/corvid/sasl"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func testAuthHandler(_ *Session, mechanism string, creds sasl.Credentials) error {
	if mechanism == sasl.Anonymous {
		return nil
	}
	if creds.AuthenticationID == "alice" && creds.Password == "s3cret" {
		return nil
	}
	return ErrAuthFailed
}

func authConfig() ServerConfig {
	return ServerConfig{
		AuthMechanisms:    []string{"PLAIN", "LOGIN", "ANONYMOUS"},
		AuthHandler:       testAuthHandler,
		AllowInsecureAuth: true,
	}
}

func TestAuthPlainInitialResponse(t *testing.T) {
	d, s := newTestEngine(t, authConfig())
	send(d, s, "EHLO client.example.com")

	tr := send(d, s, "AUTH PLAIN "+b64("\x00alice\x00s3cret"))
	expectReply(t, tr, CodeAuthSuccess)
	if tr.Target != StateAfterEhlo {
		t.Errorf("target = %s, want AFTER_EHLO", tr.Target)
	}
	if !s.IsAuthenticated() {
		t.Fatal("session not authenticated")
	}
	if info := s.Auth(); info.Mechanism != "PLAIN" || info.Identity != "alice" {
		t.Errorf("Auth() = %+v", info)
	}
	if s.HasLineConsumer() {
		t.Error("line consumer left behind")
	}

	// RFC 4954 Section 4: AUTH is not permitted once authenticated.
	expectReply(t, send(d, s, "AUTH PLAIN "+b64("\x00alice\x00s3cret")), CodeBadSequence)
}

func TestAuthPlainAuthorizationIdentity(t *testing.T) {
	d, s := newTestEngine(t, authConfig())
	send(d, s, "EHLO client.example.com")

	expectReply(t, send(d, s, "AUTH PLAIN "+b64("postmaster\x00alice\x00s3cret")), CodeAuthSuccess)
	if got := s.Auth().Identity; got != "postmaster" {
		t.Errorf("Identity = %q, want postmaster", got)
	}

	expectReply(t, send(d, s, "MAIL FROM:<alice@example.com>"), CodeOK)
	mail, ok := s.MailObject().(*Mail)
	if !ok {
		t.Fatalf("MailObject() = %T", s.MailObject())
	}
	if mail.Envelope.Auth != "postmaster" {
		t.Errorf("Envelope.Auth = %q", mail.Envelope.Auth)
	}
}

func TestAuthPlainRejected(t *testing.T) {
	d, s := newTestEngine(t, authConfig())
	send(d, s, "EHLO client.example.com")

	tr := send(d, s, "AUTH PLAIN "+b64("\x00alice\x00wrong"))
	if !tr.Equal(MoveTo(NewEnhancedReply(CodeAuthCredentialsInvalid, ESCAuthCredentialsInvalid,
		"Authentication credentials invalid"), StateAfterEhlo)) {
		t.Errorf("reply = %q target %s", tr.Reply.String(), tr.Target)
	}
	if s.IsAuthenticated() {
		t.Error("session authenticated with a wrong password")
	}
}

func TestAuthPlainWithoutInitialResponse(t *testing.T) {
	d, s := newTestEngine(t, authConfig())
	send(d, s, "EHLO client.example.com")

	tr := send(d, s, "AUTH PLAIN")
	expectReply(t, tr, CodeAuthContinue)
	if tr.Reply.String() != "334 \r\n" {
		t.Errorf("challenge = %q, want empty", tr.Reply.String())
	}
	if !s.HasLineConsumer() {
		t.Fatal("no line consumer registered for the exchange")
	}

	expectReply(t, send(d, s, b64("\x00alice\x00s3cret")), CodeAuthSuccess)
	if s.HasLineConsumer() {
		t.Error("line consumer left behind")
	}
	if _, ok := s.Property(authExchangeKey); ok {
		t.Error("exchange property left behind")
	}
}

func TestAuthLoginExchange(t *testing.T) {
	d, s := newTestEngine(t, authConfig())
	send(d, s, "EHLO client.example.com")

	tr := send(d, s, "AUTH LOGIN")
	expectReply(t, tr, CodeAuthContinue)
	if tr.Reply.Text() != b64("Username:") {
		t.Errorf("first challenge = %q", tr.Reply.Text())
	}

	tr = send(d, s, b64("alice"))
	expectReply(t, tr, CodeAuthContinue)
	if tr.Reply.Text() != b64("Password:") {
		t.Errorf("second challenge = %q", tr.Reply.Text())
	}

	expectReply(t, send(d, s, b64("s3cret")), CodeAuthSuccess)
	if info := s.Auth(); info.Mechanism != "LOGIN" || info.Identity != "alice" {
		t.Errorf("Auth() = %+v", info)
	}
}

func TestAuthLoginInitialUsername(t *testing.T) {
	d, s := newTestEngine(t, authConfig())
	send(d, s, "EHLO client.example.com")

	tr := send(d, s, "AUTH LOGIN "+b64("alice"))
	if tr.Reply.Text() != b64("Password:") {
		t.Errorf("challenge = %q, want password prompt", tr.Reply.Text())
	}
	expectReply(t, send(d, s, b64("wrong")), CodeAuthCredentialsInvalid)
	if s.State() != StateAfterEhlo {
		t.Errorf("state = %s", s.State())
	}
}

func TestAuthAnonymous(t *testing.T) {
	d, s := newTestEngine(t, authConfig())
	send(d, s, "EHLO client.example.com")

	expectReply(t, send(d, s, "AUTH ANONYMOUS "+b64("guest trace")), CodeAuthSuccess)
	if got := s.Auth().Identity; got != "guest trace" {
		t.Errorf("Identity = %q", got)
	}
}

func TestAuthInvalidBase64EndsExchange(t *testing.T) {
	d, s := newTestEngine(t, authConfig())
	send(d, s, "EHLO client.example.com")
	send(d, s, "AUTH LOGIN")

	tr := send(d, s, "!!not base64!!")
	if !tr.Equal(Stay(ReplyBadArguments())) {
		t.Errorf("reply = %q target %s", tr.Reply.String(), tr.Target)
	}
	if s.HasLineConsumer() {
		t.Fatal("exchange still active after invalid base64")
	}
	// The next line is a command again.
	expectReply(t, send(d, s, "NOOP"), CodeOK)

	expectReply(t, send(d, s, "AUTH PLAIN %%%"), CodeSyntaxError)
	if s.HasLineConsumer() {
		t.Error("invalid initial response started an exchange")
	}
}

func TestAuthCancel(t *testing.T) {
	d, s := newTestEngine(t, authConfig())
	send(d, s, "EHLO client.example.com")
	send(d, s, "AUTH LOGIN")
	send(d, s, b64("alice"))

	tr := send(d, s, "*")
	if !tr.Equal(MoveTo(NewEnhancedReply(CodeSyntaxError, ESCPermFailure, "Authentication canceled"), StateAfterEhlo)) {
		t.Errorf("reply = %q target %s", tr.Reply.String(), tr.Target)
	}
	if s.HasLineConsumer() || s.IsAuthenticated() {
		t.Error("cancel left the exchange in place")
	}

	expectReply(t, send(d, s, "AUTH PLAIN *"), CodeSyntaxError)
}

func TestAuthProtocolFault(t *testing.T) {
	d, s := newTestEngine(t, authConfig())
	send(d, s, "EHLO client.example.com")

	// PLAIN needs three NUL-separated fields.
	tr := send(d, s, "AUTH PLAIN "+b64("alice"))
	expectReply(t, tr, CodeTempAuthFailure)
	if tr.Changes() {
		t.Errorf("protocol fault changed state to %s", tr.Target)
	}

	send(d, s, "AUTH PLAIN")
	expectReply(t, send(d, s, b64("no separators")), CodeTempAuthFailure)
	if s.HasLineConsumer() {
		t.Error("exchange still active after a protocol fault")
	}
}

func TestAuthMissingExchange(t *testing.T) {
	logger, buf := bufferLogger()
	d, s := newTestEngine(t, ServerConfig{
		AuthHandler:       testAuthHandler,
		AllowInsecureAuth: true,
		Logger:            logger,
	})
	send(d, s, "EHLO client.example.com")
	send(d, s, "AUTH LOGIN")

	s.ClearProperty(authExchangeKey)
	expectReply(t, send(d, s, b64("alice")), CodeTempAuthFailure)
	if s.HasLineConsumer() {
		t.Error("consumer not removed")
	}
	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Error("missing exchange was not logged as an error")
	}
}

func TestAuthUnavailableMechanisms(t *testing.T) {
	d, s := newTestEngine(t, ServerConfig{AuthHandler: testAuthHandler})

	expectReply(t, send(d, s, "AUTH PLAIN "+b64("\x00alice\x00s3cret")), CodeBadSequence)

	tr := send(d, s, "EHLO client.example.com")
	for _, line := range tr.Reply.Lines {
		if strings.HasPrefix(line, "AUTH") {
			t.Errorf("AUTH advertised without TLS: %q", line)
		}
	}
	expectReply(t, send(d, s, "AUTH PLAIN "+b64("\x00alice\x00s3cret")), CodeParameterNotImpl)
	expectReply(t, send(d, s, "AUTH CRAM-MD5"), CodeParameterNotImpl)
	expectReply(t, send(d, s, "AUTH"), CodeSyntaxError)

	// Over TLS the password mechanisms are offered.
	s.markTLS()
	tr = send(d, s, "EHLO client.example.com")
	if last := tr.Reply.Lines[len(tr.Reply.Lines)-1]; last != "AUTH PLAIN LOGIN" {
		t.Errorf("last capability = %q", last)
	}
}

func TestAuthRequiredBeforeMail(t *testing.T) {
	config := authConfig()
	config.RequireAuth = true
	d, s := newTestEngine(t, config)
	send(d, s, "EHLO client.example.com")

	expectReply(t, send(d, s, "MAIL FROM:<alice@example.com>"), CodeAuthRequired)
	send(d, s, "AUTH PLAIN "+b64("\x00alice\x00s3cret"))
	expectReply(t, send(d, s, "MAIL FROM:<alice@example.com> AUTH=<>"), CodeOK)
}

func TestAuthNeverLogsCredentials(t *testing.T) {
	logger, buf := bufferLogger()
	config := authConfig()
	config.Logger = logger
	d, s := newTestEngine(t, config)

	send(d, s,
		"EHLO client.example.com",
		"AUTH PLAIN "+b64("\x00alice\x00wrong-pass"),
		"AUTH LOGIN",
		b64("alice"),
		"%%%",
		"AUTH PLAIN",
		b64("\x00alice\x00s3cret"),
	)
	if !s.IsAuthenticated() {
		t.Fatal("final exchange did not authenticate")
	}

	logged := buf.String()
	for _, secret := range []string{"wrong-pass", "s3cret", b64("\x00alice\x00s3cret"), b64("\x00alice\x00wrong-pass"), "%%%"} {
		if strings.Contains(logged, secret) {
			t.Errorf("log contains %q:\n%s", secret, logged)
		}
	}
}

func TestAuthCredentialAfterAbortedExchangeNotLogged(t *testing.T) {
	logger, buf := bufferLogger()
	config := authConfig()
	config.Logger = logger
	d, s := newTestEngine(t, config)

	// The bad username ends the exchange, so the password that follows is
	// dispatched as a command.
	tr := send(d, s,
		"EHLO client.example.com",
		"AUTH LOGIN",
		"bad!!username",
		b64("hunter2pass"),
	)
	expectReply(t, tr, CodeCommandUnrecognized)

	logged := strings.ToUpper(buf.String())
	for _, secret := range []string{"BAD!!USERNAME", strings.ToUpper(b64("hunter2pass"))} {
		if strings.Contains(logged, secret) {
			t.Errorf("log contains %q:\n%s", secret, buf.String())
		}
	}
	if !strings.Contains(buf.String(), "verb=unknown") {
		t.Errorf("unknown command not logged as a placeholder:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "verb=AUTH") {
		t.Errorf("known verb missing from log:\n%s", buf.String())
	}
}

type disposeCounter struct {
	disposed int
}

type countingMechanism struct {
	counter *disposeCounter
}

func (m *countingMechanism) Name() string            { return "X-COUNT" }
func (m *countingMechanism) Available(*Session) bool { return true }
func (m *countingMechanism) NewServer(*Session) (sasl.Server, error) {
	return &countingServer{counter: m.counter}, nil
}

type countingServer struct {
	counter *disposeCounter
}

func (c *countingServer) Next([]byte) ([]byte, bool, error) {
	return []byte("more"), false, nil
}

func (c *countingServer) Dispose() error {
	c.counter.disposed++
	return nil
}

func TestAuthDisposesAbandonedExchange(t *testing.T) {
	counter := &disposeCounter{}
	ext := NewAuthExtension(&countingMechanism{counter: counter})
	d := NewDispatcher(discardLogger(), nil, []Extension{ext})
	s := NewSession(context.Background(), nil, discardLogger())
	s.apply(MoveTo(Reply{}, StateAfterEhlo))

	send(d, s, "AUTH X-COUNT")
	expectReply(t, send(d, s, b64("x")), CodeAuthContinue)
	send(d, s, "*")
	if counter.disposed != 1 {
		t.Errorf("disposed = %d after cancel, want 1", counter.disposed)
	}

	send(d, s, "AUTH X-COUNT")
	send(d, s, "not-base64!")
	if counter.disposed != 2 {
		t.Errorf("disposed = %d after invalid base64, want 2", counter.disposed)
	}
}

func TestNewMechanismUnknown(t *testing.T) {
	if _, err := NewMechanism("GSSAPI", false, nil); !errors.Is(err, ErrMechanism) {
		t.Errorf("NewMechanism() error = %v, want ErrMechanism", err)
	}
	if _, err := NewServer(ServerConfig{Hostname: "mx", AuthMechanisms: []string{"NTLM"}}); !errors.Is(err, ErrMechanism) {
		t.Errorf("NewServer() error = %v, want ErrMechanism", err)
	}
}
