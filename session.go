package corvid

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/synqronlabs/corvid/utils"
)

// Selector identifies a line-consumer registration in a session.
type Selector string

// SelectorExclusive is the selector used by consumers that take over the
// primary command stream, such as DATA bodies and SASL exchanges.
const SelectorExclusive Selector = "exclusive"

// ConsumerToken is returned by RegisterLineConsumer and is the only way to
// remove that registration again.
type ConsumerToken struct {
	selector Selector
	seq      uint64
}

// Selector returns the selector the token was registered under.
func (t ConsumerToken) Selector() Selector {
	return t.selector
}

type consumerEntry struct {
	consumer LineConsumer
	seq      uint64
}

// PropertyKey is an opaque key into the session property bag. Keys compare
// by identity, so two extensions can never collide even with equal names.
type PropertyKey struct {
	name string
}

// NewPropertyKey creates a key. The name is only used for logging.
func NewPropertyKey(name string) *PropertyKey {
	return &PropertyKey{name: name}
}

func (k *PropertyKey) String() string {
	return k.name
}

// AuthInfo contains information about client authentication.
type AuthInfo struct {
	// Authenticated indicates whether the client has successfully authenticated.
	Authenticated bool
	// Mechanism is the SASL mechanism used (e.g., "PLAIN", "LOGIN").
	Mechanism string
	// Identity is the authenticated identity (username/email).
	Identity string
	// AuthenticatedAt is when authentication succeeded.
	AuthenticatedAt time.Time
}

// SessionTrace contains tracing and diagnostic information for a session.
type SessionTrace struct {
	// ID is a unique identifier for this session (for correlation in logs).
	ID string
	// RemoteAddr is the remote client address, nil for sessions without a peer.
	RemoteAddr net.Addr
	// ConnectedAt is when the session was created.
	ConnectedAt time.Time
	// ClientHostname is the hostname provided in EHLO/HELO.
	ClientHostname string
	// ReverseDNS is the PTR name of the client address, if known.
	ReverseDNS string
	// CommandCount is the number of lines handled as commands. Lines taken
	// by a line consumer are not counted.
	CommandCount int64
	// TransactionCount is the number of completed mail transactions.
	TransactionCount int64
	// ErrorCount is the number of 5xx replies sent.
	ErrorCount int
	// LastActivity is the timestamp of the last dispatched line.
	LastActivity time.Time
	// TLS describes the negotiated TLS connection, if any.
	TLS TLSInfo
}

// Session is the per-connection protocol context.
//
// A Session is owned by exactly one goroutine, the connection loop that
// feeds it lines. None of its methods lock; handlers and line consumers run
// on that same goroutine. Code that hands a session to another goroutine
// must stop dispatching to it first.
type Session struct {
	ctx    context.Context
	logger *slog.Logger

	state      SessionState
	properties map[*PropertyKey]any
	tlsStarted bool
	tlsPending bool
	mail       MailObject
	consumers  map[Selector]consumerEntry
	seq        uint64
	auth       AuthInfo
	extended   bool

	// Trace contains session tracing and diagnostic information.
	Trace SessionTrace
}

// NewSession creates a session in StateConnected. remote may be nil and
// logger defaults to slog.Default().
func NewSession(ctx context.Context, remote net.Addr, logger *slog.Logger) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	id := utils.NewID()

	attrs := []any{slog.String("session_id", id)}
	if remote != nil {
		attrs = append(attrs, slog.String("remote", remote.String()))
	}

	return &Session{
		ctx:        ctx,
		logger:     logger.With(attrs...),
		state:      StateConnected,
		properties: make(map[*PropertyKey]any),
		consumers:  make(map[Selector]consumerEntry),
		Trace: SessionTrace{
			ID:           id,
			RemoteAddr:   remote,
			ConnectedAt:  now,
			LastActivity: now,
		},
	}
}

// Context returns the session context. It is cancelled when the connection ends.
func (s *Session) Context() context.Context {
	return s.ctx
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.Trace.ID
}

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return s.state
}

// apply sets the state named by t, unless t keeps the state.
func (s *Session) apply(t Transition) {
	if t.Changes() {
		s.state = t.Target
	}
}

// SetProperty stores an extension-owned value.
func (s *Session) SetProperty(key *PropertyKey, value any) {
	s.properties[key] = value
}

// Property returns the value stored under key.
func (s *Session) Property(key *PropertyKey) (any, bool) {
	v, ok := s.properties[key]
	return v, ok
}

// ClearProperty removes the value stored under key.
func (s *Session) ClearProperty(key *PropertyKey) {
	delete(s.properties, key)
}

// RegisterLineConsumer diverts incoming lines to c until the returned token
// is used to remove it. Registering under a selector that is already in use
// replaces the previous consumer.
func (s *Session) RegisterLineConsumer(sel Selector, c LineConsumer) ConsumerToken {
	s.seq++
	s.consumers[sel] = consumerEntry{consumer: c, seq: s.seq}
	return ConsumerToken{selector: sel, seq: s.seq}
}

// RemoveLineConsumer removes the registration identified by tok. It reports
// false if the registration was already removed or replaced.
func (s *Session) RemoveLineConsumer(tok ConsumerToken) bool {
	entry, ok := s.consumers[tok.selector]
	if !ok || entry.seq != tok.seq {
		return false
	}
	delete(s.consumers, tok.selector)
	return true
}

// HasLineConsumer reports whether any line consumer is registered.
func (s *Session) HasLineConsumer() bool {
	return len(s.consumers) > 0
}

// ActiveLineConsumer returns the consumer that should receive the next line:
// the exclusive one if present, otherwise the most recently registered one.
func (s *Session) ActiveLineConsumer() (LineConsumer, bool) {
	if entry, ok := s.consumers[SelectorExclusive]; ok {
		return entry.consumer, true
	}
	var latest consumerEntry
	for _, entry := range s.consumers {
		if entry.seq > latest.seq {
			latest = entry
		}
	}
	return latest.consumer, latest.consumer != nil
}

// IsTLSStarted reports whether TLS is active or has been requested.
func (s *Session) IsTLSStarted() bool {
	return s.tlsStarted
}

// StartTLS marks the session as TLS-started. The transport performs the
// handshake after sending the current reply. Once set, the flag never clears.
func (s *Session) StartTLS() {
	if s.tlsStarted {
		return
	}
	s.tlsStarted = true
	s.tlsPending = true
}

// markTLS records a session that began on an implicit TLS connection.
func (s *Session) markTLS() {
	s.tlsStarted = true
}

// takeTLSUpgrade reports and clears a pending handshake request.
func (s *Session) takeTLSUpgrade() bool {
	pending := s.tlsPending
	s.tlsPending = false
	return pending
}

// MailObject returns the active mail transaction, or nil.
func (s *Session) MailObject() MailObject {
	return s.mail
}

// SetMailObject installs the mail transaction opened by MAIL FROM.
func (s *Session) SetMailObject(m MailObject) {
	s.mail = m
}

// ClearMailObject discards the active mail transaction, if any.
func (s *Session) ClearMailObject() {
	if s.mail != nil {
		s.mail.Discard()
		s.mail = nil
	}
}

// ClientHostname returns the name given in EHLO/HELO.
func (s *Session) ClientHostname() string {
	return s.Trace.ClientHostname
}

func (s *Session) setClientHostname(hostname string, extended bool) {
	s.Trace.ClientHostname = hostname
	s.extended = extended
}

// IsAuthenticated returns whether the client has authenticated.
func (s *Session) IsAuthenticated() bool {
	return s.auth.Authenticated
}

// Auth returns the authentication details of the session.
func (s *Session) Auth() AuthInfo {
	return s.auth
}

func (s *Session) setAuth(mechanism, identity string) {
	s.auth = AuthInfo{
		Authenticated:   true,
		Mechanism:       mechanism,
		Identity:        identity,
		AuthenticatedAt: time.Now(),
	}
}

// reset returns the session to its just-connected form, as required after
// a STARTTLS handshake (RFC 3207 Section 4.2).
func (s *Session) reset() {
	s.ClearMailObject()
	s.auth = AuthInfo{}
	s.extended = false
	s.Trace.ClientHostname = ""
}

func (s *Session) recordLine() {
	s.Trace.LastActivity = time.Now()
}

func (s *Session) recordReply(r Reply) {
	if r.IsPermanentError() {
		s.Trace.ErrorCount++
	}
}
