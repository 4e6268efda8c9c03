package corvid

// SessionState is a coarse protocol phase of an SMTP session. It decides
// which verbs are legal; byte-level sub-protocols such as DATA bodies and
// SASL exchanges are handled by line consumers and never get a state of
// their own.
type SessionState int

const (
	// NoStateChange is the Transition target meaning "keep the current
	// state". It is never the state of a session.
	NoStateChange SessionState = iota - 1

	// StateConnected is the initial state, and the state after STARTTLS.
	StateConnected
	// StateAfterEhlo indicates EHLO/HELO has been accepted and no mail
	// transaction is open.
	StateAfterEhlo
	// StateMail indicates MAIL FROM has been accepted.
	StateMail
	// StateRcpt indicates at least one RCPT TO has been accepted.
	StateRcpt
	// StateQuit indicates QUIT was received; the transport closes the connection.
	StateQuit
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case NoStateChange:
		return "NO_STATE_CHANGE"
	case StateConnected:
		return "CONNECTED"
	case StateAfterEhlo:
		return "AFTER_EHLO"
	case StateMail:
		return "MAIL"
	case StateRcpt:
		return "RCPT"
	case StateQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}
