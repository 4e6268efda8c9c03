package corvid

import "errors"

var (
	ErrServerClosed    = errors.New("smtp: server closed")
	ErrNoHostname      = errors.New("smtp: hostname is required")
	ErrMessageTooLarge = errors.New("smtp: message too large")
	ErrNilLine         = errors.New("smtp: nil line buffer")
	ErrNoTLSConfig     = errors.New("smtp: no TLS configuration")
	ErrMechanism       = errors.New("smtp: unknown SASL mechanism")
	ErrAuthFailed      = errors.New("smtp: authentication failed")
)
