package sasl

import (
	gosasl "github.com/emersion/go-sasl"
)

// Mechanism names.
const (
	Plain     = gosasl.Plain
	Login     = "LOGIN"
	Anonymous = gosasl.Anonymous
)

// NewPlain creates a PLAIN server (RFC 4616).
// Use only over TLS - passwords are transmitted in clear text.
func NewPlain(auth Authenticator) Server {
	return gosasl.NewPlainServer(func(identity, username, password string) error {
		if username == "" {
			return ErrInvalidFormat
		}
		return auth(Credentials{
			AuthorizationID:  identity,
			AuthenticationID: username,
			Password:         password,
		})
	})
}

// NewAnonymous creates an ANONYMOUS server (RFC 4505). The trace string is
// passed to auth as the authentication identity with an empty password.
func NewAnonymous(auth Authenticator) Server {
	return gosasl.NewAnonymousServer(func(trace string) error {
		return auth(Credentials{AuthenticationID: trace})
	})
}
