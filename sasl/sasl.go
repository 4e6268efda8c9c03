// Package sasl provides the SASL server mechanisms used by SMTP AUTH
// (RFC 4954). Servers follow the github.com/emersion/go-sasl Server
// contract so they can be mixed freely with mechanisms from that package.
package sasl

import (
	"encoding/base64"
	"errors"

	gosasl "github.com/emersion/go-sasl"
)

var (
	// ErrInvalidFormat is returned when the authentication data format is invalid.
	ErrInvalidFormat = errors.New("invalid authentication format")

	// ErrInvalidBase64 is returned when base64 decoding fails.
	ErrInvalidBase64 = errors.New("invalid base64 encoding")

	// ErrUnexpectedResponse is returned when a response arrives after the
	// exchange has finished.
	ErrUnexpectedResponse = errors.New("unexpected client response")
)

// Server is a server-side SASL exchange. Next is called once with the
// initial response (nil if none) and then once per client response.
type Server = gosasl.Server

// Disposer is implemented by servers holding state that must be cleared
// when an exchange is abandoned.
type Disposer interface {
	Dispose() error
}

// Credentials represents authentication credentials from a SASL exchange.
type Credentials struct {
	AuthorizationID  string // Identity to act as (authzid)
	AuthenticationID string // Identity being authenticated (authcid)
	Password         string
}

// Identity returns the effective identity for authorization.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.AuthenticationID
}

// Authenticator checks credentials. A non-nil error rejects them.
type Authenticator func(creds Credentials) error

// Decode decodes one base64 client response. A lone "=" stands for an
// empty response (RFC 4954 Section 4).
func Decode(token string) ([]byte, error) {
	if token == "=" {
		return []byte{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	return b, nil
}

// Encode encodes a server challenge for a 334 reply.
func Encode(challenge []byte) string {
	return base64.StdEncoding.EncodeToString(challenge)
}
