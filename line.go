package corvid

import (
	"bytes"
	"strings"
)

var crlf = []byte("\r\n")

// Line is one CRLF-terminated line received from the client.
//
// The bytes as received are kept in original. A later SetLine (for example
// after decoding) replaces the current view without losing the original.
// The stripped text and the verb are derived eagerly whenever the current
// bytes change, so they can never be stale.
//
// A Line is owned by the dispatch call processing it and is not safe for
// concurrent use.
type Line struct {
	original []byte
	current  []byte
	stripped string
	verb     string
}

// NewLine creates a Line from raw bytes. CRLF is appended when the bytes do
// not already end with it.
func NewLine(raw []byte) *Line {
	l := &Line{original: withCRLF(raw)}
	l.derive()
	return l
}

// LineFromString creates a Line from a string, appending CRLF if absent.
func LineFromString(s string) *Line {
	return NewLine([]byte(s))
}

func withCRLF(b []byte) []byte {
	if bytes.HasSuffix(b, crlf) {
		return b
	}
	out := make([]byte, 0, len(b)+2)
	out = append(out, b...)
	return append(out, crlf...)
}

// Bytes returns the current bytes of the line, including the trailing CRLF.
func (l *Line) Bytes() []byte {
	if l.current != nil {
		return l.current
	}
	return l.original
}

// Original returns the bytes exactly as received.
func (l *Line) Original() []byte {
	return l.original
}

// SetLine replaces the current bytes of the line. The new bytes must end in
// CRLF; callers that decode or rewrite a line are responsible for that.
func (l *Line) SetLine(b []byte) error {
	if b == nil {
		return ErrNilLine
	}
	l.current = b
	l.derive()
	return nil
}

// Stripped returns the line as a string without its trailing CRLF.
func (l *Line) Stripped() string {
	return l.stripped
}

// Verb returns the first space-delimited token of the stripped line.
func (l *Line) Verb() string {
	return l.verb
}

// Args returns everything after the verb with surrounding spaces removed.
func (l *Line) Args() string {
	if len(l.verb) == len(l.stripped) {
		return ""
	}
	return strings.TrimSpace(l.stripped[len(l.verb)+1:])
}

func (l *Line) derive() {
	l.stripped = string(bytes.TrimSuffix(l.Bytes(), crlf))
	verb, _, _ := strings.Cut(l.stripped, " ")
	l.verb = verb
}
