// Package io reads SMTP lines from the wire.
package io

import (
	"bufio"
	"errors"
)

var (
	ErrLineTooLong   = errors.New("smtp: line too long")
	ErrBadLineEnding = errors.New("smtp: line not terminated by CRLF")
)

// ReadLine reads a single line with strict CRLF and length enforcement.
// The returned slice includes the CRLF and is owned by the caller.
//
// A line longer than max is drained up to its newline before ErrLineTooLong
// is returned, so the next read starts on a fresh line.
func ReadLine(reader *bufio.Reader, max int) ([]byte, error) {
	// Fast path: the whole line fits into the bufio buffer.
	line, err := reader.ReadSlice('\n')
	if err == nil {
		return validate(line, max)
	}
	if err != bufio.ErrBufferFull {
		return nil, err
	}

	// Slow path: accumulate chunks. ReadSlice reuses its buffer, so the
	// first chunk must be copied before reading again.
	buf := append([]byte(nil), line...)
	for {
		line, err = reader.ReadSlice('\n')
		if len(buf)+len(line) > max {
			if err == bufio.ErrBufferFull {
				drainLine(reader)
			}
			return nil, ErrLineTooLong
		}
		buf = append(buf, line...)

		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
	return validate(buf, max)
}

// validate checks length and CRLF and returns a copy of b.
func validate(b []byte, max int) ([]byte, error) {
	if len(b) > max {
		// The newline has been consumed, nothing to drain.
		return nil, ErrLineTooLong
	}
	// We know b ends in '\n' because ReadSlice returned nil error.
	if len(b) < 2 || b[len(b)-2] != '\r' {
		return nil, ErrBadLineEnding
	}
	return append([]byte(nil), b...), nil
}

// drainLine discards the rest of the current line to recover protocol synchronization.
func drainLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}
