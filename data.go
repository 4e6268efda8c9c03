package corvid

import (
	"bytes"
	"errors"
	"log/slog"

	corvidio "github.com/synqronlabs/corvid/io"
)

var endOfData = []byte(".\r\n")

// dataLineConsumer receives the message body after DATA. It removes
// dot-stuffing (RFC 5321 Section 4.5.2) and ends on a line holding a single
// dot. Body lines get no reply.
type dataLineConsumer struct {
	token    ConsumerToken
	mail     MailObject
	writeErr error
}

func startData(s *Session, mail MailObject) {
	c := &dataLineConsumer{mail: mail}
	c.token = s.RegisterLineConsumer(SelectorExclusive, c)
}

func (c *dataLineConsumer) Consume(s *Session, line *Line) Transition {
	b := line.Bytes()
	if bytes.Equal(b, endOfData) {
		s.RemoveLineConsumer(c.token)
		reply := c.complete(s)
		return MoveTo(reply, StateAfterEhlo)
	}

	if len(b) > 0 && b[0] == '.' {
		// Cannot fail, the slice is never nil.
		_ = line.SetLine(b[1:])
	}

	if c.writeErr == nil {
		if err := c.mail.WriteLine(line.Bytes()); err != nil {
			c.writeErr = err
		}
	}
	return Silent()
}

// fail records a transport error for a body line that could not be read.
// The message is rejected once it ends.
func (c *dataLineConsumer) fail(err error) {
	if c.writeErr == nil {
		c.writeErr = err
	}
}

func (c *dataLineConsumer) complete(s *Session) Reply {
	defer s.SetMailObject(nil)

	switch {
	case c.writeErr == nil:
		return c.mail.Complete(s)
	case errors.Is(c.writeErr, ErrMessageTooLarge):
		c.mail.Discard()
		return ReplyExceededStorage("Message too large")
	case errors.Is(c.writeErr, corvidio.ErrLineTooLong):
		c.mail.Discard()
		return ReplyTransactionFailed("Message line too long", ESCContentError)
	case errors.Is(c.writeErr, corvidio.ErrBadLineEnding):
		c.mail.Discard()
		return ReplyTransactionFailed("Message contains bare LF", ESCContentError)
	default:
		s.Logger().Error("failed to store message data", slog.Any("error", c.writeErr))
		c.mail.Discard()
		return ReplyLocalError("Requested action aborted: local error in processing")
	}
}
