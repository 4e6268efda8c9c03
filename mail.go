package corvid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/synqronlabs/corvid/utils"
)

// MailObject accumulates one mail transaction, from MAIL FROM until the end
// of the message body. It is opened by MAIL and owned by the session.
type MailObject interface {
	// AddRecipient records an accepted RCPT TO. A non-nil reply rejects it.
	AddRecipient(s *Session, to Path, params Parameters) *Reply
	// PrepareForData is called on DATA. A non-nil reply refuses the body.
	PrepareForData(s *Session) *Reply
	// WriteLine receives one unstuffed body line including its CRLF.
	WriteLine(line []byte) error
	// Complete is called after the terminating "." and produces the final reply.
	Complete(s *Session) Reply
	// Discard abandons the transaction. It may be called at any time.
	Discard()
}

// MailFactory opens a mail transaction for an accepted MAIL FROM. A non-nil
// reply rejects the sender.
type MailFactory func(s *Session, from Path, params Parameters) (MailObject, *Reply)

// DeliverFunc receives a completed message. Returning a *ReplyError selects
// the reply sent to the client; other errors produce a 451.
type DeliverFunc func(ctx context.Context, m *Mail) error

// BodyType specifies the encoding type of the message body per RFC 6152.
type BodyType string

const (
	// BodyType7Bit indicates a 7-bit ASCII message body (RFC 5321 compliant).
	BodyType7Bit BodyType = "7BIT"
	// BodyType8BitMIME indicates an 8-bit MIME message body (RFC 6152).
	BodyType8BitMIME BodyType = "8BITMIME"
)

// MailboxAddress represents an email address as per RFC 5321 Section 4.1.2.
// It supports both ASCII addresses (RFC 5321) and internationalized addresses (RFC 6531).
type MailboxAddress struct {
	// LocalPart is the portion before the @ sign.
	LocalPart string
	// Domain is the portion after the @ sign.
	Domain string
}

// String returns the address in the standard "local-part@domain" format.
func (m MailboxAddress) String() string {
	if m.LocalPart == "" && m.Domain == "" {
		return ""
	}
	return m.LocalPart + "@" + m.Domain
}

// Path represents an SMTP forward-path or reverse-path as per RFC 5321 Section 4.1.2.
type Path struct {
	Mailbox MailboxAddress
}

// IsNull returns true if this is a null reverse-path (empty sender).
// Null reverse-paths are used for bounce messages per RFC 5321 Section 4.5.5.
func (p Path) IsNull() bool {
	return p.Mailbox.LocalPart == "" && p.Mailbox.Domain == ""
}

// String returns the path in angle bracket format as used in SMTP commands.
func (p Path) String() string {
	if p.IsNull() {
		return "<>"
	}
	return "<" + p.Mailbox.String() + ">"
}

// NonASCII reports whether the path needs SMTPUTF8.
func (p Path) NonASCII() bool {
	return utils.ContainsNonASCII(p.Mailbox.LocalPart) || utils.ContainsNonASCII(p.Mailbox.Domain)
}

// ParseAddress parses an email address string into a MailboxAddress.
func ParseAddress(addr string) (MailboxAddress, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return MailboxAddress{}, err
	}

	address := parsed.Address
	i := strings.LastIndexByte(address, '@')
	if i < 0 {
		return MailboxAddress{}, fmt.Errorf("missing @ in %q", addr)
	}
	return MailboxAddress{LocalPart: address[:i], Domain: address[i+1:]}, nil
}

// Recipient represents a single accepted recipient.
type Recipient struct {
	Address Path
	// Params holds the RCPT TO parameters, keys upper-cased.
	Params map[string]string
}

// Envelope represents the SMTP envelope as per RFC 5321 Section 2.3.1.
type Envelope struct {
	// From is the reverse-path specified in the MAIL FROM command.
	From Path
	// To is the list of recipients specified via RCPT TO commands.
	To []Recipient
	// BodyType indicates the body encoding type. Defaults to 7BIT.
	BodyType BodyType
	// Size is the declared message size in octets (RFC 1870), zero if undeclared.
	Size int64
	// SMTPUTF8 is set when MAIL FROM carried the SMTPUTF8 parameter.
	SMTPUTF8 bool
	// Auth is the authenticated identity of the session, if any.
	Auth string
	// Params holds all MAIL FROM parameters, keys upper-cased.
	Params map[string]string
}

// Header is one message header field.
type Header struct {
	Name  string
	Value string
}

// Headers is a collection of message headers with helper methods.
type Headers []Header

// Get returns the first header value with the given name (case-insensitive).
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// TraceField represents the Received header added by this server (RFC 5321 Section 4.4).
type TraceField struct {
	FromDomain string
	FromIP     string
	ByDomain   string
	With       string
	ID         string
	For        string
	Timestamp  time.Time
}

// String renders the field as a complete header line ending in CRLF.
func (t TraceField) String() string {
	var sb strings.Builder
	sb.WriteString("Received: from ")
	sb.WriteString(t.FromDomain)
	if t.FromIP != "" {
		fmt.Fprintf(&sb, " ([%s])", t.FromIP)
	}
	fmt.Fprintf(&sb, "\r\n\tby %s with %s id %s", t.ByDomain, t.With, t.ID)
	if t.For != "" {
		fmt.Fprintf(&sb, "\r\n\tfor <%s>", t.For)
	}
	fmt.Fprintf(&sb, ";\r\n\t%s\r\n", t.Timestamp.Format(time.RFC1123Z))
	return sb.String()
}

// Mail is the default MailObject. It buffers the message in memory and
// hands the finished message to a DeliverFunc.
type Mail struct {
	// ID is assigned when the message is complete.
	ID       string
	Envelope Envelope
	// Headers holds the parsed header section of the received data.
	Headers Headers
	// Raw is the message as delivered, starting with the Received header.
	Raw        []byte
	ReceivedAt time.Time
	Trace      TraceField

	limits    MailLimits
	deliver   DeliverFunc
	buf       bytes.Buffer
	oversized bool
	discarded bool
}

// MailLimits bounds a single transaction.
type MailLimits struct {
	// Hostname is used as the "by" domain of the Received header.
	Hostname string
	// MaxMessageSize is the maximum body size in bytes, 0 for no limit.
	MaxMessageSize int64
	// MaxRecipients is the maximum number of recipients, 0 for no limit.
	MaxRecipients int
}

// NewMailFactory returns a MailFactory producing *Mail transactions.
func NewMailFactory(limits MailLimits, deliver DeliverFunc) MailFactory {
	return func(s *Session, from Path, params Parameters) (MailObject, *Reply) {
		m := NewMail(limits, deliver)
		m.Envelope.From = from
		m.Envelope.Params = params.Map()
		if v, ok := params.Get("BODY"); ok {
			m.Envelope.BodyType = BodyType(strings.ToUpper(v))
		}
		if v, ok := params.Get("SIZE"); ok {
			m.Envelope.Size, _ = strconv.ParseInt(v, 10, 64)
		}
		m.Envelope.SMTPUTF8 = params.Exists("SMTPUTF8")
		if s.IsAuthenticated() {
			m.Envelope.Auth = s.Auth().Identity
		}
		return m, nil
	}
}

// NewMail creates an empty transaction.
func NewMail(limits MailLimits, deliver DeliverFunc) *Mail {
	return &Mail{
		Envelope: Envelope{BodyType: BodyType7Bit},
		limits:   limits,
		deliver:  deliver,
	}
}

// AddRecipient appends to the envelope, enforcing MaxRecipients.
func (m *Mail) AddRecipient(_ *Session, to Path, params Parameters) *Reply {
	if m.limits.MaxRecipients > 0 && len(m.Envelope.To) >= m.limits.MaxRecipients {
		r := NewEnhancedReply(CodeInsufficientStorage, ESCTempTooManyRecipients, "Too many recipients")
		return &r
	}
	m.Envelope.To = append(m.Envelope.To, Recipient{Address: to, Params: params.Map()})
	return nil
}

// PrepareForData refuses the body when no recipient was accepted.
func (m *Mail) PrepareForData(*Session) *Reply {
	if len(m.Envelope.To) == 0 {
		r := NewEnhancedReply(CodeBadSequence, ESCBadCommandSequence, "No valid recipients")
		return &r
	}
	m.buf.Reset()
	m.oversized = false
	return nil
}

// WriteLine buffers a body line. Once the size limit is exceeded further
// lines are dropped and Complete rejects the message.
func (m *Mail) WriteLine(line []byte) error {
	if m.oversized {
		return ErrMessageTooLarge
	}
	if m.limits.MaxMessageSize > 0 && int64(m.buf.Len()+len(line)) > m.limits.MaxMessageSize {
		m.oversized = true
		m.buf.Reset()
		return ErrMessageTooLarge
	}
	m.buf.Write(line)
	return nil
}

// Complete validates the body, stamps it and delivers it.
func (m *Mail) Complete(s *Session) Reply {
	if m.oversized {
		return ReplyExceededStorage("Message too large")
	}
	data := m.buf.Bytes()
	if m.Envelope.BodyType == BodyType7Bit && utils.ContainsNonASCII(string(data)) {
		return ReplyTransactionFailed("Message contains 8-bit data but BODY=7BIT was specified", ESCContentError)
	}

	m.ID = utils.NewID()
	m.ReceivedAt = time.Now()
	m.Headers, _ = parseMessageContent(data)
	m.Trace = receivedTrace(s, m)

	received := m.Trace.String()
	m.Raw = make([]byte, 0, len(received)+len(data))
	m.Raw = append(m.Raw, received...)
	m.Raw = append(m.Raw, data...)

	if m.deliver != nil {
		if err := m.deliver(s.Context(), m); err != nil {
			var re *ReplyError
			if errors.As(err, &re) {
				return re.Reply
			}
			s.Logger().Error("delivery failed", slog.String("mail_id", m.ID), slog.Any("error", err))
			return NewEnhancedReply(CodeLocalError, ESCTempLocalError, "Requested action aborted: local error in processing")
		}
	}

	s.Trace.TransactionCount++
	s.Logger().Info("message received",
		slog.String("mail_id", m.ID),
		slog.String("from", m.Envelope.From.String()),
		slog.Int("recipients", len(m.Envelope.To)),
		slog.Int("size", len(data)),
	)
	return ReplyOK(fmt.Sprintf("OK, queued as %s", m.ID), ESCSuccess)
}

// Discard drops the buffered body.
func (m *Mail) Discard() {
	m.discarded = true
	m.buf.Reset()
}

// Discarded reports whether the transaction was abandoned.
func (m *Mail) Discarded() bool {
	return m.discarded
}

// receivedTrace builds the Received field. The protocol name follows
// RFC 3848 and RFC 6531 Section 3.7.3.
func receivedTrace(s *Session, m *Mail) TraceField {
	protocol := "SMTP"
	switch {
	case m.Envelope.SMTPUTF8:
		protocol = "UTF8SMTP"
	case s.extended || s.IsTLSStarted():
		protocol = "ESMTP"
	}
	if s.IsTLSStarted() {
		protocol += "S"
	}
	if s.IsAuthenticated() {
		protocol += "A"
	}

	var fromIP string
	if ip, err := utils.GetIPFromAddr(s.Trace.RemoteAddr); err == nil {
		fromIP = ip.String()
	}
	var rcpt string
	if len(m.Envelope.To) == 1 {
		rcpt = m.Envelope.To[0].Address.Mailbox.String()
	}

	return TraceField{
		FromDomain: s.ClientHostname(),
		FromIP:     fromIP,
		ByDomain:   m.limits.Hostname,
		With:       protocol,
		ID:         m.ID,
		For:        rcpt,
		Timestamp:  m.ReceivedAt,
	}
}
