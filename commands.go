package corvid

import (
	"errors"
	"fmt"
	"net"

	"github.com/synqronlabs/corvid/utils"
)

// VerifyFunc answers VRFY. Returning an error rejects the address with 550.
type VerifyFunc func(s *Session, arg string) (MailboxAddress, error)

// coreCommands holds what the RFC 5321 commands need from the server
// configuration.
type coreCommands struct {
	hostname    string
	extensions  []Extension
	newMail     MailFactory
	requireTLS  bool
	requireAuth bool
	verify      VerifyFunc
}

// smtputf8Key records that the open transaction declared SMTPUTF8.
var smtputf8Key = NewPropertyKey("mail.smtputf8")

func (c *coreCommands) handlers() []CommandHandler {
	anyState := inStates(StateConnected, StateAfterEhlo, StateMail, StateRcpt)
	return []CommandHandler{
		&Command{Name: "EHLO", Valid: anyState, Handle: c.handleEhlo},
		&Command{Name: "HELO", Valid: anyState, Handle: c.handleHelo},
		&Command{Name: "MAIL", Valid: inStates(StateAfterEhlo), Handle: c.handleMail},
		&Command{Name: "RCPT", Valid: inStates(StateMail, StateRcpt), Handle: c.handleRcpt},
		&Command{Name: "DATA", Valid: inStates(StateRcpt), Handle: c.handleData},
		&Command{Name: "RSET", Handle: c.handleRset},
		&Command{Name: "NOOP", Handle: c.handleNoop},
		&Command{Name: "QUIT", Handle: c.handleQuit},
		&Command{Name: "VRFY", Handle: c.handleVrfy},
		&Command{Name: "HELP", Handle: c.handleHelp},
	}
}

// greeting is the first line of the HELO/EHLO reply.
func (c *coreCommands) greeting(s *Session) string {
	ip, err := utils.GetIPFromAddr(s.Trace.RemoteAddr)
	if err != nil {
		ip = net.IPv4zero
	}
	if s.Trace.ReverseDNS != "" {
		return fmt.Sprintf("%s Hello %s (%s) [%s]", c.hostname, ip.String(), s.Trace.ReverseDNS, s.ID())
	}
	return fmt.Sprintf("%s Hello %s [%s]", c.hostname, ip.String(), s.ID())
}

// hello handles the shared part of HELO and EHLO.
func (c *coreCommands) hello(s *Session, line *Line, extended bool) (Reply, bool) {
	if line.Args() == "" {
		return ReplySyntaxError("Hostname required"), false
	}
	domain, err := utils.NormalizeDomain(line.Args())
	if err != nil {
		return ReplySyntaxError("Invalid domain"), false
	}
	s.ClearMailObject()
	s.ClearProperty(smtputf8Key)
	s.setClientHostname(domain, extended)
	return Reply{}, true
}

func (c *coreCommands) handleEhlo(s *Session, line *Line) Transition {
	if r, ok := c.hello(s, line, true); !ok {
		return Stay(r)
	}
	lines := append([]string{c.greeting(s)}, ehloCapabilities(s, c.extensions)...)
	return MoveTo(NewReply(CodeOK, lines...), StateAfterEhlo)
}

func (c *coreCommands) handleHelo(s *Session, line *Line) Transition {
	if r, ok := c.hello(s, line, false); !ok {
		return Stay(r)
	}
	return MoveTo(NewReply(CodeOK, c.greeting(s)), StateAfterEhlo)
}

func (c *coreCommands) handleMail(s *Session, line *Line) Transition {
	if c.requireTLS && !s.IsTLSStarted() {
		return Stay(NewEnhancedReply(CodeAuthRequired, ESCSecurityError, "Must issue a STARTTLS command first"))
	}
	if c.requireAuth && !s.IsAuthenticated() {
		return Stay(ReplyAuthRequired())
	}

	from, params, err := parsePathArg(line, "FROM:")
	if err != nil {
		return Stay(pathError(err, "Syntax: MAIL FROM:<address>", ESCBadSenderSyntax))
	}

	for _, key := range params.Keys() {
		value, _ := params.Get(key)
		if r := c.checkMailParameter(s, key, value); r != nil {
			return Stay(*r)
		}
	}

	utf8 := params.Exists("SMTPUTF8")
	if from.NonASCII() && !utf8 {
		return Stay(replyNonASCII())
	}

	mail, r := c.newMail(s, from, params)
	if r != nil {
		return Stay(*r)
	}
	s.SetMailObject(mail)
	if utf8 {
		s.SetProperty(smtputf8Key, true)
	}
	return MoveTo(ReplyOK("OK", ESCAddressValid), StateMail)
}

// checkMailParameter asks the available extensions about one MAIL FROM
// parameter. Parameters no extension claims are rejected.
func (c *coreCommands) checkMailParameter(s *Session, key, value string) *Reply {
	for _, ext := range c.extensions {
		checker, ok := ext.(MailParameterChecker)
		if !ok || !ext.Available(s) {
			continue
		}
		if handled, r := checker.CheckMailParameter(s, key, value); handled {
			return r
		}
	}
	r := ReplyParamsNotRecognized(key)
	return &r
}

func (c *coreCommands) handleRcpt(s *Session, line *Line) Transition {
	mail := s.MailObject()
	if mail == nil {
		return Stay(ReplyBadSequence())
	}

	to, params, err := parsePathArg(line, "TO:")
	if err != nil {
		return Stay(pathError(err, "Syntax: RCPT TO:<address>", ESCBadDestSyntax))
	}
	if to.IsNull() {
		return Stay(NewEnhancedReply(CodeMailboxNameInvalid, ESCBadDestSyntax, "Recipient address required"))
	}
	if keys := params.Keys(); len(keys) > 0 {
		return Stay(ReplyParamsNotRecognized(keys[0]))
	}
	if _, utf8 := s.Property(smtputf8Key); to.NonASCII() && !utf8 {
		return Stay(replyNonASCII())
	}

	if r := mail.AddRecipient(s, to, params); r != nil {
		return Stay(*r)
	}
	return MoveTo(ReplyOK("OK", ESCRecipientValid), StateRcpt)
}

func (c *coreCommands) handleData(s *Session, line *Line) Transition {
	if line.Args() != "" {
		return Stay(ReplySyntaxError("DATA takes no parameters"))
	}
	mail := s.MailObject()
	if mail == nil {
		return Stay(ReplyBadSequence())
	}
	if r := mail.PrepareForData(s); r != nil {
		return Stay(*r)
	}
	s.ClearProperty(smtputf8Key)
	startData(s, mail)
	return Stay(NewReply(CodeStartMailData, "Start mail input; end with <CRLF>.<CRLF>"))
}

func (c *coreCommands) handleRset(s *Session, line *Line) Transition {
	if line.Args() != "" {
		return Stay(ReplySyntaxError("RSET takes no parameters"))
	}
	s.ClearMailObject()
	s.ClearProperty(smtputf8Key)
	if s.State() == StateMail || s.State() == StateRcpt {
		return MoveTo(ReplyOK("OK", ESCSuccess), StateAfterEhlo)
	}
	return Stay(ReplyOK("OK", ESCSuccess))
}

func (c *coreCommands) handleNoop(*Session, *Line) Transition {
	return Stay(ReplyOK("OK", ESCSuccess))
}

func (c *coreCommands) handleQuit(s *Session, _ *Line) Transition {
	s.ClearMailObject()
	return MoveTo(ReplyServiceClosing(c.hostname, "Service closing transmission channel"), StateQuit)
}

func (c *coreCommands) handleVrfy(s *Session, line *Line) Transition {
	arg := line.Args()
	if arg == "" {
		return Stay(ReplySyntaxError("Syntax: VRFY <address>"))
	}
	if c.verify == nil {
		// RFC 5321 Section 3.5.3
		return Stay(NewEnhancedReply(CodeCannotVRFY, ESCCannotVerify,
			"Cannot VRFY user, but will accept message and attempt delivery"))
	}
	addr, err := c.verify(s, arg)
	if err != nil {
		return Stay(NewEnhancedReply(CodeMailboxNotFound, ESCBadDestSyntax, "User unknown"))
	}
	return Stay(ReplyOK(addr.String(), ESCSuccess))
}

func (c *coreCommands) handleHelp(*Session, *Line) Transition {
	return Stay(NewEnhancedReply(CodeHelpMessage, ESCSuccess,
		"Commands: EHLO HELO MAIL RCPT DATA RSET NOOP QUIT VRFY HELP",
		"See RFC 5321"))
}

func pathError(err error, syntax string, esc EnhancedCode) Reply {
	if errors.Is(err, errPathPrefix) || errors.Is(err, errMissingBrackets) {
		return ReplySyntaxError(syntax)
	}
	return NewEnhancedReply(CodeMailboxNameInvalid, esc, "Invalid address")
}

func replyNonASCII() Reply {
	return NewEnhancedReply(CodeMailboxNameInvalid, ESCNonASCIINoSMTPUTF8,
		"Address contains non-ASCII characters but SMTPUTF8 not requested")
}
