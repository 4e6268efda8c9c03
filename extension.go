package corvid

import (
	"fmt"
	"strconv"
	"strings"
)

// Extension is an optional protocol capability. Extensions are configured
// once per server and shared by all sessions; Available may read the session
// but must not change it.
type Extension interface {
	// Name identifies the extension in logs and configuration errors.
	Name() string
	// EhloKeyword is the capability keyword advertised in the EHLO reply.
	EhloKeyword() string
	// Available reports whether the extension applies to the session now.
	Available(s *Session) bool
	// CommandHandlers returns the commands the extension adds, if any.
	CommandHandlers() []CommandHandler
}

// EhloParameterizer is implemented by extensions whose EHLO line carries
// parameters after the keyword, such as "SIZE 1000" or "AUTH PLAIN LOGIN".
type EhloParameterizer interface {
	EhloParameters(s *Session) string
}

// MailParameterChecker is implemented by extensions that define MAIL FROM
// parameters. handled reports whether the key belongs to the extension; a
// non-nil reply rejects the command.
type MailParameterChecker interface {
	CheckMailParameter(s *Session, key, value string) (handled bool, reply *Reply)
}

// Dependent is implemented by extensions that only make sense together with
// other extensions, identified by name.
type Dependent interface {
	Requires() []string
}

// ExtensionConsumer returns a line consumer dispatching to the extension's
// command handlers, or nil if the extension has none.
func ExtensionConsumer(ext Extension) LineConsumer {
	chain := NewHandlerChain(ext.CommandHandlers()...)
	if chain == nil {
		return nil
	}
	return chain
}

// ValidateExtensions checks that every extension's dependencies are present.
func ValidateExtensions(extensions []Extension) error {
	enabled := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		enabled[ext.Name()] = true
	}
	for _, ext := range extensions {
		dep, ok := ext.(Dependent)
		if !ok {
			continue
		}
		for _, name := range dep.Requires() {
			if !enabled[name] {
				return fmt.Errorf("extension %s requires %s", ext.Name(), name)
			}
		}
	}
	return nil
}

// ehloCapabilities lists one capability line per extension available to
// the session, in registration order.
func ehloCapabilities(s *Session, extensions []Extension) []string {
	var lines []string
	for _, ext := range extensions {
		if !ext.Available(s) {
			continue
		}
		line := ext.EhloKeyword()
		if p, ok := ext.(EhloParameterizer); ok {
			if params := p.EhloParameters(s); params != "" {
				line += " " + params
			}
		}
		lines = append(lines, line)
	}
	return lines
}

// keywordExtension is an always-available extension with no commands.
type keywordExtension struct {
	keyword string
}

func (e *keywordExtension) Name() string                      { return e.keyword }
func (e *keywordExtension) EhloKeyword() string               { return e.keyword }
func (e *keywordExtension) Available(*Session) bool           { return true }
func (e *keywordExtension) CommandHandlers() []CommandHandler { return nil }

// Pipelining advertises PIPELINING (RFC 2920). The transport already reads
// and answers pipelined commands in order.
func Pipelining() Extension {
	return &keywordExtension{keyword: "PIPELINING"}
}

// EnhancedStatusCodes advertises ENHANCEDSTATUSCODES (RFC 2034).
func EnhancedStatusCodes() Extension {
	return &keywordExtension{keyword: "ENHANCEDSTATUSCODES"}
}

type eightBitMIME struct {
	keywordExtension
}

// EightBitMIME advertises 8BITMIME (RFC 6152) and accepts the BODY parameter.
func EightBitMIME() Extension {
	return &eightBitMIME{keywordExtension{keyword: "8BITMIME"}}
}

func (e *eightBitMIME) CheckMailParameter(_ *Session, key, value string) (bool, *Reply) {
	if key != "BODY" {
		return false, nil
	}
	switch strings.ToUpper(value) {
	case string(BodyType7Bit), string(BodyType8BitMIME):
		return true, nil
	}
	r := NewEnhancedReply(CodeSyntaxError, ESCInvalidArgs, "Unsupported BODY value")
	return true, &r
}

type smtpUTF8 struct {
	keywordExtension
}

// SMTPUTF8 advertises SMTPUTF8 (RFC 6531). It requires 8BITMIME.
func SMTPUTF8() Extension {
	return &smtpUTF8{keywordExtension{keyword: "SMTPUTF8"}}
}

func (e *smtpUTF8) Requires() []string {
	return []string{"8BITMIME"}
}

func (e *smtpUTF8) CheckMailParameter(_ *Session, key, value string) (bool, *Reply) {
	if key != "SMTPUTF8" {
		return false, nil
	}
	if value != "" {
		r := NewEnhancedReply(CodeSyntaxError, ESCInvalidArgs, "SMTPUTF8 takes no value")
		return true, &r
	}
	return true, nil
}

type sizeExtension struct {
	max int64
}

// Size advertises SIZE (RFC 1870) with the given limit. It is not
// available when max is zero or negative.
func Size(max int64) Extension {
	return &sizeExtension{max: max}
}

func (e *sizeExtension) Name() string                      { return "SIZE" }
func (e *sizeExtension) EhloKeyword() string               { return "SIZE" }
func (e *sizeExtension) Available(*Session) bool           { return e.max > 0 }
func (e *sizeExtension) CommandHandlers() []CommandHandler { return nil }

func (e *sizeExtension) EhloParameters(*Session) string {
	return strconv.FormatInt(e.max, 10)
}

func (e *sizeExtension) CheckMailParameter(_ *Session, key, value string) (bool, *Reply) {
	if key != "SIZE" {
		return false, nil
	}
	size, err := strconv.ParseInt(value, 10, 64)
	if err != nil || size < 0 {
		r := NewEnhancedReply(CodeSyntaxError, ESCInvalidArgs, "Invalid SIZE value")
		return true, &r
	}
	if e.max > 0 && size > e.max {
		r := ReplyExceededStorage("Message size exceeds maximum")
		return true, &r
	}
	return true, nil
}
