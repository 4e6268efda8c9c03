package corvid

import (
	"fmt"
	"slices"
	"strings"
)

// SMTPCode represents SMTP reply codes (RFC 5321).
// 2yz: Success, 3yz: Continue, 4yz: Transient failure, 5yz: Permanent failure.
type SMTPCode int

const (
	// 2xx - Success
	CodeHelpMessage   SMTPCode = 214
	CodeServiceReady  SMTPCode = 220
	CodeServiceClose  SMTPCode = 221
	CodeAuthSuccess   SMTPCode = 235
	CodeOK            SMTPCode = 250
	CodeCannotVRFY    SMTPCode = 252
	CodeAuthContinue  SMTPCode = 334
	CodeStartMailData SMTPCode = 354

	// 4xx - Transient Failure
	CodeServiceUnavailable        SMTPCode = 421
	CodeLocalError                SMTPCode = 451
	CodeInsufficientStorage       SMTPCode = 452
	CodeTempAuthFailure           SMTPCode = 454
	CodeUnableToAccommodateParams SMTPCode = 455

	// 5xx - Permanent Failure
	CodeCommandUnrecognized    SMTPCode = 500
	CodeSyntaxError            SMTPCode = 501
	CodeCommandNotImplemented  SMTPCode = 502
	CodeBadSequence            SMTPCode = 503
	CodeParameterNotImpl       SMTPCode = 504
	CodeAuthRequired           SMTPCode = 530
	CodeAuthCredentialsInvalid SMTPCode = 535
	CodeEncryptionRequired     SMTPCode = 538
	CodeMailboxNotFound        SMTPCode = 550
	CodeExceededStorage        SMTPCode = 552
	CodeMailboxNameInvalid     SMTPCode = 553
	CodeTransactionFailed      SMTPCode = 554
	CodeParamsNotRecognized    SMTPCode = 555
)

// Class returns the first digit of the code.
func (c SMTPCode) Class() int {
	return int(c) / 100
}

// EnhancedCode represents an enhanced status code (RFC 3463, RFC 2034).
// Format: "class.subject.detail" (e.g., "2.1.5").
type EnhancedCode string

const (
	// Success (2.x.x)
	ESCSuccess         EnhancedCode = "2.0.0"
	ESCAddressValid    EnhancedCode = "2.1.0"
	ESCRecipientValid  EnhancedCode = "2.1.5"
	ESCCannotVerify    EnhancedCode = "2.5.0"
	ESCMessageAccepted EnhancedCode = "2.6.0"
	ESCSecuritySuccess EnhancedCode = "2.7.0"

	// Transient Failure (4.x.x)
	ESCTempLocalError        EnhancedCode = "4.3.0"
	ESCTempSystemNotCapable  EnhancedCode = "4.3.5"
	ESCTempTooManyRecipients EnhancedCode = "4.5.3"
	ESCTempAuthFailed        EnhancedCode = "4.7.0"
	ESCTempServiceClosing    EnhancedCode = "4.4.2"

	// Permanent Failure (5.x.x)
	ESCPermFailure            EnhancedCode = "5.0.0"
	ESCBadDestSyntax          EnhancedCode = "5.1.3"
	ESCBadSenderSyntax        EnhancedCode = "5.1.7"
	ESCMessageTooLarge        EnhancedCode = "5.3.4"
	ESCInvalidCommand         EnhancedCode = "5.5.0"
	ESCBadCommandSequence     EnhancedCode = "5.5.1"
	ESCSyntaxError            EnhancedCode = "5.5.2"
	ESCInvalidArgs            EnhancedCode = "5.5.4"
	ESCContentError           EnhancedCode = "5.6.0"
	ESCNonASCIINoSMTPUTF8     EnhancedCode = "5.6.7"
	ESCSecurityError          EnhancedCode = "5.7.0"
	ESCAuthCredentialsInvalid EnhancedCode = "5.7.8"
	ESCEncryptionRequired     EnhancedCode = "5.7.11"
)

// String returns the enhanced code as a string.
func (e EnhancedCode) String() string {
	return string(e)
}

// Reply is a status code plus one or more lines of human-readable text.
// Replies are values: two replies are equal when code, enhanced code and
// text are equal.
type Reply struct {
	Code         SMTPCode
	EnhancedCode EnhancedCode
	Lines        []string
}

// NewReply creates a reply with the given code and text lines.
func NewReply(code SMTPCode, lines ...string) Reply {
	return Reply{Code: code, Lines: lines}
}

// NewEnhancedReply creates a reply carrying an enhanced status code.
func NewEnhancedReply(code SMTPCode, enhanced EnhancedCode, lines ...string) Reply {
	return Reply{Code: code, EnhancedCode: enhanced, Lines: lines}
}

// Equal reports whether two replies carry the same code and text.
func (r Reply) Equal(other Reply) bool {
	return r.Code == other.Code &&
		r.EnhancedCode == other.EnhancedCode &&
		slices.Equal(r.Lines, other.Lines)
}

// Text returns the reply lines joined by newlines.
func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// String formats the reply in wire form. All lines but the last use
// "code-text", the last uses "code text". Each line ends in CRLF.
func (r Reply) String() string {
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}

	var sb strings.Builder
	for i, line := range lines {
		sep := '-'
		if i == len(lines)-1 {
			sep = ' '
		}
		fmt.Fprintf(&sb, "%d%c", r.Code, sep)
		if r.EnhancedCode != "" {
			sb.WriteString(string(r.EnhancedCode))
			if line != "" {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// IsError returns true for 4xx or 5xx codes.
func (r Reply) IsError() bool {
	return r.Code >= 400
}

// IsSuccess returns true for 2xx codes.
func (r Reply) IsSuccess() bool {
	return r.Code.Class() == 2
}

// IsIntermediate returns true for 3xx codes.
func (r Reply) IsIntermediate() bool {
	return r.Code.Class() == 3
}

// IsTransientError returns true for 4xx codes.
func (r Reply) IsTransientError() bool {
	return r.Code.Class() == 4
}

// IsPermanentError returns true for 5xx codes.
func (r Reply) IsPermanentError() bool {
	return r.Code.Class() == 5
}

// ToError converts an error reply to an error; success replies yield nil.
func (r Reply) ToError() error {
	if !r.IsError() {
		return nil
	}
	return &ReplyError{Reply: r}
}

// ReplyError carries a Reply through an error return, for callbacks that
// want to choose the exact reply sent to the client.
type ReplyError struct {
	Reply Reply
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("smtp %d: %s", e.Reply.Code, e.Reply.Text())
}

// ReplyOK creates a standard 250 reply.
func ReplyOK(message string, enhancedCode EnhancedCode) Reply {
	return NewEnhancedReply(CodeOK, enhancedCode, message)
}

// ReplyServiceReady creates a 220 reply. The domain is the first word.
func ReplyServiceReady(domain string, message string) Reply {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return NewReply(CodeServiceReady, msg)
}

// ReplyServiceClosing creates a 221 reply. The domain is the first word.
func ReplyServiceClosing(domain string, message string) Reply {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return NewEnhancedReply(CodeServiceClose, ESCSuccess, msg)
}

// ReplyServiceUnavailable creates a 421 reply. The domain is the first word.
func ReplyServiceUnavailable(domain string, message string) Reply {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return NewReply(CodeServiceUnavailable, msg)
}

// ReplyBadSequence is the fixed 503 reply for a command that is not valid
// in the current session state.
func ReplyBadSequence() Reply {
	return NewEnhancedReply(CodeBadSequence, ESCBadCommandSequence, "Bad sequence of commands")
}

// ReplyCommandNotRecognized is the fixed 500 reply for an unknown verb.
func ReplyCommandNotRecognized() Reply {
	return NewEnhancedReply(CodeCommandUnrecognized, ESCInvalidCommand, "Command not recognized")
}

// ReplySyntaxError creates a 501 syntax error reply.
func ReplySyntaxError(message string) Reply {
	return NewEnhancedReply(CodeSyntaxError, ESCSyntaxError, message)
}

// ReplyBadArguments is the 501 reply for undecodable arguments.
func ReplyBadArguments() Reply {
	return NewEnhancedReply(CodeSyntaxError, ESCSyntaxError, "Invalid arguments")
}

// ReplyLocalError creates a 451 reply for a server-side failure.
func ReplyLocalError(message string) Reply {
	return NewEnhancedReply(CodeLocalError, ESCTempLocalError, message)
}

// ReplyParamsNotRecognized creates a 555 reply for an unknown MAIL/RCPT parameter.
func ReplyParamsNotRecognized(param string) Reply {
	return NewEnhancedReply(CodeParamsNotRecognized, ESCInvalidArgs, fmt.Sprintf("Parameter not recognized: %s", param))
}

// ReplyAuthRequired creates a 530 reply.
func ReplyAuthRequired() Reply {
	return NewEnhancedReply(CodeAuthRequired, ESCSecurityError, "Authentication required")
}

// ReplyExceededStorage creates a 552 reply.
func ReplyExceededStorage(message string) Reply {
	if message == "" {
		message = "Requested mail action aborted: exceeded storage allocation"
	}
	return NewEnhancedReply(CodeExceededStorage, ESCMessageTooLarge, message)
}

// ReplyTransactionFailed creates a 554 reply.
func ReplyTransactionFailed(message string, enhancedCode EnhancedCode) Reply {
	return NewEnhancedReply(CodeTransactionFailed, enhancedCode, message)
}
