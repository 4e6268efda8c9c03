package corvid

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errMissingBrackets = errors.New("missing angle brackets")
	errPathPrefix      = errors.New("missing path prefix")
)

// parsePathArg parses "<prefix><path> [params]" from the arguments of a
// MAIL or RCPT line, such as "FROM:<a@b.com> SIZE=100". Parameters are read
// from the stripped line starting just after the closing angle bracket.
func parsePathArg(line *Line, prefix string) (Path, Parameters, error) {
	stripped := line.Stripped()
	args := strings.TrimLeft(stripped[len(line.Verb()):], " ")

	if len(args) < len(prefix) || !strings.EqualFold(args[:len(prefix)], prefix) {
		return Path{}, Parameters{}, errPathPrefix
	}
	rest := strings.TrimLeft(args[len(prefix):], " ")
	start := len(stripped) - len(rest)

	if !strings.HasPrefix(rest, "<") {
		return Path{}, Parameters{}, errMissingBrackets
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return Path{}, Parameters{}, errMissingBrackets
	}

	params := ParseParameters(stripped, start+end+1)

	address := rest[1:end]
	// Source routes are ignored (RFC 5321 Section 4.1.2).
	if strings.HasPrefix(address, "@") {
		if _, after, ok := strings.Cut(address, ":"); ok {
			address = after
		}
	}
	if address == "" {
		return Path{}, params, nil
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return Path{}, params, fmt.Errorf("invalid address: %w", err)
	}
	return Path{Mailbox: addr}, params, nil
}

// parseMessageContent parses raw message data into headers and body per RFC 5322.
// The header section is separated from the body by an empty line (CRLF CRLF).
func parseMessageContent(data []byte) (Headers, []byte) {
	// Find the header/body separator (empty line)
	// Per RFC 5322, headers and body are separated by an empty line
	var headerEnd int
	dataLen := len(data)

	for i := 0; i < dataLen-3; i++ {
		// Look for CRLF CRLF (end of headers)
		if data[i] == '\r' && data[i+1] == '\n' && data[i+2] == '\r' && data[i+3] == '\n' {
			headerEnd = i + 2 // Points to the second CRLF
			break
		}
	}

	// If no empty line found, treat entire data as body (malformed message)
	if headerEnd == 0 {
		return nil, data
	}

	// Parse headers directly from bytes to avoid string conversion of entire header section
	// Estimate header count (average ~50 bytes per header)
	estimatedHeaders := max(headerEnd/50, 8)
	headers := make(Headers, 0, estimatedHeaders)

	var currentName, currentValue string
	lineStart := 0

	for i := 0; i < headerEnd; i++ {
		// Find end of line (CRLF)
		if data[i] == '\r' && i+1 < headerEnd && data[i+1] == '\n' {
			line := string(data[lineStart:i])
			lineStart = i + 2
			i++ // Skip the \n

			if line == "" {
				continue
			}

			// Check for continuation line (starts with whitespace)
			if line[0] == ' ' || line[0] == '\t' {
				// Continuation of previous header (folded header per RFC 5322)
				if currentName != "" {
					currentValue += " " + strings.TrimSpace(line)
				}
				continue
			}

			// Save previous header if exists
			if currentName != "" {
				headers = append(headers, Header{Name: currentName, Value: currentValue})
			}

			// Parse new header using strings.Cut
			if name, value, found := strings.Cut(line, ":"); found {
				currentName = strings.TrimSpace(name)
				currentValue = strings.TrimSpace(value)
			} else {
				// Malformed header line, skip it
				currentName = ""
				currentValue = ""
			}
		}
	}

	// Don't forget the last header
	if currentName != "" {
		headers = append(headers, Header{Name: currentName, Value: currentValue})
	}

	// Body starts after the empty line (CRLF CRLF)
	var body []byte
	if headerEnd+2 < dataLen {
		body = data[headerEnd+2:]
	}

	return headers, body
}
