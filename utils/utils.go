package utils

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/idna"
)

// ErrInvalidDomain is returned by NormalizeDomain for names that are not
// valid domains or address literals.
var ErrInvalidDomain = errors.New("invalid domain")

func GetIPFromAddr(addr net.Addr) (net.IP, error) {
	if addr == nil {
		return nil, fmt.Errorf("address is nil")
	}

	// Extract IP from the address
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		// Try to parse from string representation
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			// Maybe it's just an IP without port
			host = addr.String()
		}
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("unable to extract IP from address: %v", addr)
		}
	}
	return ip, nil
}

// ContainsNonASCII checks if a string contains any non-ASCII characters (bytes > 127).
// This works for both string validation (addresses, headers) and message content validation.
func ContainsNonASCII(s string) bool {
	for _, v := range s {
		if v >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// NewID returns a new ULID string. IDs sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// NormalizeDomain validates the argument of EHLO/HELO and returns it in
// ASCII form. Address literals such as "[192.0.2.1]" and "[IPv6:2001:db8::1]"
// are returned unchanged when the address parses (RFC 5321 Section 4.1.3).
func NormalizeDomain(name string) (string, error) {
	if name == "" {
		return "", ErrInvalidDomain
	}

	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		literal := name[1 : len(name)-1]
		if v6, ok := strings.CutPrefix(literal, "IPv6:"); ok {
			literal = v6
		}
		if _, err := netip.ParseAddr(literal); err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidDomain, name)
		}
		return name, nil
	}

	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(name, "."))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	return ascii, nil
}
