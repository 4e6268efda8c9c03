// Package dns resolves the names of connecting clients.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/synqronlabs/corvid/utils"
)

var (
	ErrDNSNotFound = errors.New("dns: no such record")
	ErrDNSTimeout  = errors.New("dns: query timed out")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSRefused  = errors.New("dns: query refused")
	ErrDNSBogus    = errors.New("dns: DNSSEC validation failed")
	ErrNotVerified = errors.New("dns: PTR name does not resolve back to the address")
)

// Result holds the records of one lookup.
type Result[T any] struct {
	Records []T
	// Authentic is set when the answer was DNSSEC-validated upstream.
	Authentic bool
}

// Resolver is the subset of DNS the server needs.
type Resolver interface {
	// LookupAddr returns the PTR names of ip.
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
	// LookupIP returns the A and AAAA records of host.
	LookupIP(ctx context.Context, host string) (Result[net.IP], error)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrDNSTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsServFail reports whether err is a server failure.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsTemporary reports whether the lookup may succeed when retried.
func IsTemporary(err error) bool {
	return IsTimeout(err) || IsServFail(err)
}

// ReverseLookup returns the forward-confirmed PTR name of addr: the first
// PTR name whose A or AAAA records contain the address again (RFC 8601
// Section 3 "iprev"). The lookup is bounded by timeout when it is positive.
func ReverseLookup(ctx context.Context, r Resolver, addr net.Addr, timeout time.Duration) (string, error) {
	if addr == nil {
		return "", fmt.Errorf("dns: address is nil")
	}
	ip, err := utils.GetIPFromAddr(addr)
	if err != nil {
		return "", err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	names, err := r.LookupAddr(ctx, ip)
	if err != nil {
		return "", err
	}

	var lastErr error = ErrNotVerified
	for _, name := range names.Records {
		ips, err := r.LookupIP(ctx, name)
		if err != nil {
			lastErr = err
			continue
		}
		for _, candidate := range ips.Records {
			if candidate.Equal(ip) {
				return strings.TrimSuffix(name, "."), nil
			}
		}
	}
	return "", lastErr
}
