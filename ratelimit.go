package corvid

import (
	"net"
	"net/netip"
	"sync"
	"time"
)

// RateLimiter limits new connections per client IP within a fixed window.
type RateLimiter struct {
	mu     sync.Mutex
	counts map[netip.Addr]*rateLimitEntry
	limit  int
	window time.Duration
	stop   chan struct{}
	once   sync.Once
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter allowing limit connections per
// window from a single IP. Call Stop to release its cleanup goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		counts: make(map[netip.Addr]*rateLimitEntry),
		limit:  limit,
		window: window,
		stop:   make(chan struct{}),
	}
	go rl.cleanup(window * 2)
	return rl
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for ip, entry := range rl.counts {
				if now.Sub(entry.windowStart) > rl.window {
					delete(rl.counts, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Allow checks if the IP is allowed and increments the counter.
func (rl *RateLimiter) Allow(ip netip.Addr) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, ok := rl.counts[ip]
	if !ok || now.Sub(entry.windowStart) > rl.window {
		rl.counts[ip] = &rateLimitEntry{count: 1, windowStart: now}
		return true
	}
	if entry.count >= rl.limit {
		return false
	}
	entry.count++
	return true
}

// IPFilterMode determines how an IPFilter treats addresses it has no rule for.
type IPFilterMode int

const (
	// IPFilterModeAllow only allows addresses in the allow list.
	IPFilterModeAllow IPFilterMode = iota
	// IPFilterModeDeny allows everything except the deny list.
	IPFilterModeDeny
)

// IPFilter accepts or refuses connections by client network.
type IPFilter struct {
	mu    sync.RWMutex
	allow []netip.Prefix
	deny  []netip.Prefix
	mode  IPFilterMode
}

// NewIPFilter creates an empty filter.
func NewIPFilter(mode IPFilterMode) *IPFilter {
	return &IPFilter{mode: mode}
}

// Allow adds a network to the allow list.
func (f *IPFilter) Allow(prefix netip.Prefix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allow = append(f.allow, prefix.Masked())
}

// Deny adds a network to the deny list.
func (f *IPFilter) Deny(prefix netip.Prefix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deny = append(f.deny, prefix.Masked())
}

// IsAllowed checks if an address may connect.
func (f *IPFilter) IsAllowed(ip netip.Addr) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ip = ip.Unmap()
	switch f.mode {
	case IPFilterModeAllow:
		return containsAddr(f.allow, ip)
	case IPFilterModeDeny:
		return !containsAddr(f.deny, ip)
	}
	return true
}

func containsAddr(prefixes []netip.Prefix, ip netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// remoteIP returns the client IP of a connection, or the zero Addr.
func remoteIP(addr net.Addr) netip.Addr {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ip, _ := netip.AddrFromSlice(tcp.IP)
		return ip.Unmap()
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return ap.Addr().Unmap()
	}
	return netip.Addr{}
}
