package corvid

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/synqronlabs/corvid/dns"
	corvidio "github.com/synqronlabs/corvid/io"
)

// TLSInfo contains information about the TLS connection.
type TLSInfo struct {
	Enabled            bool
	Version            uint16
	CipherSuite        uint16
	ServerName         string
	PeerCertificates   [][]byte
	NegotiatedProtocol string
}

func newTLSInfo(state tls.ConnectionState) TLSInfo {
	info := TLSInfo{
		Enabled:            true,
		Version:            state.Version,
		CipherSuite:        state.CipherSuite,
		ServerName:         state.ServerName,
		NegotiatedProtocol: state.NegotiatedProtocol,
	}
	for _, cert := range state.PeerCertificates {
		info.PeerCertificates = append(info.PeerCertificates, cert.Raw)
	}
	return info
}

// conn is the transport side of one session. The connection goroutine owns
// the reader; writes are serialized because Shutdown may write the final
// 421 from another goroutine.
type conn struct {
	netConn net.Conn
	// raw is the accepted connection. Closing it needs no lock and
	// aborts a TLS handshake in progress.
	raw     net.Conn
	reader  *bufio.Reader
	session *Session

	mu     sync.Mutex
	writer *bufio.Writer
	closed bool
}

func newConn(netConn net.Conn, session *Session) *conn {
	return &conn{
		netConn: netConn,
		raw:     netConn,
		reader:  bufio.NewReader(netConn),
		writer:  bufio.NewWriter(netConn),
		session: session,
	}
}

// write buffers a reply. It is sent on the next flush.
func (c *conn) write(r Reply, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if err := c.netConn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := c.writer.WriteString(r.String())
	return err
}

func (c *conn) flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	return c.writer.Flush()
}

// writeFinal sends r immediately, ignoring errors.
func (c *conn) writeFinal(r Reply, timeout time.Duration) {
	if c.write(r, timeout) == nil {
		_ = c.flush()
	}
}

// upgradeTLS performs the server side of the STARTTLS handshake. Plaintext
// the client pipelined after STARTTLS is discarded (RFC 3207 Section 5).
func (c *conn) upgradeTLS(config *tls.Config, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tlsConn := tls.Server(c.netConn, config)
	_ = tlsConn.SetDeadline(time.Now().Add(timeout))
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	_ = tlsConn.SetDeadline(time.Time{})

	c.netConn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.session.Trace.TLS = newTLSInfo(tlsConn.ConnectionState())
	return nil
}

// Close closes the network connection. Pending writes are flushed first.
func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.writer.Flush()
	return c.netConn.Close()
}

// abort closes the underlying connection without waiting for a write or
// handshake to finish.
func (c *conn) abort() {
	_ = c.raw.Close()
}

// handleConnection runs one client connection from greeting to close.
func (s *Server) handleConnection(netConn net.Conn) {
	defer s.shutdownWg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	session := NewSession(ctx, netConn.RemoteAddr(), s.config.Logger)
	c := newConn(netConn, session)
	logger := session.Logger()

	s.track(c)
	defer func() {
		s.untrack(c)
		_ = c.Close()
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic recovered", slog.Any("panic", r))
			c.writeFinal(ReplyServiceUnavailable(s.config.Hostname, "Internal server error"), s.config.WriteTimeout)
		}
	}()

	if tlsConn, ok := netConn.(*tls.Conn); ok {
		_ = tlsConn.SetDeadline(time.Now().Add(s.config.ReadTimeout))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			logger.Warn("TLS handshake failed", slog.Any("error", err))
			return
		}
		_ = tlsConn.SetDeadline(time.Time{})
		session.markTLS()
		session.Trace.TLS = newTLSInfo(tlsConn.ConnectionState())
	}

	if !s.admit(c) {
		return
	}

	logger.Info("client connected")

	if s.config.Resolver != nil {
		name, err := dns.ReverseLookup(ctx, s.config.Resolver, netConn.RemoteAddr(), s.config.ReverseDNSTimeout)
		if err != nil {
			logger.Debug("reverse DNS lookup failed", slog.Any("error", err))
		} else {
			session.Trace.ReverseDNS = name
		}
	}

	greeting := ReplyServiceReady(s.config.Hostname, fmt.Sprintf("ESMTP ready [%s]", session.ID()))
	if err := c.write(greeting, s.config.WriteTimeout); err != nil || c.flush() != nil {
		return
	}

	s.serve(c)

	logger.Info("client disconnected",
		slog.Int64("commands", session.Trace.CommandCount),
		slog.Int("errors", session.Trace.ErrorCount),
		slog.Int64("transactions", session.Trace.TransactionCount),
	)
}

// admit applies the IP filter and the rate limiter.
func (s *Server) admit(c *conn) bool {
	if s.config.IPFilter == nil && s.config.RateLimiter == nil {
		return true
	}

	ip := remoteIP(c.netConn.RemoteAddr())
	if s.config.IPFilter != nil && !s.config.IPFilter.IsAllowed(ip) {
		c.session.Logger().Warn("connection rejected by IP filter")
		c.writeFinal(ReplyTransactionFailed("Connection rejected", ESCSecurityError), s.config.WriteTimeout)
		return false
	}
	if s.config.RateLimiter != nil && !s.config.RateLimiter.Allow(ip) {
		c.session.Logger().Warn("connection rate limit exceeded")
		c.writeFinal(ReplyServiceUnavailable(s.config.Hostname, "Too many connections, try again later"), s.config.WriteTimeout)
		return false
	}
	return true
}

// lineLimits returns the read limit and timeout for the next line. For a
// command line it also returns the command limit; AUTH may exceed it up to
// the consumer limit (RFC 4954 Section 4).
func (s *Server) lineLimits(session *Session) (read, command int, timeout time.Duration) {
	consumer, ok := session.ActiveLineConsumer()
	if !ok {
		return max(s.config.MaxLineLength, s.config.MaxConsumerLineLength), s.config.MaxLineLength, s.config.ReadTimeout
	}
	if _, data := consumer.(*dataLineConsumer); data {
		return s.config.MaxConsumerLineLength, 0, s.config.DataTimeout
	}
	return s.config.MaxConsumerLineLength, 0, s.config.ReadTimeout
}

// isAuthCommand reports whether raw is an AUTH command line.
func isAuthCommand(raw []byte) bool {
	return len(raw) > 4 && bytes.EqualFold(raw[:4], []byte("AUTH")) && (raw[4] == ' ' || raw[4] == '\r')
}

// serve reads lines and dispatches them until the session ends.
func (s *Server) serve(c *conn) {
	session := c.session
	logger := session.Logger()

	for {
		if session.Context().Err() != nil {
			return
		}

		limit, commandLimit, timeout := s.lineLimits(session)
		if err := c.netConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return
		}

		raw, err := corvidio.ReadLine(c.reader, limit)
		if err == nil && commandLimit > 0 && len(raw) > commandLimit && !isAuthCommand(raw) {
			err = corvidio.ErrLineTooLong
		}
		if err != nil {
			if !s.handleReadError(c, err) {
				return
			}
			continue
		}

		t := s.dispatcher.Dispatch(session, NewLine(raw))
		if t.HasReply() {
			if err := c.write(t.Reply, s.config.WriteTimeout); err != nil {
				logger.Debug("write failed", slog.Any("error", err))
				return
			}
		}

		upgrade := session.takeTLSUpgrade()
		quit := session.State() == StateQuit

		// RFC 2920: replies may be held back while more pipelined commands
		// are waiting in the buffer.
		if upgrade || quit || c.reader.Buffered() == 0 {
			if err := c.flush(); err != nil {
				return
			}
		}
		if quit {
			return
		}

		if upgrade {
			if n := c.reader.Buffered(); n > 0 {
				logger.Warn("discarding data pipelined after STARTTLS", slog.Int("bytes", n))
			}
			if err := c.upgradeTLS(s.startTLS.Config(), s.config.ReadTimeout); err != nil {
				logger.Warn("TLS handshake failed", slog.Any("error", err))
				return
			}
			logger.Debug("TLS established", slog.String("version", tls.VersionName(session.Trace.TLS.Version)))
			continue
		}

		if s.config.MaxCommands > 0 && session.Trace.CommandCount >= s.config.MaxCommands && !session.HasLineConsumer() {
			c.writeFinal(NewEnhancedReply(CodeServiceUnavailable, ESCTempServiceClosing, "Too many commands"), s.config.WriteTimeout)
			return
		}
		if s.config.MaxErrors > 0 && session.Trace.ErrorCount >= s.config.MaxErrors {
			c.writeFinal(NewEnhancedReply(CodeServiceUnavailable, ESCTempServiceClosing, "Too many errors"), s.config.WriteTimeout)
			return
		}
	}
}

// handleReadError answers a failed read. It reports whether the session
// can continue.
func (s *Server) handleReadError(c *conn, err error) bool {
	session := c.session

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return false
	case isTimeout(err):
		c.writeFinal(NewEnhancedReply(CodeServiceUnavailable, ESCTempServiceClosing, "Timeout waiting for client"), s.config.WriteTimeout)
		return false
	case errors.Is(err, corvidio.ErrLineTooLong), errors.Is(err, corvidio.ErrBadLineEnding):
	default:
		session.Logger().Error("read error", slog.Any("error", err))
		return false
	}

	// Inside a message body the error is remembered and reported when the
	// body ends; a reply now would be taken as the end-of-data reply.
	if consumer, ok := session.ActiveLineConsumer(); ok {
		if data, ok := consumer.(*dataLineConsumer); ok {
			data.fail(err)
			return true
		}
	}

	r := ReplySyntaxError("Line too long")
	if errors.Is(err, corvidio.ErrBadLineEnding) {
		r = ReplySyntaxError("Line must be terminated with CRLF")
	}
	session.recordReply(r)
	if c.write(r, s.config.WriteTimeout) != nil || c.flush() != nil {
		return false
	}
	if s.config.MaxErrors > 0 && session.Trace.ErrorCount >= s.config.MaxErrors {
		c.writeFinal(NewEnhancedReply(CodeServiceUnavailable, ESCTempServiceClosing, "Too many errors"), s.config.WriteTimeout)
		return false
	}
	return true
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
