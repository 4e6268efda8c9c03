package corvid

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/synqronlabs/corvid/dns"
)

// testClient is a simple SMTP client for integration testing.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

func newTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	c := &testClient{conn: conn, reader: bufio.NewReader(conn), t: t}
	t.Cleanup(c.close)
	return c
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

func (c *testClient) send(cmd string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		c.t.Fatalf("Failed to send command %q: %v", cmd, err)
	}
}

func (c *testClient) sendRaw(data []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("Failed to send raw data: %v", err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("Failed to read response: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) readMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		// Check if this is the last line (no dash after code)
		if len(line) < 4 || line[3] == ' ' {
			break
		}
	}
	return lines
}

func (c *testClient) expectCode(expectedCode int) string {
	c.t.Helper()
	line := c.readLine()
	code := 0
	_, _ = fmt.Sscanf(line, "%d", &code)
	if code != expectedCode {
		c.t.Fatalf("Expected code %d, got response: %s", expectedCode, line)
	}
	return line
}

func (c *testClient) expectMultilineCode(expectedCode int) []string {
	c.t.Helper()
	lines := c.readMultiline()
	code := 0
	_, _ = fmt.Sscanf(lines[len(lines)-1], "%d", &code)
	if code != expectedCode {
		c.t.Fatalf("Expected code %d, got response: %v", expectedCode, lines)
	}
	return lines
}

// expectClosed waits for the server to close the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	if line, err := c.reader.ReadString('\n'); err != io.EOF {
		c.t.Errorf("Expected connection close, got %q (err %v)", line, err)
	}
}

// startTLS upgrades the client side after a 220 reply to STARTTLS.
func (c *testClient) startTLS() *tls.ConnectionState {
	c.t.Helper()
	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"})
	if err := tlsConn.Handshake(); err != nil {
		c.t.Fatalf("TLS handshake failed: %v", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	state := tlsConn.ConnectionState()
	return &state
}

// startTestServer serves config on a loopback port and returns the server
// and its address. The server is closed when the test ends.
func startTestServer(t *testing.T, config ServerConfig) (*Server, string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	return serveOn(t, config, listener), listener.Addr().String()
}

func serveOn(t *testing.T, config ServerConfig, listener net.Listener) *Server {
	t.Helper()
	if config.Hostname == "" {
		config.Hostname = "test.example.com"
	}
	if config.Logger == nil {
		config.Logger = discardLogger()
	}

	server, err := NewServer(config)
	if err != nil {
		_ = listener.Close()
		t.Fatalf("Failed to create server: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- server.Serve(listener) }()
	t.Cleanup(func() {
		_ = server.Close()
		if err := <-done; !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve() = %v, want ErrServerClosed", err)
		}
	})
	return server
}

// deliveries returns a Deliver callback feeding a channel.
func deliveries() (DeliverFunc, <-chan *Mail) {
	ch := make(chan *Mail, 8)
	return func(_ context.Context, m *Mail) error {
		ch <- m
		return nil
	}, ch
}

func receive(t *testing.T, ch <-chan *Mail) *Mail {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

// generateTestCert creates a self-signed certificate for localhost.
func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func testTLSConfig(t *testing.T) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{generateTestCert(t)},
		MinVersion:   tls.VersionTLS12,
	}
}

func TestServerBasicSession(t *testing.T) {
	deliver, mails := deliveries()
	_, addr := startTestServer(t, ServerConfig{Deliver: deliver, MaxMessageSize: 1 << 20})

	client := newTestClient(t, addr)
	greeting := client.expectCode(220)
	if !strings.HasPrefix(greeting, "220 test.example.com ESMTP ready [") {
		t.Errorf("greeting = %q", greeting)
	}

	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)
	if !strings.HasPrefix(lines[0], "250-test.example.com Hello 127.0.0.1") {
		t.Errorf("EHLO greeting = %q", lines[0])
	}
	for _, want := range []string{"250-PIPELINING", "250-8BITMIME", "250-SMTPUTF8", "250-ENHANCEDSTATUSCODES", "250 SIZE 1048576"} {
		if !containsLine(lines, want) {
			t.Errorf("EHLO reply %v lacks %q", lines, want)
		}
	}

	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<rcpt@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw([]byte("Subject: Test\r\n\r\n..dot line\r\nbody\r\n.\r\n"))
	reply := client.expectCode(250)

	m := receive(t, mails)
	if !strings.Contains(reply, m.ID) {
		t.Errorf("reply %q does not carry the message ID %s", reply, m.ID)
	}
	if !strings.HasSuffix(string(m.Raw), "Subject: Test\r\n\r\n.dot line\r\nbody\r\n") {
		t.Errorf("Raw = %q", m.Raw)
	}
	if m.Envelope.From.String() != "<sender@example.com>" || len(m.Envelope.To) != 1 {
		t.Errorf("Envelope = %+v", m.Envelope)
	}

	client.send("QUIT")
	client.expectCode(221)
	client.expectClosed()
}

func TestServerPipelining(t *testing.T) {
	deliver, mails := deliveries()
	_, addr := startTestServer(t, ServerConfig{Deliver: deliver})

	client := newTestClient(t, addr)
	client.expectCode(220)

	client.sendRaw([]byte("EHLO client.example.com\r\n" +
		"MAIL FROM:<a@example.com>\r\n" +
		"RCPT TO:<b@example.com>\r\n" +
		"RCPT TO:<c@example.com>\r\n" +
		"DATA\r\n"))
	client.expectMultilineCode(250)
	client.expectCode(250)
	client.expectCode(250)
	client.expectCode(250)
	client.expectCode(354)

	client.sendRaw([]byte("pipelined\r\n.\r\nNOOP\r\nQUIT\r\n"))
	client.expectCode(250)
	client.expectCode(250)
	client.expectCode(221)

	if m := receive(t, mails); len(m.Envelope.To) != 2 {
		t.Errorf("recipients = %d, want 2", len(m.Envelope.To))
	}
}

func TestServerSTARTTLS(t *testing.T) {
	deliver, mails := deliveries()
	_, addr := startTestServer(t, ServerConfig{
		TLSConfig:   testTLSConfig(t),
		AuthHandler: testAuthHandler,
		Deliver:     deliver,
	})

	client := newTestClient(t, addr)
	client.expectCode(220)
	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)
	if !containsLine(lines, "250 STARTTLS") {
		t.Fatalf("STARTTLS not advertised: %v", lines)
	}
	for _, l := range lines {
		if strings.Contains(l, "AUTH") {
			t.Errorf("AUTH advertised before TLS: %q", l)
		}
	}

	client.send("STARTTLS")
	client.expectCode(220)
	state := client.startTLS()
	if state.Version < tls.VersionTLS12 {
		t.Errorf("TLS version = %x", state.Version)
	}

	// The session restarted: MAIL needs a new EHLO.
	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(503)

	client.send("EHLO client.example.com")
	lines = client.expectMultilineCode(250)
	if containsLine(lines, "250-STARTTLS") || containsLine(lines, "250 STARTTLS") {
		t.Errorf("STARTTLS advertised over TLS: %v", lines)
	}
	if !containsLine(lines, "250 AUTH PLAIN LOGIN") {
		t.Errorf("AUTH not advertised over TLS: %v", lines)
	}

	client.send("AUTH PLAIN " + b64("\x00alice\x00s3cret"))
	client.expectCode(235)
	client.send("MAIL FROM:<alice@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<bob@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw([]byte("Subject: secure\r\n\r\nhi\r\n.\r\n"))
	client.expectCode(250)

	m := receive(t, mails)
	if m.Trace.With != "ESMTPSA" {
		t.Errorf("Received protocol = %q, want ESMTPSA", m.Trace.With)
	}
	if m.Envelope.Auth != "alice" {
		t.Errorf("Envelope.Auth = %q", m.Envelope.Auth)
	}
}

func TestServerImplicitTLS(t *testing.T) {
	config := testTLSConfig(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	serveOn(t, ServerConfig{TLSConfig: config}, tls.NewListener(listener, config))

	conn, err := tls.Dial("tcp", listener.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls.Dial() error: %v", err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	client := &testClient{conn: conn, reader: bufio.NewReader(conn), t: t}
	t.Cleanup(client.close)

	client.expectCode(220)
	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)
	for _, l := range lines {
		if strings.Contains(l, "STARTTLS") {
			t.Errorf("STARTTLS advertised on an implicit TLS connection: %q", l)
		}
	}
	client.send("STARTTLS")
	client.expectCode(503)
}

func TestServerLineErrors(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{})
	client := newTestClient(t, addr)
	client.expectCode(220)

	client.send("NOOP " + strings.Repeat("x", 600))
	if line := client.expectCode(501); !strings.Contains(line, "Line too long") {
		t.Errorf("reply = %q", line)
	}
	client.send("NOOP")
	client.expectCode(250)

	client.sendRaw([]byte("NOOP\n"))
	if line := client.expectCode(501); !strings.Contains(line, "CRLF") {
		t.Errorf("reply = %q", line)
	}
	client.send("NOOP")
	client.expectCode(250)
}

func TestServerDataLineErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"line too long", strings.Repeat("y", 13000) + "\r\n", "Message line too long"},
		{"bare LF", "bare\nline\r\n", "Message contains bare LF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deliver, mails := deliveries()
			_, addr := startTestServer(t, ServerConfig{Deliver: deliver})
			client := newTestClient(t, addr)
			client.expectCode(220)

			client.sendRaw([]byte("EHLO c.example\r\nMAIL FROM:<a@example.com>\r\nRCPT TO:<b@example.com>\r\nDATA\r\n"))
			client.expectMultilineCode(250)
			client.expectCode(250)
			client.expectCode(250)
			client.expectCode(354)

			client.sendRaw([]byte("before\r\n" + tt.body + "after\r\n.\r\n"))
			if line := client.expectCode(554); !strings.Contains(line, tt.want) {
				t.Errorf("reply = %q, want %q", line, tt.want)
			}
			client.send("NOOP")
			client.expectCode(250)

			select {
			case <-mails:
				t.Error("rejected message was delivered")
			default:
			}
		})
	}
}

func TestServerReadTimeout(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{ReadTimeout: 100 * time.Millisecond})
	client := newTestClient(t, addr)
	client.expectCode(220)

	if line := client.expectCode(421); !strings.Contains(line, "Timeout") {
		t.Errorf("reply = %q", line)
	}
	client.expectClosed()
}

func TestServerMaxErrors(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{MaxErrors: 2})
	client := newTestClient(t, addr)
	client.expectCode(220)

	client.send("BOGUS")
	client.expectCode(500)
	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(503)
	if line := client.expectCode(421); !strings.Contains(line, "Too many errors") {
		t.Errorf("reply = %q", line)
	}
	client.expectClosed()
}

func TestServerMaxCommands(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{MaxCommands: 5})
	client := newTestClient(t, addr)
	client.expectCode(220)

	// Body lines do not count as commands.
	client.sendRaw([]byte("EHLO c.example\r\nMAIL FROM:<a@example.com>\r\nRCPT TO:<b@example.com>\r\nDATA\r\n"))
	client.expectMultilineCode(250)
	client.expectCode(250)
	client.expectCode(250)
	client.expectCode(354)
	client.sendRaw([]byte("1\r\n2\r\n3\r\n4\r\n5\r\n6\r\n7\r\n.\r\n"))
	client.expectCode(250)

	client.send("NOOP")
	client.expectCode(250)
	if line := client.expectCode(421); !strings.Contains(line, "Too many commands") {
		t.Errorf("reply = %q", line)
	}
}

func TestServerMaxConnections(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{MaxConnections: 1})

	first := newTestClient(t, addr)
	first.expectCode(220)

	second := newTestClient(t, addr)
	second.expectCode(421)
	second.expectClosed()

	first.send("NOOP")
	first.expectCode(250)
}

func TestServerShutdown(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})
	client := newTestClient(t, addr)
	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	line := client.expectCode(421)
	if !strings.Contains(line, "4.4.2") || !strings.Contains(line, "Service shutting down") {
		t.Errorf("reply = %q", line)
	}
	client.expectClosed()

	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Error("server still accepting after Shutdown")
	}
}

func TestServerReverseDNS(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{
		Resolver: dns.MockResolver{
			PTR: map[string][]string{"127.0.0.1": {"client.example.net."}},
			A:   map[string][]string{"client.example.net.": {"127.0.0.1"}},
		},
	})
	client := newTestClient(t, addr)
	client.expectCode(220)
	client.send("HELO c.example")
	if line := client.expectCode(250); !strings.Contains(line, "Hello 127.0.0.1 (client.example.net)") {
		t.Errorf("reply = %q", line)
	}
}

func TestServerReverseDNSUnverified(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{
		Resolver: dns.MockResolver{
			PTR: map[string][]string{"127.0.0.1": {"spoofed.example.net."}},
		},
	})
	client := newTestClient(t, addr)
	client.expectCode(220)
	client.send("HELO c.example")
	if line := client.expectCode(250); strings.Contains(line, "spoofed") {
		t.Errorf("unconfirmed PTR name used: %q", line)
	}
}

func TestServerIPFilter(t *testing.T) {
	filter := NewIPFilter(IPFilterModeDeny)
	filter.Deny(netip.MustParsePrefix("127.0.0.0/8"))
	_, addr := startTestServer(t, ServerConfig{IPFilter: filter})

	client := newTestClient(t, addr)
	client.expectCode(554)
	client.expectClosed()
}

func TestServerRateLimit(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{RateLimiter: NewRateLimiter(1, time.Minute)})

	first := newTestClient(t, addr)
	first.expectCode(220)
	second := newTestClient(t, addr)
	second.expectCode(421)
}

func TestServerServeAfterClose(t *testing.T) {
	server, err := NewServer(ServerConfig{Hostname: "mx.example.com", Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	_ = server.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Serve(listener); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve() = %v, want ErrServerClosed", err)
	}
	if server.Addr() != nil {
		t.Errorf("Addr() = %v after failed Serve", server.Addr())
	}
}

func TestNewServerErrors(t *testing.T) {
	if _, err := NewServer(ServerConfig{}); !errors.Is(err, ErrNoHostname) {
		t.Errorf("NewServer() error = %v, want ErrNoHostname", err)
	}

	server, err := NewServer(ServerConfig{Hostname: "mx.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if err := server.ListenAndServeTLS(); !errors.Is(err, ErrNoTLSConfig) {
		t.Errorf("ListenAndServeTLS() error = %v, want ErrNoTLSConfig", err)
	}
}

func TestServerAuthLineLimit(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{AuthHandler: testAuthHandler, AllowInsecureAuth: true})
	client := newTestClient(t, addr)
	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	// An initial response may be longer than other command lines.
	client.send("AUTH PLAIN " + b64("\x00alice\x00"+strings.Repeat("p", 1000)))
	client.expectCode(535)

	client.send("NOOP " + strings.Repeat("x", 1000))
	if line := client.expectCode(501); !strings.Contains(line, "Line too long") {
		t.Errorf("reply = %q", line)
	}

	client.send("AUTH PLAIN " + strings.Repeat("A", 13000))
	if line := client.expectCode(501); !strings.Contains(line, "Line too long") {
		t.Errorf("reply = %q", line)
	}

	client.send("AUTH PLAIN " + b64("\x00alice\x00s3cret"))
	client.expectCode(235)
}

func TestServerShutdownDuringTLSHandshake(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{
		TLSConfig:   testTLSConfig(t),
		ReadTimeout: 10 * time.Second,
	})

	// This client never sends a ClientHello after STARTTLS.
	stalled := newTestClient(t, addr)
	stalled.expectCode(220)
	stalled.send("STARTTLS")
	stalled.expectCode(220)

	idle := newTestClient(t, addr)
	idle.expectCode(220)
	idle.send("NOOP")
	idle.expectCode(250)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- server.Shutdown(ctx) }()

	_ = idle.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	idle.expectCode(421)

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Shutdown() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown() waited for the stalled handshake")
	}
}

// flakyListener fails the first Accept calls and records when each call
// was made.
type flakyListener struct {
	net.Listener
	failures int

	mu    sync.Mutex
	calls []time.Time
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.calls = append(l.calls, time.Now())
	n := len(l.calls)
	l.mu.Unlock()

	if n <= l.failures {
		return nil, errors.New("accept: too many open files")
	}
	return l.Listener.Accept()
}

func TestServerAcceptErrorBackoff(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	flaky := &flakyListener{Listener: listener, failures: 3}
	serveOn(t, ServerConfig{}, flaky)

	client := newTestClient(t, listener.Addr().String())
	client.expectCode(220)

	flaky.mu.Lock()
	calls := append([]time.Time(nil), flaky.calls...)
	flaky.mu.Unlock()
	if len(calls) < 4 {
		t.Fatalf("Accept called %d times, want at least 4", len(calls))
	}
	for i, want := range []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond} {
		if gap := calls[i+1].Sub(calls[i]); gap < want {
			t.Errorf("retry %d after %v, want at least %v", i+1, gap, want)
		}
	}
}
