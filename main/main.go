package main

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/synqronlabs/corvid"
	"github.com/synqronlabs/corvid/dns"
	"github.com/synqronlabs/corvid/sasl"
	"github.com/synqronlabs/corvid/spool"
)

func main() {
	var (
		addr     = flag.String("addr", ":2525", "listen address")
		hostname = flag.String("hostname", "mail.example.com", "server hostname")
		spoolDir = flag.String("spool", "spool", "directory for received messages")
		maxSize  = flag.Int64("max-size", 10*1024*1024, "maximum message size in bytes")
		certFile = flag.String("cert", "", "TLS certificate file (enables STARTTLS)")
		keyFile  = flag.String("key", "", "TLS key file")
		account  = flag.String("auth", "", "enable AUTH for a single user:password account")
		rdns     = flag.Bool("rdns", false, "look up the name of each client")
		debug    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	store, err := spool.New(*spoolDir, logger)
	if err != nil {
		log.Fatal(err)
	}

	builder := corvid.New(*hostname).
		Addr(*addr).
		Logger(logger).
		ReadTimeout(1 * time.Minute).
		MaxMessageSize(*maxSize).
		MaxRecipients(100).
		MaxErrors(10).
		RateLimit(30, time.Minute).
		OnMessage(store.Deliver)

	if *certFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			log.Fatal(err)
		}
		builder.TLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	if *account != "" {
		user, pass, ok := strings.Cut(*account, ":")
		if !ok {
			log.Fatal("-auth must be user:password")
		}
		builder.Auth([]string{sasl.Plain, sasl.Login}, func(_ *corvid.Session, _ string, creds sasl.Credentials) error {
			userOK := subtle.ConstantTimeCompare([]byte(creds.AuthenticationID), []byte(user)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(creds.Password), []byte(pass)) == 1
			if !userOK || !passOK || creds.Identity() != user {
				return corvid.ErrAuthFailed
			}
			return nil
		})
	}

	if *rdns {
		builder.ReverseDNS(dns.NewResolver(dns.ResolverConfig{}), 5*time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := builder.Run(ctx); err != nil && !errors.Is(err, corvid.ErrServerClosed) {
		log.Fatal(err)
	}
}
