// Corvid is a programmable ESMTP session engine for Go.
//
// # Server
//
// Create an SMTP server using the fluent builder API:
//
//	server, err := corvid.New("mail.example.com").
//	    Addr(":587").
//	    TLS(tlsConfig).
//	    Auth([]string{"PLAIN"}, authHandler).
//	    MaxMessageSize(25 * 1024 * 1024).
//	    OnMessage(func(ctx context.Context, m *corvid.Mail) error {
//	        log.Printf("Received mail from %s", m.Envelope.From.String())
//	        return nil
//	    }).
//	    Build()
//
//	if err := server.ListenAndServe(); err != corvid.ErrServerClosed {
//	    log.Fatal(err)
//	}
//
// # Sessions and dispatch
//
// Every connection owns a Session. The transport reads CRLF-terminated
// lines and hands each one to the Dispatcher, which routes it to the active
// LineConsumer of the session or, if there is none, to the CommandHandler
// for the line's verb. Handlers answer with a Transition: the Reply to send
// and the SessionState to move to. Sessions can also be driven without a
// network connection:
//
//	s := corvid.NewSession(ctx, nil, logger)
//	t := server.Dispatcher().Dispatch(s, corvid.LineFromString("EHLO client.example.com"))
//	fmt.Print(t.Reply.String())
//
// # Extensions
//
// An Extension bundles an EHLO keyword, an availability rule and the
// command handlers it contributes. Built in:
//   - PIPELINING (RFC 2920)
//   - 8BITMIME (RFC 6152)
//   - SMTPUTF8 (RFC 6531)
//   - ENHANCEDSTATUSCODES (RFC 2034)
//   - SIZE (RFC 1870) - use .MaxMessageSize(size)
//   - STARTTLS (RFC 3207) - use .TLS(tlsConfig)
//   - AUTH (RFC 4954) - use .Auth(mechanisms, handler)
//
// Custom extensions are added with .Extension(ext).
//
// # Serialization
//
// Received messages and their envelopes encode to MessagePack:
//
//	data, err := mail.ToMessagePack()
//	mail, err := corvid.FromMessagePack(data)
package corvid
