package corvid

import (
	"log/slog"
	"strings"
)

// Dispatcher routes each received line to the active line consumer of the
// session or, if there is none, to the command handler for the line's verb.
type Dispatcher struct {
	chain      *HandlerChain
	extensions []Extension
	logger     *slog.Logger
}

// NewDispatcher builds the command table from the core handlers followed by
// the handlers of each extension, in order. When two handlers claim the same
// verb the first one registered is used and the later one is reported.
func NewDispatcher(logger *slog.Logger, core []CommandHandler, extensions []Extension) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	var handlers []CommandHandler
	seen := make(map[string]bool)
	add := func(owner string, h CommandHandler) {
		verb := strings.ToUpper(h.Verb())
		if seen[verb] {
			logger.Warn("duplicate command handler ignored",
				slog.String("verb", verb),
				slog.String("owner", owner),
			)
			return
		}
		seen[verb] = true
		handlers = append(handlers, h)
	}

	for _, h := range core {
		add("core", h)
	}
	for _, ext := range extensions {
		for _, h := range ext.CommandHandlers() {
			add(ext.Name(), h)
		}
	}

	return &Dispatcher{
		chain:      NewHandlerChain(handlers...),
		extensions: extensions,
		logger:     logger,
	}
}

// Extensions returns the registered extensions in registration order.
func (d *Dispatcher) Extensions() []Extension {
	return d.extensions
}

// Dispatch processes one line and applies the resulting state change to the
// session. The returned transition carries the reply for the transport to
// write. Lines seen by a line consumer are never parsed as commands.
func (d *Dispatcher) Dispatch(s *Session, line *Line) Transition {
	s.recordLine()

	var t Transition
	if c, ok := s.ActiveLineConsumer(); ok {
		t = c.Consume(s, line)
	} else if d.chain == nil {
		t = Stay(ReplyCommandNotRecognized())
	} else {
		// Only registered verbs are logged. Arguments, and any first token
		// that is not a known verb, may carry credentials.
		verb := "unknown"
		if h, ok := d.chain.Handler(line.Verb()); ok {
			verb = strings.ToUpper(h.Verb())
		}
		s.Logger().Debug("command",
			slog.String("verb", verb),
			slog.String("state", s.State().String()),
		)
		s.Trace.CommandCount++
		t = d.chain.Consume(s, line)
	}

	s.apply(t)
	s.recordReply(t.Reply)
	return t
}
