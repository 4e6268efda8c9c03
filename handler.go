package corvid

import "strings"

// CommandHandler handles one SMTP verb.
type CommandHandler interface {
	// Verb returns the command word this handler answers to, such as "MAIL".
	// Matching is case-insensitive.
	Verb() string
	// ValidForSession reports whether the command is allowed in the session's
	// current state. An invalid command gets the fixed 503 reply.
	ValidForSession(s *Session) bool
	// HandleCommand processes the line and returns the reply and next state.
	HandleCommand(s *Session, line *Line) Transition
}

// LineConsumer receives whole lines. Registered on a session, it takes over
// the input stream until removed.
type LineConsumer interface {
	Consume(s *Session, line *Line) Transition
}

// LineConsumerFunc adapts an ordinary function to a LineConsumer.
type LineConsumerFunc func(s *Session, line *Line) Transition

// Consume calls f(s, line).
func (f LineConsumerFunc) Consume(s *Session, line *Line) Transition {
	return f(s, line)
}

// Command is a CommandHandler built from functions. A nil Valid accepts the
// command in every state.
type Command struct {
	Name   string
	Valid  func(s *Session) bool
	Handle func(s *Session, line *Line) Transition
}

// Verb returns the command name.
func (c *Command) Verb() string {
	return c.Name
}

// ValidForSession calls Valid, or returns true if Valid is nil.
func (c *Command) ValidForSession(s *Session) bool {
	if c.Valid == nil {
		return true
	}
	return c.Valid(s)
}

// HandleCommand calls Handle.
func (c *Command) HandleCommand(s *Session, line *Line) Transition {
	return c.Handle(s, line)
}

// inStates returns a validity check accepting only the given states.
func inStates(states ...SessionState) func(*Session) bool {
	return func(s *Session) bool {
		for _, st := range states {
			if s.State() == st {
				return true
			}
		}
		return false
	}
}

// HandlerChain is a LineConsumer that routes each line to the first handler
// whose verb matches the line's verb.
type HandlerChain struct {
	handlers []CommandHandler
}

// NewHandlerChain composes handlers in order. It returns nil when there
// are no handlers, so callers can tell "nothing to route" apart from a chain.
func NewHandlerChain(handlers ...CommandHandler) *HandlerChain {
	if len(handlers) == 0 {
		return nil
	}
	return &HandlerChain{handlers: handlers}
}

// Handler returns the first handler registered for verb.
func (c *HandlerChain) Handler(verb string) (CommandHandler, bool) {
	for _, h := range c.handlers {
		if strings.EqualFold(h.Verb(), verb) {
			return h, true
		}
	}
	return nil, false
}

// Consume dispatches line to its handler. Unknown verbs get 500 and known
// verbs not valid in the current state get 503; neither changes state.
func (c *HandlerChain) Consume(s *Session, line *Line) Transition {
	h, ok := c.Handler(line.Verb())
	if !ok {
		return Stay(ReplyCommandNotRecognized())
	}
	if !h.ValidForSession(s) {
		return Stay(ReplyBadSequence())
	}
	return h.HandleCommand(s, line)
}
