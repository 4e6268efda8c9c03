package corvid

// Transition pairs the reply to send with the state to enter. A target of
// NoStateChange leaves the session state untouched; any other target
// replaces it.
type Transition struct {
	Reply  Reply
	Target SessionState
}

// Stay returns a transition that sends reply and keeps the current state.
func Stay(reply Reply) Transition {
	return Transition{Reply: reply, Target: NoStateChange}
}

// MoveTo returns a transition that sends reply and enters state.
func MoveTo(reply Reply, state SessionState) Transition {
	return Transition{Reply: reply, Target: state}
}

// Changes reports whether applying the transition sets a new state.
func (t Transition) Changes() bool {
	return t.Target != NoStateChange
}

// Equal reports whether two transitions carry the same reply and target.
func (t Transition) Equal(other Transition) bool {
	return t.Target == other.Target && t.Reply.Equal(other.Reply)
}

// Silent returns a transition without a reply, for line consumers that
// absorb lines until a terminating one, such as a message body.
func Silent() Transition {
	return Transition{Target: NoStateChange}
}

// HasReply reports whether the transition carries a reply to send.
func (t Transition) HasReply() bool {
	return t.Reply.Code != 0
}
