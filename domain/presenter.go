package domain

import "context"

// Presenter is the dialog the user reads the conversation in. Every method is
// invoked from the chat service event loop, one at a time, in wire order.
type Presenter interface {
	// ShowFirstToken is called once per session, when the first fragment of
	// the first reply arrives.
	ShowFirstToken(sessionID string)
	// BeginReply marks the start of an assistant turn.
	BeginReply(sessionID string)
	AppendFragment(sessionID, text string)
	StreamComplete(sessionID string)
	// StreamFailed is only called when failures are surfaced to the user.
	StreamFailed(sessionID, reason string)
}

// Speaker hands text to a speech subsystem.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}
