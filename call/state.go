// Package call is the state machine that turns signaling, call records, and
// media sessions into one coherent call at a time. A single event loop owns
// all mutable state; the public methods post requests into it and the
// subscriptions (store feeds, signal channel, timers, media callbacks) post
// events the same way, so no handler ever races another.
package call

import (
	"time"
)

// State of the machine. Exactly one call is live outside StateIdle.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"   // outbound, waiting for the peer to pick up
	StateRinging   State = "ringing"   // inbound, waiting for the local user to decide
	StateConnected State = "connected" // accepted, duration ticking
)

// User-facing notices set when a call ends. The UI shows them verbatim.
const (
	NoticeNoAnswer = "No answer"
	NoticeDeclined = "Call declined"
	NoticeEnded    = "Call ended"
)

// Info is a point-in-time snapshot of the machine, safe to retain.
type Info struct {
	State          State
	CallID         string
	ConversationID string
	PeerID         string
	Outbound       bool
	Muted          bool

	// Duration of the connected phase so far; zero until accepted.
	Duration time.Duration

	// Notice is the last end-of-call notice, cleared when a new call starts.
	Notice string

	// Err is the last media or connection failure, cleared when a new call
	// starts. The call may still be live (a failed ICE restart, say).
	Err error
}
