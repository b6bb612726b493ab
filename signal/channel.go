package signal

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("voice:signal")

// Channel is the transport surface the negotiation layer needs.
//
// Guarantees required of every implementation:
//   - Send returns only after the message is durably queued for delivery
//     (logical at-least-once); it never waits for the receiver.
//   - Messages from one sender on one call arrive in send order. No ordering
//     holds across senders.
//   - Subscribe replays no backlog. Callers that need current state must
//     re-fetch it elsewhere after subscribing.
type Channel interface {
	// Send queues m for delivery to (m.CallID, m.ReceiverID) subscribers.
	Send(ctx context.Context, m *Message) error

	// Subscribe delivers messages addressed to userID on callID until the
	// returned cancel func is called. The channel is closed on cancel.
	Subscribe(ctx context.Context, callID, userID string) (<-chan *Message, func(), error)
}

const subscriberBuffer = 64
