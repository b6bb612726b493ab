package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("voice:store")

// ErrActiveCallExists is returned by CreateCall when the conversation already
// has a record in an active status. The caller surfaces it as "a call is
// already in progress".
var ErrActiveCallExists = errors.New("conversation already has an active call")

// ErrNotFound is returned when no record exists for the given call id.
var ErrNotFound = errors.New("call record not found")

// InvalidTransitionError reports an illegal status transition. It indicates a
// programming or integrity error, not a recoverable condition.
type InvalidTransitionError struct {
	CallID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("call %s: invalid status transition %s → %s", e.CallID, e.From, e.To)
}

// Store is the call-record table plus its change feed.
//
// UpdateStatus is idempotent on terminal statuses: re-asserting the terminal
// status a record already has is a no-op returning the unchanged record;
// moving between two different terminal statuses fails with
// *InvalidTransitionError.
//
// Subscriptions replay no backlog. A subscriber that needs the current state
// must GetCall after subscribing.
type Store interface {
	// CreateCall inserts a new record with StatusCalling. Fails with
	// ErrActiveCallExists if the conversation has an active record.
	CreateCall(ctx context.Context, conversationID, callerID, receiverID string) (*CallRecord, error)

	// UpdateStatus transitions the record. A zero `at` means "now".
	UpdateStatus(ctx context.Context, callID string, status Status, at time.Time) (*CallRecord, error)

	// GetCall fetches one record. ErrNotFound if absent.
	GetCall(ctx context.Context, callID string) (*CallRecord, error)

	// SubscribeIncoming delivers newly created records whose ReceiverID is
	// userID; this is how an idle peer learns it is being called.
	SubscribeIncoming(ctx context.Context, userID string) (<-chan CallRecord, func(), error)

	// SubscribeCall delivers every status change of one record.
	SubscribeCall(ctx context.Context, callID string) (<-chan CallRecord, func(), error)
}
