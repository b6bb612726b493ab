package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It backs tests and single-process
// deployments; the sqlite store has identical semantics with persistence.
type MemoryStore struct {
	now func() time.Time // injectable clock

	mu      sync.RWMutex
	records map[string]*CallRecord

	incoming *fanout // key: user id
	updates  *fanout // key: call id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		records:  make(map[string]*CallRecord),
		incoming: newFanout(),
		updates:  newFanout(),
	}
}

// SetClock replaces the store clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

// CreateCall inserts a record with StatusCalling, enforcing the
// one-active-call-per-conversation invariant.
func (s *MemoryStore) CreateCall(_ context.Context, conversationID, callerID, receiverID string) (*CallRecord, error) {
	s.mu.Lock()
	for _, r := range s.records {
		if r.ConversationID == conversationID && r.Status.Active() {
			s.mu.Unlock()
			return nil, ErrActiveCallExists
		}
	}
	now := s.now().UTC()
	rec := &CallRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		CallerID:       callerID,
		ReceiverID:     receiverID,
		Status:         StatusCalling,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.records[rec.ID] = rec
	out := rec.Clone()
	s.mu.Unlock()

	s.incoming.publish(receiverID, out)
	return &out, nil
}

// UpdateStatus transitions the record, stamping timestamps per lifecycle.
func (s *MemoryStore) UpdateStatus(_ context.Context, callID string, status Status, at time.Time) (*CallRecord, error) {
	s.mu.Lock()
	rec, ok := s.records[callID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if rec.Status == status && status.Terminal() {
		out := rec.Clone()
		s.mu.Unlock()
		return &out, nil // idempotent terminal re-assert
	}
	if !canTransition(rec.Status, status) {
		err := &InvalidTransitionError{CallID: callID, From: rec.Status, To: status}
		s.mu.Unlock()
		return nil, err
	}
	if at.IsZero() {
		at = s.now()
	}
	rec.applyStatus(status, at.UTC())
	out := rec.Clone()
	s.mu.Unlock()

	s.updates.publish(callID, out)
	return &out, nil
}

// GetCall fetches one record.
func (s *MemoryStore) GetCall(_ context.Context, callID string) (*CallRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[callID]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	out := rec.Clone()
	s.mu.RUnlock()
	return &out, nil
}

// SubscribeIncoming delivers new records addressed to userID.
func (s *MemoryStore) SubscribeIncoming(_ context.Context, userID string) (<-chan CallRecord, func(), error) {
	ch, cancel := s.incoming.subscribe(userID)
	return ch, cancel, nil
}

// SubscribeCall delivers status changes of one record.
func (s *MemoryStore) SubscribeCall(_ context.Context, callID string) (<-chan CallRecord, func(), error) {
	ch, cancel := s.updates.subscribe(callID)
	return ch, cancel, nil
}
