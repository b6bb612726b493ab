// Package store persists call records and exposes the change feed that
// drives call state transitions: a global feed of new incoming calls per user
// and a per-call feed of status updates.
package store

import (
	"time"
)

// Status of a call record. Wire-visible and persisted; consumers must treat
// unknown future values as no-ops, never as fatal.
type Status string

const (
	StatusCalling  Status = "calling"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
)

// Known reports whether s is a status this version understands.
func (s Status) Known() bool {
	switch s {
	case StatusCalling, StatusAccepted, StatusRejected, StatusEnded, StatusMissed:
		return true
	}
	return false
}

// Active reports whether a record in this status still occupies its
// conversation's single active-call slot.
func (s Status) Active() bool {
	return s == StatusCalling || s == StatusAccepted
}

// Terminal reports whether s is final. Terminal records are immutable.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded || s == StatusMissed
}

// canTransition encodes the legal status graph:
//
//	calling  → accepted | rejected | ended | missed
//	accepted → ended
func canTransition(from, to Status) bool {
	switch from {
	case StatusCalling:
		return to == StatusAccepted || to.Terminal()
	case StatusAccepted:
		return to == StatusEnded
	}
	return false
}

// CallRecord represents one call attempt. Created by the caller, mutated by
// status updates only, never deleted.
type CallRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	CallerID       string     `json:"caller_id"`
	ReceiverID     string     `json:"receiver_id"`
	Status         Status     `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"` // set on accept
	EndedAt        *time.Time `json:"ended_at,omitempty"`   // set on any terminal status
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a copy safe to hand to subscribers.
func (r *CallRecord) Clone() CallRecord {
	out := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}

// applyStatus mutates r for a transition already validated by the caller,
// stamping StartedAt / EndedAt as the lifecycle demands.
func (r *CallRecord) applyStatus(to Status, at time.Time) {
	r.Status = to
	r.UpdatedAt = at
	if to == StatusAccepted && r.StartedAt == nil {
		t := at
		r.StartedAt = &t
	}
	if to.Terminal() && r.EndedAt == nil {
		t := at
		r.EndedAt = &t
	}
}
