package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusCalling, StatusAccepted, true},
		{StatusCalling, StatusRejected, true},
		{StatusCalling, StatusEnded, true},
		{StatusCalling, StatusMissed, true},
		{StatusAccepted, StatusEnded, true},
		{StatusAccepted, StatusRejected, false},
		{StatusAccepted, StatusMissed, false},
		{StatusAccepted, StatusCalling, false},
		{StatusRejected, StatusEnded, false},
		{StatusEnded, StatusAccepted, false},
		{StatusMissed, StatusCalling, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestCreateCallConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, err := s.CreateCall(ctx, "conv-1", "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != StatusCalling || rec.ID == "" {
		t.Fatalf("record = %+v", rec)
	}

	if _, err := s.CreateCall(ctx, "conv-1", "bob", "alice"); !errors.Is(err, ErrActiveCallExists) {
		t.Fatalf("second create = %v, want ErrActiveCallExists", err)
	}

	// A different conversation is unaffected.
	if _, err := s.CreateCall(ctx, "conv-2", "alice", "carol"); err != nil {
		t.Fatalf("other conversation blocked: %v", err)
	}

	// Once the first call reaches a terminal status the slot frees up.
	if _, err := s.UpdateStatus(ctx, rec.ID, StatusEnded, time.Time{}); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := s.CreateCall(ctx, "conv-1", "bob", "alice"); err != nil {
		t.Fatalf("create after end: %v", err)
	}
}

func TestUpdateStatusStampsTimes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	rec, err := s.CreateCall(ctx, "conv-1", "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if rec.StartedAt != nil || rec.EndedAt != nil {
		t.Fatalf("fresh record has timestamps: %+v", rec)
	}

	accepted, err := s.UpdateStatus(ctx, rec.ID, StatusAccepted, base.Add(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if accepted.StartedAt == nil || !accepted.StartedAt.Equal(base.Add(5*time.Second)) {
		t.Fatalf("StartedAt = %v", accepted.StartedAt)
	}
	if accepted.EndedAt != nil {
		t.Fatal("EndedAt set on accept")
	}

	ended, err := s.UpdateStatus(ctx, rec.ID, StatusEnded, base.Add(65*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if ended.EndedAt == nil || !ended.EndedAt.Equal(base.Add(65*time.Second)) {
		t.Fatalf("EndedAt = %v", ended.EndedAt)
	}
	if !ended.StartedAt.Equal(base.Add(5 * time.Second)) {
		t.Fatal("StartedAt changed by later transition")
	}
}

func TestUpdateStatusIdempotentTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, _ := s.CreateCall(ctx, "conv-1", "alice", "bob")
	first, err := s.UpdateStatus(ctx, rec.ID, StatusEnded, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	again, err := s.UpdateStatus(ctx, rec.ID, StatusEnded, time.Time{})
	if err != nil {
		t.Fatalf("re-assert terminal: %v", err)
	}
	if !again.EndedAt.Equal(*first.EndedAt) {
		t.Fatal("idempotent re-assert moved EndedAt")
	}

	// A different terminal status is still illegal.
	_, err = s.UpdateStatus(ctx, rec.ID, StatusMissed, time.Time{})
	var bad *InvalidTransitionError
	if !errors.As(err, &bad) {
		t.Fatalf("ended→missed = %v, want InvalidTransitionError", err)
	}
	if bad.From != StatusEnded || bad.To != StatusMissed {
		t.Fatalf("error detail = %+v", bad)
	}
}

func TestUpdateStatusUnknownCall(t *testing.T) {
	_, err := NewMemoryStore().UpdateStatus(context.Background(), "ghost", StatusEnded, time.Time{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSubscribeIncoming(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ch, cancel, err := s.SubscribeIncoming(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	rec, _ := s.CreateCall(ctx, "conv-1", "alice", "bob")
	select {
	case got := <-ch:
		if got.ID != rec.ID || got.CallerID != "alice" {
			t.Fatalf("incoming = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("incoming record never delivered")
	}

	// Records for other receivers stay out of this feed.
	s.CreateCall(ctx, "conv-2", "alice", "carol")
	select {
	case got := <-ch:
		t.Fatalf("got record for carol: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeCallSeesEveryTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, _ := s.CreateCall(ctx, "conv-1", "alice", "bob")
	ch, cancel, err := s.SubscribeCall(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if _, err := s.UpdateStatus(ctx, rec.ID, StatusAccepted, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(ctx, rec.ID, StatusEnded, time.Time{}); err != nil {
		t.Fatal(err)
	}

	want := []Status{StatusAccepted, StatusEnded}
	for i, w := range want {
		select {
		case got := <-ch:
			if got.Status != w {
				t.Fatalf("update %d = %s, want %s", i, got.Status, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("update %d never delivered", i)
		}
	}

	cancel()
	cancel() // idempotent
}
