package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/peervoice/peervoice/media"
	"github.com/peervoice/peervoice/signal"
	"github.com/peervoice/peervoice/store"
)

// fakeSession is a MediaSession that negotiates with canned SDP and records
// everything done to it.
type fakeSession struct {
	mu         sync.Mutex
	id         string
	remote     []signal.SessionDescription
	candidates []signal.ICECandidateInit
	onLocal    func(signal.ICECandidateInit)
	onConn     func(media.ConnState)
	muted      bool
	opened     bool
	closed     int
}

func (f *fakeSession) CreateOffer() (signal.SessionDescription, error) {
	return signal.SessionDescription{Type: "offer", SDP: "v=0 offer " + f.id}, nil
}

func (f *fakeSession) CreateAnswer() (signal.SessionDescription, error) {
	return signal.SessionDescription{Type: "answer", SDP: "v=0 answer " + f.id}, nil
}

func (f *fakeSession) SetRemoteDescription(sd signal.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, sd)
	return nil
}

func (f *fakeSession) AddRemoteCandidate(c signal.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeSession) OnLocalCandidate(fn func(signal.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLocal = fn
}

func (f *fakeSession) OnConnectionState(fn func(media.ConnState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConn = fn
}

func (f *fakeSession) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeSession) SetMuted(muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
	return nil
}

func (f *fakeSession) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSession) remoteSDPs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.remote))
	for _, sd := range f.remote {
		out = append(out, sd.SDP)
	}
	return out
}

func (f *fakeSession) connHook() func(media.ConnState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onConn
}

func (f *fakeSession) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// sessionTracker hands out fakeSessions and remembers them per peer.
type sessionTracker struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession // selfID -> latest session
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{sessions: make(map[string]*fakeSession)}
}

func (st *sessionTracker) factory(selfID string) MediaFactory {
	return func(callID string) (MediaSession, error) {
		s := &fakeSession{id: selfID}
		st.mu.Lock()
		st.sessions[selfID] = s
		st.mu.Unlock()
		return s, nil
	}
}

func (st *sessionTracker) session(selfID string) *fakeSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[selfID]
}

func waitState(t *testing.T, m *Machine, want State) Info {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		info, err := m.Info(context.Background())
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		if info.State == want {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	info, _ := m.Info(context.Background())
	t.Fatalf("machine never reached %s, stuck at %s", want, info.State)
	return Info{}
}

func waitRecordStatus(t *testing.T, st store.Store, callID string, want store.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := st.GetCall(context.Background(), callID)
		if err == nil && rec.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, err := st.GetCall(context.Background(), callID)
	t.Fatalf("record %s never reached %s (rec=%+v err=%v)", callID, want, rec, err)
}

// pair spins up two machines sharing one store and one signal bus.
func pair(t *testing.T, opts ...Option) (alice, bob *Machine, st store.Store, tracker *sessionTracker) {
	t.Helper()
	st = store.NewMemoryStore()
	bus := signal.NewMemoryBus()
	t.Cleanup(bus.Close)
	tracker = newSessionTracker()

	alice = NewMachine("alice", st, bus, tracker.factory("alice"), opts...)
	bob = NewMachine("bob", st, bus, tracker.factory("bob"), opts...)
	if err := alice.Start(context.Background()); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	if err := bob.Start(context.Background()); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	t.Cleanup(alice.Close)
	t.Cleanup(bob.Close)
	return alice, bob, st, tracker
}

func TestCallLifecycle(t *testing.T) {
	ctx := context.Background()
	alice, bob, st, tracker := pair(t)

	callID, err := alice.StartCall(ctx, "conv-1", "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	info := waitState(t, bob, StateRinging)
	if info.CallID != callID || info.PeerID != "alice" || info.Outbound {
		t.Fatalf("bob ringing info = %+v", info)
	}

	if err := bob.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, bob, StateConnected)
	waitState(t, alice, StateConnected)
	waitRecordStatus(t, st, callID, store.StatusAccepted)

	// The offer/answer exchange must have crossed the bus.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		bobSDPs := []string{}
		if s := tracker.session("bob"); s != nil {
			bobSDPs = s.remoteSDPs()
		}
		aliceSDPs := []string{}
		if s := tracker.session("alice"); s != nil {
			aliceSDPs = s.remoteSDPs()
		}
		if len(bobSDPs) == 1 && bobSDPs[0] == "v=0 offer alice" &&
			len(aliceSDPs) == 1 && aliceSDPs[0] == "v=0 answer bob" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tracker.session("bob").remoteSDPs(); len(got) != 1 || got[0] != "v=0 offer alice" {
		t.Fatalf("bob remote descriptions = %v", got)
	}
	if got := tracker.session("alice").remoteSDPs(); len(got) != 1 || got[0] != "v=0 answer bob" {
		t.Fatalf("alice remote descriptions = %v", got)
	}

	if err := alice.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitState(t, alice, StateIdle)
	info = waitState(t, bob, StateIdle)
	if info.Notice != NoticeEnded {
		t.Fatalf("bob notice = %q, want %q", info.Notice, NoticeEnded)
	}
	waitRecordStatus(t, st, callID, store.StatusEnded)
}

func TestRejectEndsBothSides(t *testing.T) {
	ctx := context.Background()
	alice, bob, st, _ := pair(t)

	callID, err := alice.StartCall(ctx, "conv-1", "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitState(t, bob, StateRinging)

	if err := bob.Reject(ctx); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitState(t, bob, StateIdle)
	info := waitState(t, alice, StateIdle)
	if info.Notice != NoticeDeclined {
		t.Fatalf("alice notice = %q, want %q", info.Notice, NoticeDeclined)
	}
	waitRecordStatus(t, st, callID, store.StatusRejected)
}

func TestNoAnswerWatchdog(t *testing.T) {
	ctx := context.Background()
	alice, bob, st, _ := pair(t, WithRingTimeout(60*time.Millisecond))

	callID, err := alice.StartCall(ctx, "conv-1", "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitState(t, bob, StateRinging)

	// Nobody answers.
	info := waitState(t, alice, StateIdle)
	if info.Notice != NoticeNoAnswer {
		t.Fatalf("alice notice = %q, want %q", info.Notice, NoticeNoAnswer)
	}
	waitState(t, bob, StateIdle)
	waitRecordStatus(t, st, callID, store.StatusMissed)
}

func TestWatchdogCancelledByAccept(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, _ := pair(t, WithRingTimeout(150*time.Millisecond))

	if _, err := alice.StartCall(ctx, "conv-1", "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitState(t, bob, StateRinging)
	if err := bob.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, alice, StateConnected)

	// Outlive the ring timeout; the call must not be torn down.
	time.Sleep(300 * time.Millisecond)
	info, err := alice.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.State != StateConnected {
		t.Fatalf("call died after accept: state %s notice %q", info.State, info.Notice)
	}
	if info.Duration <= 0 {
		t.Fatalf("duration not ticking: %v", info.Duration)
	}
}

func TestStartWhileBusy(t *testing.T) {
	ctx := context.Background()
	alice, _, _, _ := pair(t)

	if _, err := alice.StartCall(ctx, "conv-1", "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	if _, err := alice.StartCall(ctx, "conv-2", "carol"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second start = %v, want ErrBusy", err)
	}
}

func TestHangupIdleIsNoop(t *testing.T) {
	alice, _, _, _ := pair(t)
	if err := alice.Hangup(context.Background()); err != nil {
		t.Fatalf("idle hangup = %v, want nil", err)
	}
}

func TestMediaFailureEndsCall(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	bus := signal.NewMemoryBus()
	defer bus.Close()

	failing := func(callID string) (MediaSession, error) {
		return nil, fmt.Errorf("open microphone: %w", media.ErrPermissionDenied)
	}
	alice := NewMachine("alice", st, bus, failing)
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer alice.Close()

	callID, err := alice.StartCall(ctx, "conv-1", "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	info := waitState(t, alice, StateIdle)
	if !errors.Is(info.Err, media.ErrPermissionDenied) {
		t.Fatalf("info.Err = %v, want permission denied", info.Err)
	}
	// The record must not be left occupying the conversation slot.
	waitRecordStatus(t, st, callID, store.StatusEnded)
}

func TestMutePersistsAcrossMediaSetup(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, tracker := pair(t)

	if _, err := alice.StartCall(ctx, "conv-1", "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitState(t, bob, StateRinging)
	if err := bob.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, alice, StateConnected)

	if err := alice.SetMuted(ctx, true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := tracker.session("alice"); s != nil && s.Muted() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !tracker.session("alice").Muted() {
		t.Fatal("mute never reached the media session")
	}
	info, _ := alice.Info(ctx)
	if !info.Muted {
		t.Fatal("snapshot does not report muted")
	}

	if err := alice.SetMuted(ctx, false); err != nil {
		t.Fatalf("unmute: %v", err)
	}
}

func TestStaleMediaReadyReleasesSession(t *testing.T) {
	ctx := context.Background()

	st := store.NewMemoryStore()
	bus := signal.NewMemoryBus()
	defer bus.Close()

	release := make(chan struct{})
	var slow *fakeSession
	var mu sync.Mutex
	factory := func(callID string) (MediaSession, error) {
		s := &fakeSession{id: "slow"}
		mu.Lock()
		slow = s
		mu.Unlock()
		<-release // media setup outlives the call
		return s, nil
	}

	alice := NewMachine("alice", st, bus, factory)
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer alice.Close()

	if _, err := alice.StartCall(ctx, "conv-1", "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	if err := alice.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitState(t, alice, StateIdle)
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		s := slow
		mu.Unlock()
		if s != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed > 0 {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stale media session was never closed")
}

func TestGlareYieldsToLowerPeerID(t *testing.T) {
	ctx := context.Background()

	// zed dials bob; bob's simultaneous attempt arrives as an incoming
	// record for the same conversation. "bob" < "zed", so zed must abandon
	// its own attempt and ring for bob's call instead.
	st := store.NewMemoryStore()
	bus := signal.NewMemoryBus()
	defer bus.Close()
	tracker := newSessionTracker()

	zed := NewMachine("zed", st, bus, tracker.factory("zed"))
	if err := zed.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer zed.Close()

	ownID, err := zed.StartCall(ctx, "conv-1", "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitState(t, zed, StateCalling)

	now := time.Now().UTC()
	zed.post(evIncoming{rec: store.CallRecord{
		ID:             "glare-call",
		ConversationID: "conv-1",
		CallerID:       "bob",
		ReceiverID:     "zed",
		Status:         store.StatusCalling,
		CreatedAt:      now,
		UpdatedAt:      now,
	}})

	info := waitState(t, zed, StateRinging)
	if info.CallID != "glare-call" || info.PeerID != "bob" {
		t.Fatalf("after glare: %+v", info)
	}
	waitRecordStatus(t, st, ownID, store.StatusEnded)
}

func TestGlareKeepsOwnAttemptWhenLower(t *testing.T) {
	ctx := context.Background()
	alice, _, _, _ := pair(t)

	ownID, err := alice.StartCall(ctx, "conv-1", "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitState(t, alice, StateCalling)

	now := time.Now().UTC()
	alice.post(evIncoming{rec: store.CallRecord{
		ID:             "glare-call",
		ConversationID: "conv-1",
		CallerID:       "bob",
		ReceiverID:     "alice",
		Status:         store.StatusCalling,
		CreatedAt:      now,
		UpdatedAt:      now,
	}})

	// "alice" < "bob": the outbound attempt stands.
	time.Sleep(100 * time.Millisecond)
	info, err := alice.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.State != StateCalling || info.CallID != ownID {
		t.Fatalf("glare stole the call: %+v", info)
	}
}

func TestBusyIncomingMarkedMissed(t *testing.T) {
	ctx := context.Background()
	alice, bob, st, _ := pair(t)

	if _, err := alice.StartCall(ctx, "conv-1", "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitState(t, bob, StateRinging)
	if err := bob.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, alice, StateConnected)

	// Carol calls alice mid-call.
	rec, err := st.CreateCall(ctx, "conv-2", "carol", "alice")
	if err != nil {
		t.Fatalf("carol create call: %v", err)
	}
	waitRecordStatus(t, st, rec.ID, store.StatusMissed)

	info, _ := alice.Info(ctx)
	if info.State != StateConnected {
		t.Fatalf("busy incoming disturbed the live call: %s", info.State)
	}
}

// acceptOnCreate moves the record to accepted before CreateCall returns, so
// the transition lands in the window before the caller subscribes to record
// updates. The feed replays no backlog, so only the post-create re-fetch can
// see it.
type acceptOnCreate struct {
	store.Store
}

func (s acceptOnCreate) CreateCall(ctx context.Context, conversationID, callerID, receiverID string) (*store.CallRecord, error) {
	rec, err := s.Store.CreateCall(ctx, conversationID, callerID, receiverID)
	if err != nil {
		return nil, err
	}
	return s.Store.UpdateStatus(ctx, rec.ID, store.StatusAccepted, time.Time{})
}

func TestStartCatchesUpdateBeforeSubscribe(t *testing.T) {
	ctx := context.Background()
	st := acceptOnCreate{Store: store.NewMemoryStore()}
	bus := signal.NewMemoryBus()
	defer bus.Close()
	tracker := newSessionTracker()

	alice := NewMachine("alice", st, bus, tracker.factory("alice"))
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer alice.Close()

	callID, err := alice.StartCall(ctx, "conv-1", "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	info := waitState(t, alice, StateConnected)
	if info.CallID != callID {
		t.Fatalf("connected to %q, want %q", info.CallID, callID)
	}
}

// stallStore parks CreateCall until the machine shuts down, keeping the
// event loop busy while further requests queue behind it.
type stallStore struct {
	store.Store
	entered chan struct{}
}

func (s *stallStore) CreateCall(ctx context.Context, conversationID, callerID, receiverID string) (*store.CallRecord, error) {
	close(s.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCloseAnswersQueuedRequests(t *testing.T) {
	ctx := context.Background()
	st := &stallStore{Store: store.NewMemoryStore(), entered: make(chan struct{})}
	bus := signal.NewMemoryBus()
	defer bus.Close()

	alice := NewMachine("alice", st, bus, newSessionTracker().factory("alice"))
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	startErr := make(chan error, 1)
	go func() {
		_, err := alice.StartCall(ctx, "conv-1", "bob")
		startErr <- err
	}()
	<-st.entered // the loop is now stuck inside CreateCall

	hangupErr := make(chan error, 1)
	go func() { hangupErr <- alice.Hangup(ctx) }()
	time.Sleep(20 * time.Millisecond) // let the hangup request reach the queue

	alice.Close()

	for name, ch := range map[string]chan error{"start": startErr, "hangup": hangupErr} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s request still blocked after close", name)
		}
	}
}

func TestTransportFailureSurfacesTypedError(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, tracker := pair(t)

	if _, err := alice.StartCall(ctx, "conv-1", "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitState(t, bob, StateRinging)
	if err := bob.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, alice, StateConnected)

	var s *fakeSession
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s = tracker.session("alice"); s != nil && s.connHook() != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s == nil || s.connHook() == nil {
		t.Fatal("connection state hook never installed")
	}

	s.connHook()(media.ConnStateFailed)
	deadline = time.Now().Add(3 * time.Second)
	for {
		info, err := alice.Info(ctx)
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		if info.Err != nil {
			if !errors.Is(info.Err, media.ErrConnectionFailed) {
				t.Fatalf("info.Err = %v, want ErrConnectionFailed", info.Err)
			}
			if info.State != StateConnected {
				t.Fatalf("transport failure ended the call: %s", info.State)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transport failure never surfaced")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Recovery clears the surfaced error.
	s.connHook()(media.ConnStateConnected)
	deadline = time.Now().Add(3 * time.Second)
	for {
		info, _ := alice.Info(ctx)
		if info.Err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recovered transport never cleared the error")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsForDeadCallIgnored(t *testing.T) {
	ctx := context.Background()
	alice, bob, st, tracker := pair(t)

	callID, err := alice.StartCall(ctx, "conv-1", "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitState(t, bob, StateRinging)
	if err := bob.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, alice, StateConnected)
	if err := alice.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitState(t, alice, StateIdle)
	waitRecordStatus(t, st, callID, store.StatusEnded)

	s := tracker.session("alice")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.closeCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	baseline := s.remoteSDPs()

	// Leftovers from the ended call: a late offer, a stale record update, a
	// watchdog and a transport failure, all tagged with the dead call id.
	msg, err := signal.NewMessage(callID, "bob", "alice", signal.TypeOffer,
		signal.SessionDescription{Type: "offer", SDP: "v=0 late offer"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	alice.post(evSignal{msg: msg})
	now := time.Now().UTC()
	alice.post(evRecordUpdate{rec: store.CallRecord{
		ID: callID, ConversationID: "conv-1", CallerID: "alice",
		ReceiverID: "bob", Status: store.StatusAccepted,
		CreatedAt: now, UpdatedAt: now,
	}})
	alice.post(evWatchdog{callID: callID})
	alice.post(evConnState{callID: callID, state: media.ConnStateFailed})

	// Info is handled after the posts above, so the snapshot reflects them.
	info, err := alice.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.State != StateIdle || info.Err != nil {
		t.Fatalf("stale events disturbed the machine: %+v", info)
	}
	if got := s.remoteSDPs(); len(got) != len(baseline) {
		t.Fatalf("stale offer reached the dead session: %v", got)
	}
	if rec, err := st.GetCall(ctx, callID); err != nil || rec.Status != store.StatusEnded {
		t.Fatalf("record disturbed: %+v (%v)", rec, err)
	}
}
