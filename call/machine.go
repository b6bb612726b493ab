package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/peervoice/peervoice/media"
	"github.com/peervoice/peervoice/negotiate"
	"github.com/peervoice/peervoice/signal"
	"github.com/peervoice/peervoice/store"
)

var log = logging.Logger("voice:call")

// ErrBusy is returned by Start when a call is already live on this machine.
var ErrBusy = errors.New("a call is already in progress")

// ErrNoCall is returned by Accept, Reject, and SetMuted when there is no call
// in a state that operation applies to. Hangup never returns it.
var ErrNoCall = errors.New("no call in progress")

// ErrClosed is returned once the machine has been shut down.
var ErrClosed = errors.New("call machine closed")

// MediaSession is what the machine needs from the media layer.
// *media.Session satisfies it; tests substitute fakes.
type MediaSession interface {
	negotiate.Media
	Open() error
	SetMuted(muted bool) error
	Muted() bool
	OnConnectionState(fn func(media.ConnState))
	Close() error
}

// MediaFactory builds the media session for one call. It runs off the event
// loop because capture setup can block on device access.
type MediaFactory func(callID string) (MediaSession, error)

const defaultRingTimeout = 30 * time.Second

// Option tweaks machine construction.
type Option func(*Machine)

// WithRingTimeout overrides the no-answer timeout (default 30s).
func WithRingTimeout(d time.Duration) Option {
	return func(m *Machine) { m.ringTimeout = d }
}

// Machine runs at most one call for one local user. All state below `cur` is
// owned by the loop goroutine; public methods only post events.
type Machine struct {
	selfID      string
	store       store.Store
	ch          signal.Channel
	newMedia    MediaFactory
	ringTimeout time.Duration
	now         func() time.Time

	events chan event

	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once

	// loop-owned
	state   State
	cur     *activeCall
	notice  string
	lastErr error

	// watchers of Info snapshots
	watchMu  sync.Mutex
	watchers map[int]chan Info
	watchSeq int
}

// activeCall is the loop-owned state of the one live call.
type activeCall struct {
	callID         string
	conversationID string
	peerID         string
	outbound       bool

	session MediaSession
	engine  *negotiate.Engine

	// signals that arrived before the engine existed, flushed in order
	pending []*signal.Message

	sigCancel func()
	recCancel func()
	watchdog  *time.Timer
	tickStop  chan struct{}

	startedAt time.Time // connected-phase start
	wantMuted bool
	offered   bool
}

func NewMachine(selfID string, st store.Store, ch signal.Channel, factory MediaFactory, opts ...Option) *Machine {
	m := &Machine{
		selfID:      selfID,
		store:       st,
		ch:          ch,
		newMedia:    factory,
		ringTimeout: defaultRingTimeout,
		now:         time.Now,
		events:      make(chan event, 32),
		loopDone:    make(chan struct{}),
		state:       StateIdle,
		watchers:    make(map[int]chan Info),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SelfID returns the local user id the machine was built for.
func (m *Machine) SelfID() string { return m.selfID }

// Start launches the event loop and begins listening for incoming calls.
func (m *Machine) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	incoming, cancelInc, err := m.store.SubscribeIncoming(m.ctx, m.selfID)
	if err != nil {
		m.cancel()
		return fmt.Errorf("subscribe incoming calls: %w", err)
	}

	go func() {
		for rec := range incoming {
			m.post(evIncoming{rec: rec})
		}
	}()

	go func() {
		defer cancelInc()
		m.loop()
	}()
	log.Infof("call machine started for %s", m.selfID)
	return nil
}

// Close hangs up any live call and stops the loop. Safe to call twice.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		<-m.loopDone
	})
}

// post delivers ev to the loop unless the machine is shutting down.
func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// StartCall places an outbound call and returns its call id. The media and
// signaling work proceeds asynchronously; watch Info / Subscribe for progress.
func (m *Machine) StartCall(ctx context.Context, conversationID, peerID string) (string, error) {
	req := reqStart{conversationID: conversationID, peerID: peerID, reply: make(chan startResult, 1)}
	if err := m.ask(ctx, req); err != nil {
		return "", err
	}
	res, ok := recvReply(m, req.reply)
	if !ok {
		return "", ErrClosed
	}
	return res.callID, res.err
}

// Accept picks up the ringing inbound call.
func (m *Machine) Accept(ctx context.Context) error {
	req := reqAccept{reply: make(chan error, 1)}
	if err := m.ask(ctx, req); err != nil {
		return err
	}
	return awaitErr(m, req.reply)
}

// Reject declines the ringing inbound call.
func (m *Machine) Reject(ctx context.Context) error {
	req := reqReject{reply: make(chan error, 1)}
	if err := m.ask(ctx, req); err != nil {
		return err
	}
	return awaitErr(m, req.reply)
}

// Hangup ends the live call. Calling it with no call in progress is a no-op.
func (m *Machine) Hangup(ctx context.Context) error {
	req := reqHangup{reply: make(chan error, 1)}
	if err := m.ask(ctx, req); err != nil {
		return err
	}
	return awaitErr(m, req.reply)
}

// SetMuted mutes or unmutes the microphone for the live call.
func (m *Machine) SetMuted(ctx context.Context, muted bool) error {
	req := reqSetMuted{muted: muted, reply: make(chan error, 1)}
	if err := m.ask(ctx, req); err != nil {
		return err
	}
	return awaitErr(m, req.reply)
}

// Info returns a snapshot of the machine.
func (m *Machine) Info(ctx context.Context) (Info, error) {
	req := reqInfo{reply: make(chan Info, 1)}
	if err := m.ask(ctx, req); err != nil {
		return Info{}, err
	}
	info, ok := recvReply(m, req.reply)
	if !ok {
		return Info{}, ErrClosed
	}
	return info, nil
}

// Subscribe returns a feed of Info snapshots emitted on every state change
// and once per second while connected. Call cancel when done.
func (m *Machine) Subscribe() (<-chan Info, func()) {
	ch := make(chan Info, 16)
	m.watchMu.Lock()
	m.watchSeq++
	id := m.watchSeq
	m.watchers[id] = ch
	m.watchMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.watchMu.Lock()
			delete(m.watchers, id)
			close(ch)
			m.watchMu.Unlock()
		})
	}
	return ch, cancel
}

func (m *Machine) ask(ctx context.Context, req event) error {
	select {
	case m.events <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}
}

// recvReply waits for the loop's answer to a queued request. The loop can
// shut down with the request still in the buffer; a buffered answer may also
// already be in flight, so only report closed when none arrived.
func recvReply[T any](m *Machine, ch <-chan T) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-m.loopDone:
		select {
		case v := <-ch:
			return v, true
		default:
			var zero T
			return zero, false
		}
	}
}

func awaitErr(m *Machine, ch <-chan error) error {
	err, ok := recvReply(m, ch)
	if !ok {
		return ErrClosed
	}
	return err
}

func (m *Machine) loop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.ctx.Done():
			if m.cur != nil {
				m.endCall(store.StatusEnded, NoticeEnded, nil)
			}
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Machine) handle(ev event) {
	switch ev := ev.(type) {
	case reqStart:
		callID, err := m.handleStart(ev.conversationID, ev.peerID)
		ev.reply <- startResult{callID: callID, err: err}
	case reqAccept:
		ev.reply <- m.handleAccept()
	case reqReject:
		ev.reply <- m.handleReject()
	case reqHangup:
		ev.reply <- m.handleHangup()
	case reqSetMuted:
		ev.reply <- m.handleSetMuted(ev.muted)
	case reqInfo:
		ev.reply <- m.snapshot()
	case evIncoming:
		m.handleIncoming(ev.rec)
	case evRecordUpdate:
		if m.owns(ev.rec.ID) {
			m.handleRecordUpdate(ev.rec)
		}
	case evSignal:
		if m.owns(ev.msg.CallID) {
			m.handleSignal(ev.msg)
		}
	case evWatchdog:
		if m.owns(ev.callID) {
			m.handleWatchdog()
		}
	case evTick:
		if m.owns(ev.callID) && m.state == StateConnected {
			m.notify()
		}
	case evConnState:
		if m.owns(ev.callID) {
			m.handleConnState(ev.state)
		}
	case evMediaReady:
		if m.owns(ev.callID) {
			m.handleMediaReady(ev.session)
		} else {
			// The call this media belongs to is gone; release the devices.
			go ev.session.Close()
		}
	case evMediaFailed:
		if m.owns(ev.callID) {
			m.handleMediaFailed(ev.err)
		}
	}
}

// owns reports whether callID belongs to the live call. Everything async is
// gated on it so leftovers from a previous call are ignored.
func (m *Machine) owns(callID string) bool {
	return m.cur != nil && m.cur.callID == callID
}

func (m *Machine) handleStart(conversationID, peerID string) (string, error) {
	if m.state != StateIdle {
		return "", ErrBusy
	}
	rec, err := m.store.CreateCall(m.ctx, conversationID, m.selfID, peerID)
	if err != nil {
		if errors.Is(err, store.ErrActiveCallExists) {
			return "", fmt.Errorf("%w: %s", ErrBusy, conversationID)
		}
		return "", fmt.Errorf("create call record: %w", err)
	}

	ac := &activeCall{
		callID:         rec.ID,
		conversationID: conversationID,
		peerID:         peerID,
		outbound:       true,
	}
	if err := m.attach(ac); err != nil {
		// Roll the record back so the conversation slot frees up.
		if _, uerr := m.store.UpdateStatus(m.ctx, rec.ID, store.StatusEnded, time.Time{}); uerr != nil {
			log.Errorf("CALL [%s]: rollback after attach failure: %v", rec.ID, uerr)
		}
		return "", err
	}

	m.cur = ac
	m.state = StateCalling
	m.notice = ""
	m.lastErr = nil
	m.armWatchdog(ac)
	m.spawnMedia(ac)
	log.Infof("CALL [%s]: calling %s (conversation %s)", ac.callID, peerID, conversationID)
	// CreateCall publishes the record before attach subscribes and the feed
	// replays no backlog, so a transition landing in that window is lost.
	// Re-fetch and replay it.
	if cur, err := m.store.GetCall(m.ctx, ac.callID); err == nil && cur.Status != store.StatusCalling {
		m.handleRecordUpdate(*cur)
	}
	m.notify()
	return ac.callID, nil
}

func (m *Machine) handleIncoming(rec store.CallRecord) {
	switch {
	case m.state == StateIdle:
		// ring below
	case m.state == StateCalling && rec.ConversationID == m.cur.conversationID:
		// Glare: both sides dialed the same conversation at once. The peer
		// with the smaller id keeps its outbound attempt; the other yields
		// and takes the incoming call instead. Both sides agree without
		// talking because they compare the same pair of ids.
		if m.selfID < rec.CallerID {
			log.Infof("CALL [%s]: glare with %s, keeping our attempt", m.cur.callID, rec.CallerID)
			return
		}
		log.Infof("CALL [%s]: glare with %s, yielding to call %s", m.cur.callID, rec.CallerID, rec.ID)
		m.endCall(store.StatusEnded, "", nil)
	default:
		// Busy with something else entirely. The caller sees "missed".
		log.Infof("CALL [%s]: busy, marking incoming call from %s missed", rec.ID, rec.CallerID)
		if _, err := m.store.UpdateStatus(m.ctx, rec.ID, store.StatusMissed, time.Time{}); err != nil {
			log.Warnf("CALL [%s]: mark missed: %v", rec.ID, err)
		}
		return
	}

	ac := &activeCall{
		callID:         rec.ID,
		conversationID: rec.ConversationID,
		peerID:         rec.CallerID,
		outbound:       false,
	}
	if err := m.attach(ac); err != nil {
		log.Errorf("CALL [%s]: cannot take incoming call: %v", rec.ID, err)
		return
	}
	// Subscriptions replay no backlog; the caller may have cancelled between
	// the insert event and our subscribe. Re-check before ringing.
	if cur, err := m.store.GetCall(m.ctx, rec.ID); err == nil && !cur.Status.Active() {
		ac.sigCancel()
		ac.recCancel()
		log.Infof("CALL [%s]: already resolved, not ringing", rec.ID)
		return
	}
	m.cur = ac
	m.state = StateRinging
	m.notice = ""
	m.lastErr = nil
	m.armWatchdog(ac)
	log.Infof("CALL [%s]: ringing, %s is calling", ac.callID, ac.peerID)
	m.notify()
}

// attach subscribes ac to its signal and record feeds. The pump goroutines
// tag every event with the call id so the loop can discard strays.
func (m *Machine) attach(ac *activeCall) error {
	sigCh, sigCancel, err := m.ch.Subscribe(m.ctx, ac.callID, m.selfID)
	if err != nil {
		return fmt.Errorf("subscribe signals: %w", err)
	}
	recCh, recCancel, err := m.store.SubscribeCall(m.ctx, ac.callID)
	if err != nil {
		sigCancel()
		return fmt.Errorf("subscribe record updates: %w", err)
	}
	ac.sigCancel = sigCancel
	ac.recCancel = recCancel

	go func() {
		for msg := range sigCh {
			m.post(evSignal{msg: msg})
		}
	}()
	go func() {
		for rec := range recCh {
			m.post(evRecordUpdate{rec: rec})
		}
	}()
	return nil
}

func (m *Machine) armWatchdog(ac *activeCall) {
	callID := ac.callID
	ac.watchdog = time.AfterFunc(m.ringTimeout, func() {
		m.post(evWatchdog{callID: callID})
	})
}

// spawnMedia builds the capture pipeline off the loop and reports back.
func (m *Machine) spawnMedia(ac *activeCall) {
	callID := ac.callID
	go func() {
		s, err := m.newMedia(callID)
		if err != nil {
			m.post(evMediaFailed{callID: callID, err: err})
			return
		}
		if err := s.Open(); err != nil {
			s.Close()
			m.post(evMediaFailed{callID: callID, err: err})
			return
		}
		m.post(evMediaReady{callID: callID, session: s})
	}()
}

func (m *Machine) handleMediaReady(s MediaSession) {
	ac := m.cur
	ac.session = s
	ac.engine = negotiate.NewEngine(ac.callID, m.selfID, ac.peerID, s, m.ch)

	callID := ac.callID
	s.OnConnectionState(func(st media.ConnState) {
		m.post(evConnState{callID: callID, state: st})
	})

	if ac.wantMuted {
		if err := s.SetMuted(true); err != nil {
			log.Warnf("CALL [%s]: apply pending mute: %v", callID, err)
		}
	}

	m.maybeOffer()
	if m.cur != ac {
		return
	}

	// Flush signals that arrived while capture was still opening, in the
	// order they were received.
	pending := ac.pending
	ac.pending = nil
	for _, msg := range pending {
		if err := ac.engine.HandleMessage(m.ctx, msg); err != nil {
			log.Errorf("CALL [%s]: replay signal %s: %v", callID, msg.Type, err)
			m.failCall(err)
			return
		}
	}
}

func (m *Machine) handleMediaFailed(err error) {
	log.Errorf("CALL [%s]: media setup failed: %v", m.cur.callID, err)
	m.failCall(err)
}

// failCall tears the call down because the local media path is unusable.
// The record is marked ended so the peer's side resolves too.
func (m *Machine) failCall(err error) {
	m.lastErr = err
	m.endCall(store.StatusEnded, NoticeEnded, err)
}

func (m *Machine) handleSignal(msg *signal.Message) {
	ac := m.cur
	if ac.engine == nil {
		ac.pending = append(ac.pending, msg)
		return
	}
	if err := ac.engine.HandleMessage(m.ctx, msg); err != nil {
		log.Errorf("CALL [%s]: handle %s signal: %v", ac.callID, msg.Type, err)
		m.failCall(err)
	}
}

func (m *Machine) handleRecordUpdate(rec store.CallRecord) {
	switch rec.Status {
	case store.StatusAccepted:
		if m.state != StateCalling {
			return
		}
		m.connect()
	case store.StatusRejected:
		log.Infof("CALL [%s]: declined by %s", rec.ID, m.cur.peerID)
		m.endCall("", NoticeDeclined, nil)
	case store.StatusEnded:
		log.Infof("CALL [%s]: ended remotely", rec.ID)
		m.endCall("", NoticeEnded, nil)
	case store.StatusMissed:
		log.Infof("CALL [%s]: marked missed", rec.ID)
		m.endCall("", NoticeNoAnswer, nil)
	}
}

// connect moves the live call into the connected phase: watchdog off,
// duration ticker on.
func (m *Machine) connect() {
	ac := m.cur
	if ac.watchdog != nil {
		ac.watchdog.Stop()
		ac.watchdog = nil
	}
	ac.startedAt = m.now()
	ac.tickStop = make(chan struct{})
	callID := ac.callID
	stop := ac.tickStop
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				m.post(evTick{callID: callID})
			}
		}
	}()
	m.state = StateConnected
	log.Infof("CALL [%s]: connected to %s", ac.callID, ac.peerID)
	m.maybeOffer()
	m.notify()
}

// maybeOffer publishes the caller's offer once both preconditions hold:
// media is up and the peer has accepted. Offering earlier would race the
// peer's signal subscription, and the channel replays no backlog.
func (m *Machine) maybeOffer() {
	ac := m.cur
	if ac == nil || !ac.outbound || ac.offered || ac.engine == nil || m.state != StateConnected {
		return
	}
	ac.offered = true
	if err := ac.engine.StartOffer(m.ctx); err != nil {
		log.Errorf("CALL [%s]: start offer: %v", ac.callID, err)
		m.failCall(err)
	}
}

func (m *Machine) handleAccept() error {
	if m.state != StateRinging {
		return ErrNoCall
	}
	ac := m.cur
	if _, err := m.store.UpdateStatus(m.ctx, ac.callID, store.StatusAccepted, time.Time{}); err != nil {
		var bad *store.InvalidTransitionError
		if errors.As(err, &bad) {
			// The record went terminal under us, most likely a cancel that
			// has not reached our subscription yet. Resolve locally.
			m.endCall("", NoticeEnded, nil)
		}
		return fmt.Errorf("accept call: %w", err)
	}
	m.spawnMedia(ac)
	m.connect()
	return nil
}

func (m *Machine) handleReject() error {
	if m.state != StateRinging {
		return ErrNoCall
	}
	log.Infof("CALL [%s]: rejecting call from %s", m.cur.callID, m.cur.peerID)
	m.endCall(store.StatusRejected, "", nil)
	return nil
}

func (m *Machine) handleHangup() error {
	if m.state == StateIdle {
		return nil
	}
	log.Infof("CALL [%s]: hanging up", m.cur.callID)
	m.endCall(store.StatusEnded, "", nil)
	return nil
}

func (m *Machine) handleSetMuted(muted bool) error {
	if m.state == StateIdle {
		return ErrNoCall
	}
	ac := m.cur
	ac.wantMuted = muted
	if ac.session == nil {
		// Applied when media comes up.
		m.notify()
		return nil
	}
	if err := ac.session.SetMuted(muted); err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	m.notify()
	return nil
}

func (m *Machine) handleWatchdog() {
	if m.state != StateCalling && m.state != StateRinging {
		return
	}
	log.Infof("CALL [%s]: no answer after %s", m.cur.callID, m.ringTimeout)
	m.endCall(store.StatusMissed, NoticeNoAnswer, nil)
}

func (m *Machine) handleConnState(st media.ConnState) {
	switch st {
	case media.ConnStateFailed:
		// Keep the call up; the record still says accepted and the peer may
		// recover. Surface the failure so the UI can show it.
		log.Warnf("CALL [%s]: transport failed", m.cur.callID)
		m.lastErr = media.ErrConnectionFailed
		m.notify()
	case media.ConnStateDisconnected:
		log.Warnf("CALL [%s]: transport disconnected", m.cur.callID)
	case media.ConnStateConnected:
		if m.lastErr != nil {
			m.lastErr = nil
			m.notify()
		}
	}
}

// endCall tears down the live call and returns the machine to idle. An empty
// status means the record is already terminal (the update came from the peer).
// Teardown is ordered so nothing can fire after its resources are gone:
// timers first, subscriptions next, media last.
func (m *Machine) endCall(status store.Status, notice string, err error) {
	ac := m.cur
	if ac == nil {
		return
	}

	if ac.watchdog != nil {
		ac.watchdog.Stop()
		ac.watchdog = nil
	}
	if ac.tickStop != nil {
		close(ac.tickStop)
		ac.tickStop = nil
	}
	if ac.sigCancel != nil {
		ac.sigCancel()
	}
	if ac.recCancel != nil {
		ac.recCancel()
	}

	if status != "" {
		if _, uerr := m.store.UpdateStatus(context.WithoutCancel(m.ctx), ac.callID, status, time.Time{}); uerr != nil {
			var bad *store.InvalidTransitionError
			if !errors.As(uerr, &bad) {
				log.Warnf("CALL [%s]: final status %s: %v", ac.callID, status, uerr)
			}
		}
	}

	if ac.session != nil {
		// Close can block on device teardown; keep the loop responsive.
		s := ac.session
		go func() {
			if cerr := s.Close(); cerr != nil {
				log.Warnf("CALL [%s]: close media: %v", ac.callID, cerr)
			}
		}()
	}

	m.cur = nil
	m.state = StateIdle
	m.notice = notice
	if err != nil {
		m.lastErr = err
	}
	log.Infof("CALL [%s]: back to idle (%s)", ac.callID, notice)
	m.notify()
}

func (m *Machine) snapshot() Info {
	info := Info{State: m.state, Notice: m.notice, Err: m.lastErr}
	if ac := m.cur; ac != nil {
		info.CallID = ac.callID
		info.ConversationID = ac.conversationID
		info.PeerID = ac.peerID
		info.Outbound = ac.outbound
		info.Muted = ac.wantMuted
		if m.state == StateConnected {
			info.Duration = m.now().Sub(ac.startedAt)
		}
	}
	return info
}

// notify pushes a snapshot to every watcher, dropping for slow ones.
func (m *Machine) notify() {
	info := m.snapshot()
	m.watchMu.Lock()
	for _, ch := range m.watchers {
		select {
		case ch <- info:
		default:
		}
	}
	m.watchMu.Unlock()
}
