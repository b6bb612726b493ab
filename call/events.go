package call

import (
	"github.com/peervoice/peervoice/media"
	"github.com/peervoice/peervoice/signal"
	"github.com/peervoice/peervoice/store"
)

// event is anything the loop consumes. Requests carry a reply channel the
// loop must always answer; async events carry the call id they belong to so
// stale ones can be discarded after the call they came from is gone.
type event interface{ isEvent() }

type startResult struct {
	callID string
	err    error
}

type reqStart struct {
	conversationID string
	peerID         string
	reply          chan startResult
}

type reqAccept struct{ reply chan error }
type reqReject struct{ reply chan error }
type reqHangup struct{ reply chan error }

type reqSetMuted struct {
	muted bool
	reply chan error
}

type reqInfo struct{ reply chan Info }

// evIncoming: a new record naming us as receiver appeared in the store.
type evIncoming struct{ rec store.CallRecord }

// evRecordUpdate: the current call's record changed status.
type evRecordUpdate struct{ rec store.CallRecord }

// evSignal: an inbound signaling message for the current call.
type evSignal struct{ msg *signal.Message }

// evWatchdog: the no-answer timer for callID fired.
type evWatchdog struct{ callID string }

// evTick: one second of connected time elapsed for callID.
type evTick struct{ callID string }

// evConnState: the media transport for callID changed ICE state.
type evConnState struct {
	callID string
	state  media.ConnState
}

// evMediaReady: async media setup for callID finished.
type evMediaReady struct {
	callID  string
	session MediaSession
}

// evMediaFailed: async media setup for callID failed.
type evMediaFailed struct {
	callID string
	err    error
}

func (reqStart) isEvent()       {}
func (reqAccept) isEvent()      {}
func (reqReject) isEvent()      {}
func (reqHangup) isEvent()      {}
func (reqSetMuted) isEvent()    {}
func (reqInfo) isEvent()        {}
func (evIncoming) isEvent()     {}
func (evRecordUpdate) isEvent() {}
func (evSignal) isEvent()       {}
func (evWatchdog) isEvent()     {}
func (evTick) isEvent()         {}
func (evConnState) isEvent()    {}
func (evMediaReady) isEvent()   {}
func (evMediaFailed) isEvent()  {}
