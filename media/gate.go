package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateGate serializes remote ICE candidate application against remote
// description application. Candidates can arrive before, during, or
// interleaved with SetRemoteDescription; applying them while no remote
// description is set (or while one is mid-assignment) drops or misorders
// them. The gate queues in those windows and flushes in receipt order once
// the description has settled.
type candidateGate struct {
	mu        sync.Mutex
	remoteSet bool
	applying  bool
	pending   []webrtc.ICECandidateInit
}

// submit applies c immediately when the remote description is settled,
// otherwise queues it. apply is invoked without the gate lock held.
func (g *candidateGate) submit(c webrtc.ICECandidateInit, apply func(webrtc.ICECandidateInit) error) error {
	g.mu.Lock()
	if !g.remoteSet || g.applying {
		g.pending = append(g.pending, c)
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	return apply(c)
}

// run executes setRemote under the gate, then flushes the queue in receipt
// order. Candidates arriving during the flush are queued behind the applying
// flag and drained by the same loop, so none can race past an earlier one.
func (g *candidateGate) run(setRemote func() error, apply func(webrtc.ICECandidateInit) error) error {
	g.mu.Lock()
	g.applying = true
	g.mu.Unlock()

	if err := setRemote(); err != nil {
		g.mu.Lock()
		g.applying = false
		g.mu.Unlock()
		return err
	}

	g.mu.Lock()
	g.remoteSet = true
	for len(g.pending) > 0 {
		batch := g.pending
		g.pending = nil
		g.mu.Unlock()
		for _, c := range batch {
			if err := apply(c); err != nil {
				// A bad queued candidate must not block the ones behind it.
				log.Warnf("apply queued ICE candidate: %v", err)
			}
		}
		g.mu.Lock()
	}
	g.applying = false
	g.mu.Unlock()
	return nil
}

// reset clears all gate state. Called on session close.
func (g *candidateGate) reset() {
	g.mu.Lock()
	g.remoteSet = false
	g.applying = false
	g.pending = nil
	g.mu.Unlock()
}
