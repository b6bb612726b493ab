// Package negotiate drives the WebRTC offer/answer exchange for a single
// call over a signal.Channel. It owns no state machine of its own: the call
// layer decides when to offer and feeds it every inbound message; the engine
// translates between signaling payloads and the media session.
package negotiate

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/peervoice/peervoice/signal"
)

var log = logging.Logger("voice:negotiate")

// Media is the slice of the media session the engine drives. media.Session
// satisfies it; tests substitute fakes.
type Media interface {
	CreateOffer() (signal.SessionDescription, error)
	CreateAnswer() (signal.SessionDescription, error)
	SetRemoteDescription(signal.SessionDescription) error
	AddRemoteCandidate(signal.ICECandidateInit) error
	OnLocalCandidate(fn func(signal.ICECandidateInit))
}

// Engine runs one side of a single call's negotiation. Not safe for
// concurrent use except where noted; the call layer serializes calls into it.
type Engine struct {
	callID string
	selfID string
	peerID string

	media Media
	ch    signal.Channel

	hookOnce sync.Once
}

func NewEngine(callID, selfID, peerID string, media Media, ch signal.Channel) *Engine {
	return &Engine{callID: callID, selfID: selfID, peerID: peerID, media: media, ch: ch}
}

// hookCandidates arranges for locally gathered ICE candidates to be published
// as they trickle in. Installed once; the hook outlives ctx only long enough
// for in-flight sends to fail and be logged.
func (e *Engine) hookCandidates(ctx context.Context) {
	e.hookOnce.Do(func() {
		e.media.OnLocalCandidate(func(c signal.ICECandidateInit) {
			m, err := signal.NewMessage(e.callID, e.selfID, e.peerID, signal.TypeICECandidate, c)
			if err != nil {
				log.Errorf("CALL [%s]: encode local candidate: %v", e.callID, err)
				return
			}
			if err := e.ch.Send(ctx, m); err != nil {
				log.Warnf("CALL [%s]: send local candidate: %v", e.callID, err)
			}
		})
	})
}

// StartOffer creates the local offer and publishes it. Candidates trickle
// separately as ice-candidate messages from the moment this is called.
func (e *Engine) StartOffer(ctx context.Context) error {
	e.hookCandidates(ctx)

	sd, err := e.media.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	m, err := signal.NewMessage(e.callID, e.selfID, e.peerID, signal.TypeOffer, sd)
	if err != nil {
		return err
	}
	if err := e.ch.Send(ctx, m); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	log.Infof("CALL [%s]: offer sent to %s", e.callID, e.peerID)
	return nil
}

// HandleMessage dispatches one inbound signaling message. Malformed payloads
// are logged and dropped; one bad message must not kill the call. Errors are
// returned only for failures that make further negotiation pointless.
func (e *Engine) HandleMessage(ctx context.Context, m *signal.Message) error {
	if m.CallID != e.callID {
		log.Debugf("CALL [%s]: ignoring signal for call %s", e.callID, m.CallID)
		return nil
	}
	if m.SenderID == e.selfID {
		return nil
	}

	switch m.Type {
	case signal.TypeOffer:
		return e.handleOffer(ctx, m)
	case signal.TypeAnswer:
		return e.handleAnswer(m)
	case signal.TypeICECandidate:
		c, err := m.CandidateInit()
		if err != nil {
			log.Warnf("CALL [%s]: dropping bad candidate from %s: %v", e.callID, m.SenderID, err)
			return nil
		}
		if err := e.media.AddRemoteCandidate(c); err != nil {
			log.Warnf("CALL [%s]: dropping unusable candidate from %s: %v", e.callID, m.SenderID, err)
		}
		return nil
	default:
		log.Warnf("CALL [%s]: unknown signal type %q from %s", e.callID, m.Type, m.SenderID)
		return nil
	}
}

func (e *Engine) handleOffer(ctx context.Context, m *signal.Message) error {
	sd, err := m.Description()
	if err != nil {
		log.Warnf("CALL [%s]: dropping bad offer from %s: %v", e.callID, m.SenderID, err)
		return nil
	}
	e.hookCandidates(ctx)

	if err := e.media.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("apply remote offer: %w", err)
	}
	answer, err := e.media.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	reply, err := signal.NewMessage(e.callID, e.selfID, m.SenderID, signal.TypeAnswer, answer)
	if err != nil {
		return err
	}
	if err := e.ch.Send(ctx, reply); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	log.Infof("CALL [%s]: answered offer from %s", e.callID, m.SenderID)
	return nil
}

func (e *Engine) handleAnswer(m *signal.Message) error {
	sd, err := m.Description()
	if err != nil {
		log.Warnf("CALL [%s]: dropping bad answer from %s: %v", e.callID, m.SenderID, err)
		return nil
	}
	if err := e.media.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	log.Infof("CALL [%s]: answer applied from %s", e.callID, m.SenderID)
	return nil
}
