package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/peervoice/peervoice/signal"
)

// localTrack is the slice of a captured track the session manages. The
// platform capture layer returns concrete tracks satisfying this.
type localTrack interface {
	webrtc.TrackLocal
	OnEnded(func(error))
	Close() error
}

// Session is one call's media leg: the microphone capture, the peer
// connection, and the trickle-ICE machinery. Not safe for concurrent method
// calls except SetMuted, AddRemoteCandidate and Close, which the call engine
// may invoke from its event loop while a description exchange is in flight.
type Session struct {
	callID string
	cfg    Config

	capt *capturer
	pc   *webrtc.PeerConnection

	gate candidateGate

	mu     sync.Mutex
	tracks []localTrack
	local  webrtc.TrackLocal
	sender *webrtc.RTPSender
	muted  bool
	closed bool

	onLocalCandidate func(signal.ICECandidateInit)
	onRemoteTrack    func(*webrtc.TrackRemote)
	onConnState      func(ConnState)
}

// NewSession builds the peer connection for one call. Callbacks must be
// registered before Open or any description exchange.
func NewSession(callID string, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()

	capt, err := newCapturer()
	if err != nil {
		return nil, fmt.Errorf("init capturer: %w", err)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := capt.populate(mediaEngine); err != nil {
		return nil, fmt.Errorf("populate media engine: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           cfg.iceServers(),
		ICECandidatePoolSize: cfg.CandidatePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &Session{callID: callID, cfg: cfg, capt: capt, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		s.mu.Lock()
		fn := s.onLocalCandidate
		s.mu.Unlock()
		if fn != nil {
			fn(fromICEInit(c.ToJSON()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Infof("CALL [%s]: remote audio track (%s)", callID, track.Codec().MimeType)
		go s.readRemoteAudio(track)
		s.mu.Lock()
		fn := s.onRemoteTrack
		s.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		log.Debugf("CALL [%s]: ICE state %s", callID, st)
		var mapped ConnState
		switch st {
		case webrtc.ICEConnectionStateConnected:
			mapped = ConnStateConnected
		case webrtc.ICEConnectionStateDisconnected:
			mapped = ConnStateDisconnected
		case webrtc.ICEConnectionStateFailed:
			mapped = ConnStateFailed
		default:
			return
		}
		s.mu.Lock()
		fn := s.onConnState
		s.mu.Unlock()
		if fn != nil {
			fn(mapped)
		}
	})

	return s, nil
}

// OnLocalCandidate registers the trickle-ICE send hook.
func (s *Session) OnLocalCandidate(fn func(signal.ICECandidateInit)) {
	s.mu.Lock()
	s.onLocalCandidate = fn
	s.mu.Unlock()
}

// OnRemoteTrack registers the remote audio hook for the UI layer.
func (s *Session) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	s.mu.Lock()
	s.onRemoteTrack = fn
	s.mu.Unlock()
}

// OnConnectionState registers the ICE liveness hook.
func (s *Session) OnConnectionState(fn func(ConnState)) {
	s.mu.Lock()
	s.onConnState = fn
	s.mu.Unlock()
}

// Open captures the microphone and attaches the audio track to the peer
// connection. Fails with ErrPermissionDenied or ErrDeviceUnavailable.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	tracks, err := s.capt.open()
	if err != nil {
		return err
	}

	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("CALL [%s]: local track ended: %v", s.callID, err)
			}
		})
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			for _, t := range tracks {
				_ = t.Close()
			}
			return fmt.Errorf("add local track: %w", err)
		}
		go s.drainRTCP(sender)
		s.mu.Lock()
		s.tracks = append(s.tracks, track)
		s.local = track
		s.sender = sender
		s.mu.Unlock()
	}
	log.Infof("CALL [%s]: local audio captured (%d track)", s.callID, len(tracks))
	return nil
}

// CreateOffer produces the audio-only SDP offer and installs it as the local
// description, which also starts ICE gathering. It waits up to GatherDelay
// for initial candidates so the offer carries as many as possible; the rest
// trickle.
func (s *Session) CreateOffer() (signal.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(s.cfg.GatherDelay):
	}
	// Read back the installed description; it includes the candidates
	// gathered while waiting.
	local := s.pc.LocalDescription()
	return signal.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

// CreateAnswer produces the SDP answer to an installed remote offer.
func (s *Session) CreateAnswer() (signal.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	local := s.pc.LocalDescription()
	return signal.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

// SetRemoteDescription installs the peer's offer or answer and flushes any
// ICE candidates queued while no remote description was settled.
func (s *Session) SetRemoteDescription(sd signal.SessionDescription) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
	return s.gate.run(
		func() error { return s.pc.SetRemoteDescription(desc) },
		s.pc.AddICECandidate,
	)
}

// AddRemoteCandidate applies a trickled candidate, queueing it while the
// remote description is unset or mid-assignment.
func (s *Session) AddRemoteCandidate(c signal.ICECandidateInit) error {
	return s.gate.submit(toICEInit(c), s.pc.AddICECandidate)
}

// SetMuted disables or re-enables outbound audio without renegotiation by
// detaching the local track from its sender.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.sender == nil || s.muted == muted {
		s.muted = muted
		return nil
	}
	var err error
	if muted {
		err = s.sender.ReplaceTrack(nil)
	} else {
		err = s.sender.ReplaceTrack(s.local)
	}
	if err != nil {
		return fmt.Errorf("toggle mute: %w", err)
	}
	s.muted = muted
	log.Debugf("CALL [%s]: muted=%v", s.callID, muted)
	return nil
}

// Muted reports the outbound-audio state.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Close stops all local tracks, closes the peer connection, and clears the
// candidate queue. Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tracks := s.tracks
	s.tracks = nil
	s.local = nil
	s.sender = nil
	s.mu.Unlock()

	for _, t := range tracks {
		_ = t.Close()
	}
	s.gate.reset()
	err := s.pc.Close()
	log.Infof("CALL [%s]: media session closed", s.callID)
	if err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func fromICEInit(c webrtc.ICECandidateInit) signal.ICECandidateInit {
	return signal.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toICEInit(c signal.ICECandidateInit) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
