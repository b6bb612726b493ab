// Package media owns the native WebRTC leg of a call: microphone capture,
// the peer connection, trickle-ICE plumbing, and the remote audio track.
// It imports only Pion libraries and stdlib; coupling to the rest of the
// engine is via the signal payload types and callbacks.
package media

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("voice:media")

// DefaultSTUNServers is the default public STUN pool. There is no guarantee
// these stay usable; deployments should configure their own.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// TURNServer is an optional relay, supplied by the hosting application.
type TURNServer struct {
	URL        string
	Username   string
	Credential string
}

// Config carries everything a Session needs to build its peer connection.
type Config struct {
	// STUNServers is the ICE server pool; empty means DefaultSTUNServers.
	STUNServers []string

	// TURN is the optional relay. Nil disables relay.
	TURN *TURNServer

	// CandidatePoolSize pre-gathers ICE candidates to cut setup latency.
	CandidatePoolSize uint8

	// GatherDelay bounds how long CreateOffer waits for initial candidate
	// gathering before returning the offer. Trickle ICE delivers whatever
	// arrives later.
	GatherDelay time.Duration

	// ICE liveness tuning. The pion defaults declare `disconnected` after
	// 5s, too aggressive for relay paths with short outages during
	// re-keying or failover. Zero values pick the generous defaults below.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

const (
	defaultCandidatePool       = uint8(2)
	defaultGatherDelay         = time.Second
	defaultDisconnectedTimeout = 30 * time.Second
	defaultFailedTimeout       = 120 * time.Second
	defaultKeepAliveInterval   = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if len(c.STUNServers) == 0 {
		c.STUNServers = DefaultSTUNServers
	}
	if c.CandidatePoolSize == 0 {
		c.CandidatePoolSize = defaultCandidatePool
	}
	if c.GatherDelay == 0 {
		c.GatherDelay = defaultGatherDelay
	}
	if c.DisconnectedTimeout == 0 {
		c.DisconnectedTimeout = defaultDisconnectedTimeout
	}
	if c.FailedTimeout == 0 {
		c.FailedTimeout = defaultFailedTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	return c
}

// iceServers converts the config into pion's ICE server list.
func (c Config) iceServers() []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: append([]string(nil), c.STUNServers...)}}
	if c.TURN != nil && c.TURN.URL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURN.URL},
			Username:   c.TURN.Username,
			Credential: c.TURN.Credential,
		})
	}
	return servers
}

// ConnState is the subset of ICE connection states the call layer reacts to.
type ConnState string

const (
	ConnStateConnected    ConnState = "connected"
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateFailed       ConnState = "failed"
)
