package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	ma "github.com/multiformats/go-multiaddr"
)

const pubsubTopicPrefix = "voice/call/"

// NewPubSubHost starts a libp2p host listening on the given TCP port
// (0 picks a free port) and attaches a gossipsub router to it. Peer discovery
// and connection bootstrap are the embedding application's concern.
func NewPubSubHost(ctx context.Context, listenPort int) (host.Host, *pubsub.PubSub, error) {
	addr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)
	if _, err := ma.NewMultiaddr(addr); err != nil {
		return nil, nil, fmt.Errorf("listen addr %q: %w", addr, err)
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(addr))
	if err != nil {
		return nil, nil, fmt.Errorf("create libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, nil, fmt.Errorf("create gossipsub: %w", err)
	}
	return h, ps, nil
}

// PubSubChannel carries signaling over libp2p gossipsub, one topic per call.
// Both peers join "voice/call/{callID}"; receivers filter on ReceiverID, so a
// peer never processes its own publishes or messages addressed to the other
// side.
type PubSubChannel struct {
	ps *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	refs   map[string]int
}

// NewPubSubChannel wraps an existing gossipsub instance.
func NewPubSubChannel(ps *pubsub.PubSub) *PubSubChannel {
	return &PubSubChannel{
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
		refs:   make(map[string]int),
	}
}

// joinTopic returns the (possibly cached) topic handle for callID and bumps
// its refcount. pubsub only allows one Join per topic per host.
func (c *PubSubChannel) joinTopic(callID string) (*pubsub.Topic, error) {
	name := pubsubTopicPrefix + callID
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.topics[name]; ok {
		c.refs[name]++
		return t, nil
	}
	t, err := c.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	c.topics[name] = t
	c.refs[name] = 1
	return t, nil
}

func (c *PubSubChannel) releaseTopic(callID string) {
	name := pubsubTopicPrefix + callID
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs[name] == 0 {
		return
	}
	c.refs[name]--
	if c.refs[name] == 0 {
		if t, ok := c.topics[name]; ok {
			_ = t.Close()
			delete(c.topics, name)
		}
		delete(c.refs, name)
	}
}

// Send publishes m on the call's topic. Publish hands the message to the
// gossipsub router before returning, satisfying the durably-queued rule.
func (c *PubSubChannel) Send(ctx context.Context, m *Message) error {
	t, err := c.joinTopic(m.CallID)
	if err != nil {
		return err
	}
	defer c.releaseTopic(m.CallID)

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Subscribe attaches to the call topic and delivers messages addressed to
// userID.
func (c *PubSubChannel) Subscribe(ctx context.Context, callID, userID string) (<-chan *Message, func(), error) {
	t, err := c.joinTopic(callID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		c.releaseTopic(callID)
		return nil, nil, fmt.Errorf("subscribe topic %s: %w", callID, err)
	}

	subCtx, stop := context.WithCancel(ctx)
	out := make(chan *Message, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			raw, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			var m Message
			if err := json.Unmarshal(raw.Data, &m); err != nil {
				log.Warnf("signal on call %s: dropping malformed payload: %v", callID, err)
				continue
			}
			if m.ReceiverID != userID {
				continue
			}
			select {
			case out <- &m:
			case <-subCtx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			sub.Cancel()
			c.releaseTopic(callID)
		})
	}
	return out, cancel, nil
}
