package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisChannel carries signaling over Redis pub/sub. One topic per
// (call, receiver) pair keeps delivery scoped and preserves publish order for
// a given sender on a given call (a Channel requirement Redis pub/sub gives us
// for free when each sender publishes from one connection).
//
// Redis pub/sub has no backlog: subscribers only see messages published after
// they attach, which matches the Channel contract.
type RedisChannel struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisChannel wraps an existing client. prefix namespaces topics so
// multiple deployments can share one Redis; empty means "voice".
func NewRedisChannel(rdb *redis.Client, prefix string) *RedisChannel {
	if prefix == "" {
		prefix = "voice"
	}
	return &RedisChannel{rdb: rdb, prefix: prefix}
}

func (c *RedisChannel) topic(callID, userID string) string {
	return fmt.Sprintf("%s:signals:%s:%s", c.prefix, callID, userID)
}

// Send publishes m to its (call, receiver) topic. Publish returns once Redis
// has accepted the message, which satisfies the durably-queued requirement.
func (c *RedisChannel) Send(ctx context.Context, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.topic(m.CallID, m.ReceiverID), data).Err(); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Subscribe attaches to the (callID, userID) topic.
func (c *RedisChannel) Subscribe(ctx context.Context, callID, userID string) (<-chan *Message, func(), error) {
	ps := c.rdb.Subscribe(ctx, c.topic(callID, userID))
	// Wait for the subscription to be confirmed so the caller can rely on
	// "messages sent after Subscribe returns are seen".
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", c.topic(callID, userID), err)
	}

	out := make(chan *Message, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		src := ps.Channel()
		for {
			select {
			case <-done:
				return
			case raw, ok := <-src:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(raw.Payload), &m); err != nil {
					log.Warnf("signal on %s: dropping malformed payload: %v", raw.Channel, err)
					continue
				}
				select {
				case out <- &m:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}
