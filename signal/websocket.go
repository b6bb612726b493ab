package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WebsocketChannel speaks to a dedicated signaling server over one websocket
// per call. The server is expected to relay JSON-encoded Message frames
// between the two peers attached to the same call (room), the shape a
// standard rooms-based signaling server exposes.
//
// A relay connection is per (call, self), dialed lazily on first Send or
// Subscribe and closed when the last subscription for the call is cancelled.
type WebsocketChannel struct {
	baseURL string // e.g. wss://signal.example.org/ws
	selfID  string
	dialer  *websocket.Dialer

	mu    sync.Mutex
	conns map[string]*wsConn // callID -> conn
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	listeners []chan *Message
	closed    bool
}

// NewWebsocketChannel creates a channel dialing baseURL for each call.
func NewWebsocketChannel(baseURL, selfID string) *WebsocketChannel {
	return &WebsocketChannel{
		baseURL: baseURL,
		selfID:  selfID,
		dialer:  websocket.DefaultDialer,
		conns:   make(map[string]*wsConn),
	}
}

func (c *WebsocketChannel) endpoint(callID string) string {
	return fmt.Sprintf("%s/%s?peer=%s", c.baseURL, url.PathEscape(callID), url.QueryEscape(c.selfID))
}

// ensureConn returns the relay connection for callID, dialing if needed.
func (c *WebsocketChannel) ensureConn(ctx context.Context, callID string) (*wsConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wc, ok := c.conns[callID]; ok {
		return wc, nil
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint(callID), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signaling relay (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial signaling relay: %w", err)
	}

	wc := &wsConn{conn: conn}
	c.conns[callID] = wc
	go c.readLoop(callID, wc)
	go c.pingLoop(wc)
	return wc, nil
}

// Send writes m as a JSON frame on the call's relay connection. WriteJSON
// returns after the frame is flushed to the server, which then owns delivery.
func (c *WebsocketChannel) Send(ctx context.Context, m *Message) error {
	wc, err := c.ensureConn(ctx, m.CallID)
	if err != nil {
		return err
	}
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	_ = wc.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := wc.conn.WriteJSON(m); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	return nil
}

// Subscribe delivers relayed messages addressed to userID on callID.
func (c *WebsocketChannel) Subscribe(ctx context.Context, callID, userID string) (<-chan *Message, func(), error) {
	wc, err := c.ensureConn(ctx, callID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *Message, subscriberBuffer)
	wc.mu.Lock()
	if wc.closed {
		wc.mu.Unlock()
		return nil, nil, fmt.Errorf("signaling relay for call %s is closed", callID)
	}
	wc.listeners = append(wc.listeners, ch)
	wc.mu.Unlock()

	// The relay already scopes frames to this call; filter on receiver only.
	out := make(chan *Message, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				if m.ReceiverID != userID || m.SenderID == userID {
					continue
				}
				select {
				case out <- m:
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
			c.detach(callID, wc, ch)
		})
	}
	return out, cancel, nil
}

// detach removes a listener; the relay connection is closed when the last
// listener for the call goes away.
func (c *WebsocketChannel) detach(callID string, wc *wsConn, ch chan *Message) {
	wc.mu.Lock()
	for i, it := range wc.listeners {
		if it == ch {
			wc.listeners = append(wc.listeners[:i], wc.listeners[i+1:]...)
			break
		}
	}
	empty := len(wc.listeners) == 0
	wc.mu.Unlock()

	if empty {
		c.mu.Lock()
		if c.conns[callID] == wc {
			delete(c.conns, callID)
		}
		c.mu.Unlock()
		wc.close()
	}
}

// Close tears down all relay connections.
func (c *WebsocketChannel) Close() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*wsConn)
	c.mu.Unlock()
	for _, wc := range conns {
		wc.close()
	}
}

func (wc *wsConn) close() {
	wc.mu.Lock()
	if wc.closed {
		wc.mu.Unlock()
		return
	}
	wc.closed = true
	listeners := wc.listeners
	wc.listeners = nil
	wc.mu.Unlock()

	for _, ch := range listeners {
		close(ch)
	}
	_ = wc.conn.Close()
}

func (c *WebsocketChannel) readLoop(callID string, wc *wsConn) {
	defer wc.close()
	for {
		var m Message
		if err := wc.conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("signaling relay for call %s dropped: %v", callID, err)
			}
			return
		}
		wc.mu.Lock()
		for _, ch := range wc.listeners {
			select {
			case ch <- &m:
			default:
				// Relay frames also arrive for the other peer and are
				// filtered downstream; a full listener is a stuck consumer.
				log.Warnf("signal listener for call %s is not draining, dropping frame", callID)
			}
		}
		wc.mu.Unlock()
	}
}

func (c *WebsocketChannel) pingLoop(wc *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		wc.mu.Lock()
		closed := wc.closed
		wc.mu.Unlock()
		if closed {
			return
		}
		wc.writeMu.Lock()
		_ = wc.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err := wc.conn.WriteMessage(websocket.PingMessage, nil)
		wc.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
