package store

import "sync"

// fanout is the subscription registry shared by the store backends: keyed
// listener lists for the incoming feed (key = user id) and the per-call feed
// (key = call id).
//
// Sends happen under the mutex and are non-blocking, so cancelling never
// races a close against a send, and a stalled subscriber can not stall the
// store. Dropped updates are recovered by re-fetching, which the Store
// contract requires of subscribers anyway.
type fanout struct {
	mu        sync.Mutex
	listeners map[string][]chan CallRecord
}

func newFanout() *fanout {
	return &fanout{listeners: make(map[string][]chan CallRecord)}
}

func (f *fanout) subscribe(key string) (<-chan CallRecord, func()) {
	ch := make(chan CallRecord, 16)
	f.mu.Lock()
	f.listeners[key] = append(f.listeners[key], ch)
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			list := f.listeners[key]
			for i, it := range list {
				if it == ch {
					f.listeners[key] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(f.listeners[key]) == 0 {
				delete(f.listeners, key)
			}
			close(ch)
			f.mu.Unlock()
		})
	}
	return ch, cancel
}

func (f *fanout) publish(key string, rec CallRecord) {
	f.mu.Lock()
	for _, ch := range f.listeners[key] {
		select {
		case ch <- rec:
		default:
			log.Warnf("call %s: subscriber not draining, dropping update (%s)", rec.ID, rec.Status)
		}
	}
	f.mu.Unlock()
}
