package market

import (
	"sync"

	"github.com/recomma/booksync/book"
	"github.com/recomma/booksync/orchestrator"
)

// View is one consumer's handle on a shared subscription.
type View struct {
	svc     *Service
	updates chan Result

	mu          sync.Mutex
	sub         *subscription
	unsubscribe func()
	closed      bool
}

func (v *View) bind(sub *subscription) {
	v.sub = sub
	key := sub.key
	v.unsubscribe = sub.orch.Subscribe(func(st orchestrator.State) {
		v.push(v.svc.result(key, st))
	})
}

// push delivers r, discarding the oldest pending update when the consumer
// lags behind.
func (v *View) push(r Result) {
	for {
		select {
		case v.updates <- r:
			return
		default:
		}
		select {
		case <-v.updates:
		default:
		}
	}
}

// Key returns the key the view currently follows.
func (v *View) Key() book.Key {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sub.key
}

// Result returns the current result without blocking.
func (v *View) Result() Result {
	v.mu.Lock()
	sub := v.sub
	v.mu.Unlock()
	return v.svc.result(sub.key, sub.orch.State())
}

// Updates delivers a Result after every change. It is closed by Close.
func (v *View) Updates() <-chan Result { return v.updates }

// Refresh asks the shared subscription to fetch again.
func (v *View) Refresh() {
	v.mu.Lock()
	sub := v.sub
	closed := v.closed
	v.mu.Unlock()
	if !closed {
		sub.orch.Refresh()
	}
}

// Switch moves the view to another key. Data for the old key is no longer
// reported; the old subscription stops when no other view holds it.
func (v *View) Switch(key book.Key) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.sub.key == key {
		return nil
	}
	next, err := v.svc.acquire(key)
	if err != nil {
		return err
	}
	v.unsubscribe()
	v.svc.release(v.sub)
	v.bind(next)
	v.push(v.svc.result(key, next.orch.State()))
	return nil
}

// Close releases the view. The last view on a key stops its subscription;
// the cached data stays.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.unsubscribe()
	sub := v.sub
	v.mu.Unlock()

	v.svc.release(sub)
	close(v.updates)
}
