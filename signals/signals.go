// Package signals is an in-process broadcast bus for named refresh events.
package signals

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Name identifies a broadcast signal.
type Name string

const (
	// BalanceRefresh asks balance readers to drop memoized values.
	BalanceRefresh Name = "balance-refresh"
	// OrderbookRefresh asks every active book subscription to refetch.
	OrderbookRefresh Name = "orderbook-refresh"
)

// Known reports whether n is one of the signals the service listens for.
func Known(n Name) bool {
	return n == BalanceRefresh || n == OrderbookRefresh
}

type Signal struct {
	Name Name
	At   time.Time
}

type subscriber struct {
	ch    chan Signal
	names map[Name]struct{}
}

func (s *subscriber) wants(n Name) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[n]
	return ok
}

// Bus fans signals out to subscribers. Publish never blocks; a subscriber
// with a full backlog misses the signal.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[int64]*subscriber),
		now:    time.Now,
		logger: slog.Default().WithGroup("signals"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers name to every interested subscriber and returns how many
// received it.
func (b *Bus) Publish(name Name) int {
	sig := Signal{Name: name, At: b.now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if !sub.wants(name) {
			continue
		}
		select {
		case sub.ch <- sig:
			delivered++
		default:
			// Drop when subscriber backlog is full.
		}
	}
	b.logger.Debug("signal published", slog.String("signal", string(name)), slog.Int("delivered", delivered))
	return delivered
}

// Subscribe returns a channel receiving the named signals, or all signals
// when names is empty. The channel is closed once ctx is done.
func (b *Bus) Subscribe(ctx context.Context, names ...Name) <-chan Signal {
	sub := &subscriber{ch: make(chan Signal, 8)}
	if len(names) > 0 {
		sub.names = make(map[Name]struct{}, len(names))
		for _, n := range names {
			sub.names[n] = struct{}{}
		}
	}

	id := atomic.AddInt64(&b.nextID, 1)
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

// Listen calls fn for every matching signal until ctx is done.
func (b *Bus) Listen(ctx context.Context, fn func(Signal), names ...Name) {
	for sig := range b.Subscribe(ctx, names...) {
		fn(sig)
	}
}
