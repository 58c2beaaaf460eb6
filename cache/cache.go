// Package cache keeps the last reconciled book per market key across
// subscriber lifetimes.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recomma/booksync/book"
	"github.com/recomma/booksync/internal/clock"
)

const (
	DefaultStaleAfter    = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Record is an immutable snapshot. Callers must not modify the book or the
// open orders they receive.
type Record struct {
	Key        book.Key     `json:"key"`
	Book       *book.Book   `json:"book"`
	OpenOrders []book.Entry `json:"openOrders"`
	InsertedAt time.Time    `json:"insertedAt"`
}

type Kind int

const (
	KindUpdated Kind = iota + 1
	KindInvalidated
)

func (k Kind) String() string {
	switch k {
	case KindUpdated:
		return "updated"
	case KindInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Notification is emitted whenever a key's record is replaced or removed.
// Record is nil for invalidations.
type Notification struct {
	Key    book.Key
	Kind   Kind
	Record *Record
}

type Cache struct {
	mu      sync.RWMutex
	records map[book.Key]*Record

	topicsMu sync.Mutex
	topics   map[book.Key]*topic

	clock         clock.Clock
	staleAfter    time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
}

type Option func(*Cache)

func WithClock(c clock.Clock) Option {
	return func(cc *Cache) {
		if c != nil {
			cc.clock = c
		}
	}
}

// WithStaleAfter sets the age after which records are stale and swept.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		records:       make(map[book.Key]*Record),
		topics:        make(map[book.Key]*topic),
		clock:         clock.Real{},
		staleAfter:    DefaultStaleAfter,
		sweepInterval: DefaultSweepInterval,
		logger:        slog.Default().WithGroup("cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) StaleAfter() time.Duration { return c.staleAfter }

// Get returns the record for key, if any.
func (c *Cache) Get(key book.Key) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[key]
	return rec, ok
}

// Put replaces the record for key with a copy of b and openOrders stamped
// with the current time.
func (c *Cache) Put(key book.Key, b *book.Book, openOrders []book.Entry) *Record {
	if b == nil {
		b = &book.Book{Bids: []book.Entry{}, Asks: []book.Entry{}}
	}
	rec := &Record{
		Key:        key,
		Book:       b.Clone(),
		OpenOrders: cloneEntries(openOrders),
		InsertedAt: c.clock.Now(),
	}
	c.store(rec)
	return rec
}

// Restore installs a previously persisted record, keeping its InsertedAt.
// An existing newer record wins.
func (c *Cache) Restore(rec Record) bool {
	if rec.Book == nil {
		rec.Book = &book.Book{Bids: []book.Entry{}, Asks: []book.Entry{}}
	}
	c.mu.Lock()
	if cur, ok := c.records[rec.Key]; ok && !cur.InsertedAt.Before(rec.InsertedAt) {
		c.mu.Unlock()
		return false
	}
	cp := &Record{
		Key:        rec.Key,
		Book:       rec.Book.Clone(),
		OpenOrders: cloneEntries(rec.OpenOrders),
		InsertedAt: rec.InsertedAt,
	}
	c.records[rec.Key] = cp
	c.mu.Unlock()

	c.notify(Notification{Key: rec.Key, Kind: KindUpdated, Record: cp})
	return true
}

func (c *Cache) store(rec *Record) {
	c.mu.Lock()
	c.records[rec.Key] = rec
	c.mu.Unlock()

	c.logger.Debug("record stored",
		slog.String("key", rec.Key.String()),
		slog.Int("bids", len(rec.Book.Bids)),
		slog.Int("asks", len(rec.Book.Asks)),
	)
	c.notify(Notification{Key: rec.Key, Kind: KindUpdated, Record: rec})
}

// IsStale reports whether key is absent or older than maxAge. A non-positive
// maxAge uses the cache's stale threshold.
func (c *Cache) IsStale(key book.Key, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = c.staleAfter
	}
	age, ok := c.Age(key)
	if !ok {
		return true
	}
	return age > maxAge
}

// Age returns how long ago key's record was stored.
func (c *Cache) Age(key book.Key) (time.Duration, bool) {
	rec, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	return c.clock.Now().Sub(rec.InsertedAt), true
}

func (c *Cache) Invalidate(key book.Key) bool {
	c.mu.Lock()
	_, ok := c.records[key]
	delete(c.records, key)
	c.mu.Unlock()

	if ok {
		c.notify(Notification{Key: key, Kind: KindInvalidated})
	}
	return ok
}

// InvalidateAll removes every record and returns how many were dropped.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	keys := make([]book.Key, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	c.records = make(map[book.Key]*Record)
	c.mu.Unlock()

	for _, k := range keys {
		c.notify(Notification{Key: k, Kind: KindInvalidated})
	}
	return len(keys)
}

// Sweep drops records older than the stale threshold.
func (c *Cache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	var expired []book.Key
	for k, rec := range c.records {
		if now.Sub(rec.InsertedAt) > c.staleAfter {
			expired = append(expired, k)
			delete(c.records, k)
		}
	}
	c.mu.Unlock()

	for _, k := range expired {
		c.notify(Notification{Key: k, Kind: KindInvalidated})
	}
	if len(expired) > 0 {
		c.logger.Debug("swept expired records", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps every sweep interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	for {
		fired := make(chan struct{})
		t := c.clock.AfterFunc(c.sweepInterval, func() { close(fired) })
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-fired:
			c.Sweep()
		}
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

func (c *Cache) Keys() []book.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]book.Key, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	return keys
}

type topic struct {
	mu     sync.RWMutex
	subs   map[int64]chan Notification
	nextID int64
}

func (t *topic) add(ch chan Notification) int64 {
	id := atomic.AddInt64(&t.nextID, 1)
	t.mu.Lock()
	t.subs[id] = ch
	t.mu.Unlock()
	return id
}

func (t *topic) remove(id int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
	return len(t.subs)
}

func (t *topic) broadcast(n Notification) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- n:
		default:
			// Drop when subscriber backlog is full.
		}
	}
}

// Subscribe returns a channel of notifications for key. The channel is
// closed when ctx is done.
func (c *Cache) Subscribe(ctx context.Context, key book.Key) <-chan Notification {
	c.topicsMu.Lock()
	t, ok := c.topics[key]
	if !ok {
		t = &topic{subs: make(map[int64]chan Notification)}
		c.topics[key] = t
	}
	ch := make(chan Notification, 8)
	id := t.add(ch)
	c.topicsMu.Unlock()

	go func() {
		<-ctx.Done()
		c.topicsMu.Lock()
		if t.remove(id) == 0 && c.topics[key] == t {
			delete(c.topics, key)
		}
		c.topicsMu.Unlock()
		close(ch)
	}()

	return ch
}

func (c *Cache) notify(n Notification) {
	c.topicsMu.Lock()
	t, ok := c.topics[n.Key]
	c.topicsMu.Unlock()
	if ok {
		t.broadcast(n)
	}
}

func cloneEntries(in []book.Entry) []book.Entry {
	if in == nil {
		return nil
	}
	out := make([]book.Entry, len(in))
	copy(out, in)
	return out
}
