// Package market gives any number of consumers a shared, immediately
// available view of a market's book.
package market

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/recomma/booksync/book"
	"github.com/recomma/booksync/cache"
	"github.com/recomma/booksync/internal/clock"
	"github.com/recomma/booksync/orchestrator"
	"github.com/recomma/booksync/signals"
	"github.com/recomma/booksync/stream"
)

const (
	defaultPersistTimeout    = 5 * time.Second
	defaultRevalidateTimeout = time.Minute
)

var ErrClosed = errors.New("market service closed")

// SnapshotStore persists cache records across restarts.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, rec cache.Record) error
	LoadSnapshots(ctx context.Context) ([]cache.Record, error)
	DeleteSnapshot(ctx context.Context, key book.Key) error
}

// Result is the uniform shape handed to consumers.
type Result struct {
	Key            book.Key
	Phase          orchestrator.Phase
	Book           *book.Book
	OpenOrders     []book.Entry
	Loading        bool
	InitialLoading bool
	Err            error
	LastUpdate     time.Time
	// Stale is set when the data shown is older than the stale threshold.
	Stale bool
}

type Service struct {
	cache    *cache.Cache
	source   stream.Source
	decimals orchestrator.DecimalsResolver

	store             SnapshotStore
	clock             clock.Clock
	logger            *slog.Logger
	orchOpts          []orchestrator.Option
	persistTimeout    time.Duration
	revalidateTimeout time.Duration

	mu     sync.Mutex
	subs   map[book.Key]*subscription
	closed bool

	// publishing tracks write-throughs so Close returns only after the
	// last one has reached the store.
	publishing sync.WaitGroup
}

type subscription struct {
	key  book.Key
	orch *orchestrator.Orchestrator
	refs int
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStore enables write-through persistence of every published book.
func WithStore(store SnapshotStore) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithOrchestratorOptions applies opts to every orchestrator the service
// creates.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(s *Service) {
		s.orchOpts = append(s.orchOpts, opts...)
	}
}

func WithRevalidateTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.revalidateTimeout = d
		}
	}
}

func New(c *cache.Cache, source stream.Source, resolver orchestrator.DecimalsResolver, opts ...Option) *Service {
	s := &Service{
		cache:             c,
		source:            source,
		decimals:          resolver,
		clock:             clock.Real{},
		logger:            slog.Default().WithGroup("market"),
		persistTimeout:    defaultPersistTimeout,
		revalidateTimeout: defaultRevalidateTimeout,
		subs:              make(map[book.Key]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns a view on key. Fresh cached data is served without fetching;
// stale data is served while a refetch runs in the background; without data
// a fetch starts. Every view on the same key shares one subscription.
func (s *Service) Open(key book.Key) (*View, error) {
	sub, err := s.acquire(key)
	if err != nil {
		return nil, err
	}
	v := &View{
		svc:     s,
		updates: make(chan Result, 16),
	}
	v.bind(sub)
	return v, nil
}

func (s *Service) acquire(key book.Key) (*subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if sub, ok := s.subs[key]; ok {
		sub.refs++
		return sub, nil
	}

	opts := append([]orchestrator.Option{
		orchestrator.WithClock(s.clock),
		orchestrator.WithPublisher(s.writeThrough),
	}, s.orchOpts...)
	sub := &subscription{
		key:  key,
		orch: orchestrator.New(s.source, s.decimals, opts...),
		refs: 1,
	}
	s.subs[key] = sub

	staleAfter := s.cache.StaleAfter()
	if rec, ok := s.cache.Get(key); ok {
		age := s.clock.Now().Sub(rec.InsertedAt)
		revalidate := staleAfter - age
		if revalidate <= 0 {
			s.logger.Debug("serving stale record while revalidating", slog.String("key", key.String()), slog.Duration("age", age))
		}
		sub.orch.Seed(key, rec.Book, rec.OpenOrders, rec.InsertedAt, revalidate)
	} else {
		sub.orch.Start(key)
	}
	return sub, nil
}

func (s *Service) release(sub *subscription) {
	s.mu.Lock()
	sub.refs--
	last := sub.refs == 0
	if last && s.subs[sub.key] == sub {
		delete(s.subs, sub.key)
	}
	s.mu.Unlock()

	if last {
		sub.orch.Stop()
		s.logger.Debug("subscription released", slog.String("key", sub.key.String()))
	}
}

// Get returns the current result for key. A fresh or stale record is
// returned at once, the latter triggering a background revalidation. With
// nothing cached Get waits for the first load to finish or ctx to end.
func (s *Service) Get(ctx context.Context, key book.Key) (Result, error) {
	s.mu.Lock()
	sub, active := s.subs[key]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Result{}, ErrClosed
	}
	if active {
		return s.result(key, sub.orch.State()), nil
	}

	if rec, ok := s.cache.Get(key); ok {
		stale := s.cache.IsStale(key, 0)
		if stale {
			s.revalidate(key)
		}
		return recordResult(rec, stale), nil
	}

	v, err := s.Open(key)
	if err != nil {
		return Result{}, err
	}
	defer v.Close()

	res := v.Result()
	for res.InitialLoading {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case r, ok := <-v.Updates():
			if !ok {
				return res, ErrClosed
			}
			res = r
		}
	}
	return res, nil
}

// revalidate holds a subscription open until its next attempt completes.
func (s *Service) revalidate(key book.Key) {
	v, err := s.Open(key)
	if err != nil {
		return
	}
	go func() {
		defer v.Close()
		timeout := time.NewTimer(s.revalidateTimeout)
		defer timeout.Stop()
		if r := v.Result(); r.Phase == orchestrator.PhaseFailed || (r.Phase == orchestrator.PhaseSettled && r.Key == key && !r.Loading && !r.Stale) {
			return
		}
		for {
			select {
			case r, ok := <-v.Updates():
				if !ok {
					return
				}
				if !r.Loading && (r.Phase == orchestrator.PhaseSettled || r.Phase == orchestrator.PhaseFailed) {
					return
				}
			case <-timeout.C:
				s.logger.Warn("revalidation timed out", slog.String("key", key.String()))
				return
			}
		}
	}()
}

// Invalidate drops the cached and persisted record for key.
func (s *Service) Invalidate(ctx context.Context, key book.Key) bool {
	removed := s.cache.Invalidate(key)
	if s.store != nil {
		if err := s.store.DeleteSnapshot(ctx, key); err != nil {
			s.logger.Warn("could not delete snapshot", slog.String("key", key.String()), slog.String("error", err.Error()))
		}
	}
	return removed
}

// RefreshAll refreshes every active subscription.
func (s *Service) RefreshAll() int {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.orch.Refresh()
	}
	return len(subs)
}

// Active lists the keys with at least one open view.
func (s *Service) Active() []book.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]book.Key, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	return keys
}

// ListenForRefresh treats every orderbook-refresh signal as a manual refresh
// of all active subscriptions. It returns when ctx is done.
func (s *Service) ListenForRefresh(ctx context.Context, bus *signals.Bus) {
	bus.Listen(ctx, func(sig signals.Signal) {
		n := s.RefreshAll()
		s.logger.Debug("refresh signal handled", slog.String("signal", string(sig.Name)), slog.Int("subscriptions", n))
	}, signals.OrderbookRefresh)
}

// Warm restores persisted snapshots into the cache. Restored records keep
// their original age, so old ones are revalidated on first use.
func (s *Service) Warm(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	recs, err := s.store.LoadSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, rec := range recs {
		if s.cache.Restore(rec) {
			restored++
		}
	}
	s.logger.Info("cache warmed", slog.Int("restored", restored), slog.Int("persisted", len(recs)))
	return restored, nil
}

// Close stops every subscription, waits for write-throughs still in
// flight and empties the cache. Publishes arriving afterwards are dropped.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[book.Key]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.orch.Stop()
	}
	s.publishing.Wait()
	s.cache.InvalidateAll()
}

func (s *Service) writeThrough(key book.Key, b *book.Book, openOrders []book.Entry) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("dropping publish after close", slog.String("key", key.String()))
		return
	}
	s.publishing.Add(1)
	s.mu.Unlock()
	defer s.publishing.Done()

	rec := s.cache.Put(key, b, openOrders)
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	if err := s.store.SaveSnapshot(ctx, *rec); err != nil {
		s.logger.Warn("could not persist snapshot", slog.String("key", key.String()), slog.String("error", err.Error()))
	}
}

// result merges orchestrator state with the cache so the last known book
// stays visible when the subscription itself has none.
func (s *Service) result(key book.Key, st orchestrator.State) Result {
	res := Result{
		Key:            key,
		Phase:          st.Phase,
		Book:           st.Book,
		OpenOrders:     st.OpenOrders,
		Loading:        st.Loading,
		InitialLoading: st.InitialLoading,
		Err:            st.Err,
		LastUpdate:     st.LastUpdate,
	}
	if res.Book == nil {
		if rec, ok := s.cache.Get(key); ok {
			res.Book = rec.Book
			res.OpenOrders = rec.OpenOrders
			res.LastUpdate = rec.Book.LastUpdate
		}
	}
	if res.Book != nil {
		res.Stale = s.cache.IsStale(key, 0)
	}
	return res
}

func recordResult(rec *cache.Record, stale bool) Result {
	return Result{
		Key:        rec.Key,
		Phase:      orchestrator.PhaseSettled,
		Book:       rec.Book,
		OpenOrders: rec.OpenOrders,
		LastUpdate: rec.Book.LastUpdate,
		Stale:      stale,
	}
}
