// Package orchestrator drives one market subscription: it opens the upstream
// stream, reconciles what arrives and retries transient failures with
// bounded exponential backoff.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/recomma/booksync/book"
	"github.com/recomma/booksync/internal/clock"
	"github.com/recomma/booksync/stream"
)

const (
	DefaultMaxRetries       = 3
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultMinFetchInterval = time.Second
)

// ErrRetriesExhausted is joined into State.Err once the retry budget is
// spent.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// DecimalsResolver supplies the quote and base decimals of a market.
type DecimalsResolver interface {
	ForMarket(market string) (quote, base int, err error)
}

// PublishFunc receives every book the orchestrator applies.
type PublishFunc func(key book.Key, b *book.Book, openOrders []book.Entry)

type Orchestrator struct {
	source   stream.Source
	decimals DecimalsResolver

	clock             clock.Clock
	logger            *slog.Logger
	maxRetries        int
	baseDelay         time.Duration
	maxDelay          time.Duration
	minFetchInterval  time.Duration
	continuous        bool
	includeHistorical bool
	publish           PublishFunc

	limiter workqueue.TypedRateLimiter[book.Key]

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	started   bool
	stopped   bool
	succeeded bool
	attempt   uint64
	inflight  context.CancelFunc
	timer     clock.Timer
	timerGen  uint64
	version   uint64

	// publishMu orders publishes so an attempt that lost the race to a
	// newer one cannot overwrite its book downstream.
	publishMu     sync.Mutex
	lastPublished uint64

	listenersMu  sync.Mutex
	listeners    map[int64]func(State)
	nextListener int64
	delivered    uint64
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxRetries sets how many consecutive transient failures are tolerated
// before the subscription fails.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.baseDelay = d
		}
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.maxDelay = d
		}
	}
}

// WithMinFetchInterval throttles Refresh. Zero disables throttling.
func WithMinFetchInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.minFetchInterval = d
		}
	}
}

// WithContinuous keeps the stream open and publishes after every batch.
func WithContinuous(enabled bool) Option {
	return func(o *Orchestrator) {
		o.continuous = enabled
	}
}

func WithIncludeHistorical(enabled bool) Option {
	return func(o *Orchestrator) {
		o.includeHistorical = enabled
	}
}

func WithPublisher(fn PublishFunc) Option {
	return func(o *Orchestrator) {
		o.publish = fn
	}
}

func New(source stream.Source, resolver DecimalsResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:            source,
		decimals:          resolver,
		clock:             clock.Real{},
		logger:            slog.Default().WithGroup("orchestrator"),
		maxRetries:        DefaultMaxRetries,
		baseDelay:         DefaultBaseDelay,
		maxDelay:          DefaultMaxDelay,
		minFetchInterval:  DefaultMinFetchInterval,
		includeHistorical: true,
		listeners:         make(map[int64]func(State)),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxDelay < o.baseDelay {
		o.maxDelay = o.baseDelay
	}
	o.limiter = workqueue.NewTypedItemExponentialFailureRateLimiter[book.Key](o.baseDelay, o.maxDelay)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.state = State{Phase: PhaseIdle, InitialLoading: true}
	return o
}

// State returns the current snapshot.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Subscribe registers fn for every state change. fn runs on the goroutine
// that caused the change and must not block.
func (o *Orchestrator) Subscribe(fn func(State)) (unsubscribe func()) {
	id := atomic.AddInt64(&o.nextListener, 1)
	o.listenersMu.Lock()
	o.listeners[id] = fn
	o.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.listenersMu.Lock()
			delete(o.listeners, id)
			o.listenersMu.Unlock()
		})
	}
}

// Start begins fetching key. Starting again with the same key is a no-op; a
// different key resets first.
func (o *Orchestrator) Start(key book.Key) {
	o.mu.Lock()
	if o.stopped || (o.started && o.state.Key == key) {
		o.mu.Unlock()
		return
	}
	if o.started {
		o.resetLocked(key)
	}
	o.started = true
	o.state.Key = key
	o.startAttemptLocked()
	st := o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Debug("subscription started", slog.String("key", key.String()))
	o.emit(st)
}

// Seed primes the subscription with previously cached data instead of
// fetching. The first revalidation runs after revalidateAfter; a
// non-positive value revalidates immediately while the seeded data stays
// visible.
func (o *Orchestrator) Seed(key book.Key, b *book.Book, openOrders []book.Entry, fetchedAt time.Time, revalidateAfter time.Duration) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if o.started && o.state.Key != key {
		o.resetLocked(key)
	}
	o.started = true
	o.succeeded = true
	o.state.Key = key
	o.state.Phase = PhaseSettled
	o.state.Book = b
	o.state.OpenOrders = openOrders
	o.state.InitialLoading = false
	o.state.LastFetchAt = fetchedAt
	if b != nil {
		o.state.LastUpdate = b.LastUpdate
	}

	if revalidateAfter <= 0 {
		o.startAttemptLocked()
	} else {
		o.scheduleLocked(revalidateAfter, o.startAttemptLocked)
	}
	st := o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Debug("subscription seeded",
		slog.String("key", key.String()),
		slog.Duration("revalidate_after", revalidateAfter),
	)
	o.emit(st)
}

// Reset discards in-flight work and data and switches to key. A started
// subscription immediately fetches the new key.
func (o *Orchestrator) Reset(key book.Key) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.resetLocked(key)
	if o.started {
		o.startAttemptLocked()
	}
	st := o.snapshotLocked()
	o.mu.Unlock()

	o.emit(st)
}

// Refresh cancels any pending backoff, resets the retry budget and fetches
// again, replacing an attempt still in flight. Calls closer together than the
// minimum fetch interval coalesce into one deferred attempt.
func (o *Orchestrator) Refresh() {
	o.mu.Lock()
	if o.stopped || !o.started {
		o.mu.Unlock()
		return
	}
	o.stopTimerLocked()
	o.limiter.Forget(o.state.Key)
	o.state.RetryCount = 0

	if wait := o.minFetchInterval - o.clock.Now().Sub(o.state.LastFetchAt); wait > 0 && !o.state.LastFetchAt.IsZero() {
		o.scheduleLocked(wait, o.startAttemptLocked)
		st := o.snapshotLocked()
		o.mu.Unlock()
		o.logger.Debug("refresh deferred", slog.String("key", st.Key.String()), slog.Duration("wait", wait))
		o.emit(st)
		return
	}

	o.startAttemptLocked()
	st := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(st)
}

// Stop cancels all work. The orchestrator cannot be restarted.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.stopTimerLocked()
	if o.inflight != nil {
		o.inflight()
		o.inflight = nil
	}
	o.limiter.Forget(o.state.Key)
	o.mu.Unlock()

	o.cancel()
	o.listenersMu.Lock()
	o.listeners = make(map[int64]func(State))
	o.listenersMu.Unlock()
}

func (o *Orchestrator) resetLocked(key book.Key) {
	o.stopTimerLocked()
	if o.inflight != nil {
		o.inflight()
		o.inflight = nil
	}
	o.limiter.Forget(o.state.Key)
	// Bumping the attempt discards results still in flight for the old key.
	o.attempt++
	o.succeeded = false
	o.state = State{Key: key, Phase: PhaseIdle, InitialLoading: true}
}

func (o *Orchestrator) startAttemptLocked() {
	o.stopTimerLocked()
	if o.inflight != nil {
		o.inflight()
	}
	o.attempt++
	seq := o.attempt
	ctx, cancel := context.WithCancel(o.ctx)
	o.inflight = cancel

	o.state.Phase = PhaseFetching
	o.state.LastFetchAt = o.clock.Now()
	o.state.Loading = o.succeeded
	key := o.state.Key

	go o.run(ctx, seq, key)
}

func (o *Orchestrator) scheduleLocked(d time.Duration, fn func()) {
	o.stopTimerLocked()
	o.timerGen++
	gen := o.timerGen
	o.timer = o.clock.AfterFunc(d, func() {
		o.mu.Lock()
		if o.stopped || gen != o.timerGen {
			o.mu.Unlock()
			return
		}
		o.timer = nil
		fn()
		st := o.snapshotLocked()
		o.mu.Unlock()
		o.emit(st)
	})
}

func (o *Orchestrator) stopTimerLocked() {
	o.timerGen++
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Orchestrator) run(ctx context.Context, seq uint64, key book.Key) {
	logger := o.logger.With(slog.String("key", key.String()), slog.Uint64("attempt", seq))

	quote, base, err := o.decimals.ForMarket(key.Market)
	if err != nil {
		o.finish(ctx, seq, key, nil, 0, 0, stream.Terminal(fmt.Errorf("resolve decimals for %s: %w", key.Market, err)))
		return
	}

	req := stream.RequestFor(key, o.continuous, o.includeHistorical)
	batches, err := o.source.Subscribe(ctx, req)
	if err != nil {
		o.finish(ctx, seq, key, nil, quote, base, fmt.Errorf("subscribe %s: %w", key, err))
		return
	}

	acc := book.NewAccumulator()
	var streamErr error
	for batch, err := range batches {
		if err != nil {
			streamErr = err
			break
		}
		acc.Add(batch)
		logger.Debug("batch received", slog.Int("entries", len(batch)), slog.Int("orders", acc.Len()))
		if o.continuous {
			if !o.apply(seq, key, acc, quote, base, true) {
				return
			}
		}
	}
	if streamErr != nil {
		streamErr = fmt.Errorf("stream %s: %w", key, streamErr)
	}
	o.finish(ctx, seq, key, acc, quote, base, streamErr)
}

// apply publishes the accumulated book when seq is still current. In
// continuous mode the first batch of an attempt counts as success.
func (o *Orchestrator) apply(seq uint64, key book.Key, acc *book.Accumulator, quote, base int, success bool) bool {
	b := book.Reconcile(acc.Entries(), quote, base)
	open := b.OpenOrders(key.Trader)

	o.publishMu.Lock()
	o.mu.Lock()
	if o.stopped || seq != o.attempt || seq < o.lastPublished {
		o.mu.Unlock()
		o.publishMu.Unlock()
		return false
	}
	o.setBookLocked(seq, b, open)
	if success {
		o.succeedLocked()
	}
	st := o.snapshotLocked()
	o.mu.Unlock()

	if dropped := b.Stats.Dropped(); dropped > 0 {
		o.logger.Debug("dropped invalid entries", slog.String("key", key.String()), slog.Int("dropped", dropped))
	}
	if o.publish != nil {
		o.publish(key, b, open)
	}
	o.lastPublished = seq
	o.publishMu.Unlock()

	o.emit(st)
	return true
}

func (o *Orchestrator) finish(ctx context.Context, seq uint64, key book.Key, acc *book.Accumulator, quote, base int, err error) {
	if err != nil && ctx.Err() != nil {
		// Cancelled by Reset, Refresh or Stop; the replacing attempt owns
		// the state.
		o.mu.Lock()
		current := seq == o.attempt && !o.stopped
		o.mu.Unlock()
		if !current {
			return
		}
	}

	if err == nil {
		if acc == nil {
			acc = book.NewAccumulator()
		}
		o.apply(seq, key, acc, quote, base, true)
		o.mu.Lock()
		if seq == o.attempt && o.inflight != nil {
			o.inflight()
			o.inflight = nil
		}
		o.mu.Unlock()
		return
	}

	// Keep whatever arrived before the failure.
	if acc != nil && acc.Len() > 0 && !o.continuous {
		if !o.apply(seq, key, acc, quote, base, false) {
			return
		}
	}

	o.mu.Lock()
	if o.stopped || seq != o.attempt {
		o.mu.Unlock()
		return
	}
	if o.inflight != nil {
		o.inflight()
		o.inflight = nil
	}
	o.state.Err = err
	o.state.Loading = false

	logger := o.logger.With(slog.String("key", key.String()), slog.Uint64("attempt", seq))
	if stream.IsTerminal(err) {
		o.state.Phase = PhaseFailed
		o.state.InitialLoading = false
		st := o.snapshotLocked()
		o.mu.Unlock()
		logger.Warn("subscription failed", slog.String("error", err.Error()))
		o.emit(st)
		return
	}

	delay := o.limiter.When(key)
	o.state.RetryCount = o.limiter.NumRequeues(key)
	if o.state.RetryCount >= o.maxRetries {
		o.state.Phase = PhaseFailed
		o.state.InitialLoading = false
		o.state.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, o.state.RetryCount, err)
		st := o.snapshotLocked()
		o.mu.Unlock()
		logger.Warn("subscription failed", slog.Int("retries", st.RetryCount), slog.String("error", err.Error()))
		o.emit(st)
		return
	}

	o.state.Phase = PhaseRetrying
	o.scheduleLocked(delay, o.startAttemptLocked)
	st := o.snapshotLocked()
	o.mu.Unlock()

	logger.Info("retrying subscription",
		slog.Int("retry", st.RetryCount),
		slog.Duration("backoff", delay),
		slog.String("error", err.Error()),
	)
	o.emit(st)
}

func (o *Orchestrator) setBookLocked(seq uint64, b *book.Book, open []book.Entry) {
	o.state.Book = b
	o.state.OpenOrders = open
	o.state.LastUpdate = b.LastUpdate
	o.state.Sequence = seq
	o.state.Loading = false
}

func (o *Orchestrator) succeedLocked() {
	o.succeeded = true
	o.limiter.Forget(o.state.Key)
	o.state.Phase = PhaseSettled
	o.state.RetryCount = 0
	o.state.Err = nil
	o.state.InitialLoading = false
}

func (o *Orchestrator) snapshotLocked() State {
	o.version++
	st := o.state
	st.version = o.version
	return st
}

// emit delivers st to listeners unless a newer snapshot was already
// delivered.
func (o *Orchestrator) emit(st State) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()

	if st.version <= o.delivered {
		return
	}
	o.delivered = st.version
	for _, fn := range o.listeners {
		fn(st)
	}
}
