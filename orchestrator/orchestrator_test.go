package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recomma/booksync/book"
	"github.com/recomma/booksync/decimals"
	"github.com/recomma/booksync/fixedpoint"
	"github.com/recomma/booksync/internal/clock"
	"github.com/recomma/booksync/stream"
)

var (
	epoch        = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	errTransient = errors.New("connection reset by peer")
)

type step func(ctx context.Context) (stream.Batches, error)

type scriptedSource struct {
	mu     sync.Mutex
	script []step
	reqs   []stream.Request
}

func (s *scriptedSource) Subscribe(ctx context.Context, req stream.Request) (stream.Batches, error) {
	s.mu.Lock()
	i := len(s.reqs)
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	return s.script[i](ctx)
}

func (s *scriptedSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *scriptedSource) request(i int) stream.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i]
}

func fail(err error) step {
	return func(context.Context) (stream.Batches, error) { return nil, err }
}

func deliver(batches ...[]book.Entry) step {
	return func(context.Context) (stream.Batches, error) { return stream.FromSlice(batches, nil), nil }
}

func partial(err error, batches ...[]book.Entry) step {
	return func(context.Context) (stream.Batches, error) { return stream.FromSlice(batches, err), nil }
}

// block yields nothing until the attempt is cancelled.
func block() step {
	return func(ctx context.Context) (stream.Batches, error) {
		return func(yield func([]book.Entry, error) bool) {
			<-ctx.Done()
			yield(nil, ctx.Err())
		}, nil
	}
}

func bid(id uint64, price string) book.Entry {
	return book.Entry{
		OrderID:   id,
		Side:      book.SideBid,
		Price:     fixedpoint.Raw(price),
		Quantity:  fixedpoint.Raw("1000000"),
		Status:    book.StatusAdded,
		Timestamp: epoch.Add(time.Duration(id) * time.Second),
	}
}

func registry(t *testing.T) *decimals.Registry {
	t.Helper()
	r := decimals.New("arbitrum")
	require.NoError(t, r.Load(map[string]int{"ETH": 6, "USDC": 6}))
	return r
}

func key(t *testing.T, market string) book.Key {
	t.Helper()
	k, err := book.NewKey(market, "")
	require.NoError(t, err)
	return k
}

func waitFor(t *testing.T, o *Orchestrator, cond func(State) bool) State {
	t.Helper()
	var st State
	require.Eventually(t, func() bool {
		st = o.State()
		return cond(st)
	}, 2*time.Second, time.Millisecond)
	return st
}

func inPhase(p Phase) func(State) bool {
	return func(s State) bool { return s.Phase == p }
}

func bidPrices(b *book.Book) []string {
	var out []string
	for _, e := range b.Bids {
		out = append(out, e.Price.Value)
	}
	return out
}

func TestRetriesTransientFailuresThenSucceeds(t *testing.T) {
	fake := clock.NewFake(epoch)
	src := &scriptedSource{script: []step{
		fail(errTransient),
		fail(errTransient),
		deliver([]book.Entry{bid(1, "1000000")}),
	}}
	o := New(src, registry(t), WithClock(fake))
	defer o.Stop()

	var mu sync.Mutex
	var retries []int
	o.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		if len(retries) == 0 || retries[len(retries)-1] != s.RetryCount {
			retries = append(retries, s.RetryCount)
		}
	})

	o.Start(key(t, "ETH-USDC"))

	st := waitFor(t, o, inPhase(PhaseRetrying))
	require.Equal(t, 1, st.RetryCount)
	require.ErrorIs(t, st.Err, errTransient)
	require.True(t, st.InitialLoading)
	wait, ok := fake.NextDeadline()
	require.True(t, ok)
	require.Equal(t, time.Second, wait)

	fake.Advance(time.Second)
	waitFor(t, o, func(s State) bool { return s.Phase == PhaseRetrying && s.RetryCount == 2 })
	wait, _ = fake.NextDeadline()
	require.Equal(t, 2*time.Second, wait)

	fake.Advance(2 * time.Second)
	st = waitFor(t, o, inPhase(PhaseSettled))

	require.NoError(t, st.Err)
	require.False(t, st.Loading)
	require.False(t, st.InitialLoading)
	require.Zero(t, st.RetryCount)
	require.Equal(t, []string{"1"}, bidPrices(st.Book))
	require.Equal(t, 3, src.calls())

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(retries), 3)
	require.Equal(t, []int{1, 2, 0}, retries[len(retries)-3:])
}

func TestFailsAfterMaxRetriesUntilRefresh(t *testing.T) {
	fake := clock.NewFake(epoch)
	src := &scriptedSource{script: []step{fail(errTransient)}}
	o := New(src, registry(t), WithClock(fake), WithMaxRetries(3))
	defer o.Stop()

	o.Start(key(t, "ETH-USDC"))
	waitFor(t, o, func(s State) bool { return s.RetryCount == 1 && s.Phase == PhaseRetrying })
	fake.Advance(time.Second)
	waitFor(t, o, func(s State) bool { return s.RetryCount == 2 && s.Phase == PhaseRetrying })
	fake.Advance(2 * time.Second)

	st := waitFor(t, o, inPhase(PhaseFailed))
	require.True(t, st.Terminal())
	require.Error(t, st.Err)
	require.ErrorIs(t, st.Err, ErrRetriesExhausted)
	require.ErrorIs(t, st.Err, errTransient)
	require.False(t, st.InitialLoading)
	require.False(t, st.Loading)
	require.Zero(t, fake.Pending())
	require.Equal(t, 3, src.calls())

	fake.Advance(time.Hour)
	require.Equal(t, 3, src.calls())

	o.Refresh()
	require.Eventually(t, func() bool { return src.calls() == 4 }, time.Second, time.Millisecond)
	st = waitFor(t, o, func(s State) bool { return s.Phase == PhaseRetrying })
	require.Equal(t, 1, st.RetryCount)
}

func TestTerminalErrorFailsWithoutRetry(t *testing.T) {
	fake := clock.NewFake(epoch)
	src := &scriptedSource{script: []step{fail(stream.Terminal(errors.New("unknown market")))}}
	o := New(src, registry(t), WithClock(fake))
	defer o.Stop()

	o.Start(key(t, "ETH-USDC"))
	st := waitFor(t, o, inPhase(PhaseFailed))
	require.True(t, stream.IsTerminal(st.Err))
	require.Zero(t, st.RetryCount)
	require.False(t, st.InitialLoading)
	require.Zero(t, fake.Pending())
	require.Equal(t, 1, src.calls())
}

func TestInvalidMarketFailsBeforeSubscribing(t *testing.T) {
	src := &scriptedSource{script: []step{deliver()}}
	o := New(src, registry(t), WithClock(clock.NewFake(epoch)))
	defer o.Stop()

	o.Start(key(t, "ETHUSDC"))
	st := waitFor(t, o, inPhase(PhaseFailed))
	require.ErrorIs(t, st.Err, decimals.ErrInvalidMarket)
	require.Zero(t, src.calls())
}

func TestPartialDataSurvivesMidStreamFailure(t *testing.T) {
	fake := clock.NewFake(epoch)
	src := &scriptedSource{script: []step{
		partial(errTransient, []book.Entry{bid(1, "2000000")}, []book.Entry{bid(2, "1000000")}),
		deliver([]book.Entry{bid(1, "2000000"), bid(2, "1000000"), bid(3, "3000000")}),
	}}

	var mu sync.Mutex
	var published int
	o := New(src, registry(t), WithClock(fake), WithPublisher(func(book.Key, *book.Book, []book.Entry) {
		mu.Lock()
		published++
		mu.Unlock()
	}))
	defer o.Stop()

	o.Start(key(t, "ETH-USDC"))
	st := waitFor(t, o, inPhase(PhaseRetrying))
	require.Equal(t, []string{"2", "1"}, bidPrices(st.Book))
	require.Equal(t, 1, st.RetryCount)

	fake.Advance(time.Second)
	st = waitFor(t, o, inPhase(PhaseSettled))
	require.Equal(t, []string{"3", "2", "1"}, bidPrices(st.Book))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, published)
}

func TestSupersededAttemptCannotPublishOverNewerOne(t *testing.T) {
	src := &scriptedSource{script: []step{
		deliver([]book.Entry{bid(1, "1000000")}),
		deliver([]book.Entry{bid(2, "2000000")}),
	}}

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var published []uint64
	o := New(src, registry(t), WithClock(clock.NewFake(epoch)), WithMinFetchInterval(0),
		WithPublisher(func(_ book.Key, b *book.Book, _ []book.Entry) {
			mu.Lock()
			first := len(published) == 0
			published = append(published, b.Bids[0].OrderID)
			mu.Unlock()
			if first {
				close(entered)
				<-release
			}
		}))
	defer o.Stop()

	o.Start(key(t, "ETH-USDC"))
	<-entered

	o.Refresh()
	require.Eventually(t, func() bool { return src.calls() == 2 }, time.Second, time.Millisecond)
	// Give the second attempt time to reach its publish.
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(t, []uint64{1, 2}, published)
	mu.Unlock()
	st := waitFor(t, o, inPhase(PhaseSettled))
	require.Equal(t, []string{"2"}, bidPrices(st.Book))
}

func TestResetDiscardsInFlightAttempt(t *testing.T) {
	src := &scriptedSource{script: []step{
		block(),
		deliver([]book.Entry{bid(7, "5000000")}),
	}}
	o := New(src, registry(t), WithClock(clock.NewFake(epoch)))
	defer o.Stop()

	o.Start(key(t, "ETH-USDC"))
	require.Eventually(t, func() bool { return src.calls() == 1 }, time.Second, time.Millisecond)

	next := key(t, "BTC-USDC")
	o.Reset(next)
	st := waitFor(t, o, inPhase(PhaseSettled))
	require.Equal(t, next, st.Key)
	require.Equal(t, "BTC-USDC", src.request(1).Market)
	require.Equal(t, []string{"5"}, bidPrices(st.Book))
	require.NoError(t, st.Err)
}

func TestStaleAttemptResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	slow := func(context.Context) (stream.Batches, error) {
		return func(yield func([]book.Entry, error) bool) {
			defer close(done)
			<-release
			yield([]book.Entry{bid(1, "9000000")}, nil)
		}, nil
	}
	src := &scriptedSource{script: []step{
		slow,
		func(ctx context.Context) (stream.Batches, error) {
			return func(yield func([]book.Entry, error) bool) {
				if !yield([]book.Entry{bid(2, "4000000")}, nil) {
					return
				}
				<-ctx.Done()
			}, nil
		},
	}}
	o := New(src, registry(t), WithClock(clock.NewFake(epoch)), WithContinuous(true))
	defer o.Stop()

	k := key(t, "ETH-USDC")
	o.Start(k)
	require.Eventually(t, func() bool { return src.calls() == 1 }, time.Second, time.Millisecond)

	o.Reset(k)
	waitFor(t, o, inPhase(PhaseSettled))

	close(release)
	<-done
	st := o.State()
	require.Equal(t, []string{"4"}, bidPrices(st.Book))
	require.Equal(t, uint64(3), st.Sequence)
}

func TestRefreshIsThrottled(t *testing.T) {
	fake := clock.NewFake(epoch)
	src := &scriptedSource{script: []step{deliver([]book.Entry{bid(1, "1000000")})}}
	o := New(src, registry(t), WithClock(fake), WithMinFetchInterval(time.Second))
	defer o.Stop()

	o.Start(key(t, "ETH-USDC"))
	waitFor(t, o, inPhase(PhaseSettled))

	o.Refresh()
	o.Refresh()
	o.Refresh()
	require.Equal(t, 1, fake.Pending())
	require.Equal(t, 1, src.calls())

	fake.Advance(time.Second)
	require.Eventually(t, func() bool { return src.calls() == 2 }, time.Second, time.Millisecond)
	waitFor(t, o, inPhase(PhaseSettled))

	fake.Advance(5 * time.Second)
	o.Refresh()
	require.Eventually(t, func() bool { return src.calls() == 3 }, time.Second, time.Millisecond)
	require.Zero(t, fake.Pending())
}

func TestRefreshCancelsPendingBackoff(t *testing.T) {
	fake := clock.NewFake(epoch)
	src := &scriptedSource{script: []step{
		fail(errTransient),
		deliver([]book.Entry{bid(1, "1000000")}),
	}}
	o := New(src, registry(t), WithClock(fake), WithMinFetchInterval(0), WithBaseDelay(time.Minute))
	defer o.Stop()

	o.Start(key(t, "ETH-USDC"))
	waitFor(t, o, inPhase(PhaseRetrying))
	require.Equal(t, 1, fake.Pending())

	o.Refresh()
	st := waitFor(t, o, inPhase(PhaseSettled))
	require.Zero(t, st.RetryCount)
	require.Zero(t, fake.Pending())
	require.Equal(t, 2, src.calls())
}

func TestRefreshDuringInitialLoadRestartsBehindThrottle(t *testing.T) {
	fake := clock.NewFake(epoch)
	src := &scriptedSource{script: []step{
		block(),
		deliver([]book.Entry{bid(1, "1000000")}),
	}}
	o := New(src, registry(t), WithClock(fake), WithMinFetchInterval(time.Second))
	defer o.Stop()

	o.Start(key(t, "ETH-USDC"))
	require.Eventually(t, func() bool { return src.calls() == 1 }, time.Second, time.Millisecond)

	o.Refresh()
	require.Equal(t, 1, fake.Pending())
	require.Equal(t, 1, src.calls())
	require.True(t, o.State().InitialLoading)

	fake.Advance(time.Second)
	st := waitFor(t, o, inPhase(PhaseSettled))
	require.False(t, st.InitialLoading)
	require.NoError(t, st.Err)
	require.Equal(t, []string{"1"}, bidPrices(st.Book))
	require.Equal(t, 2, src.calls())
}

func TestRefreshDuringInitialLoadRestartsImmediatelyWithoutThrottle(t *testing.T) {
	src := &scriptedSource{script: []step{
		block(),
		deliver([]book.Entry{bid(1, "1000000")}),
	}}
	o := New(src, registry(t), WithClock(clock.NewFake(epoch)), WithMinFetchInterval(0))
	defer o.Stop()

	o.Start(key(t, "ETH-USDC"))
	require.Eventually(t, func() bool { return src.calls() == 1 }, time.Second, time.Millisecond)

	o.Refresh()
	st := waitFor(t, o, inPhase(PhaseSettled))
	require.Equal(t, []string{"1"}, bidPrices(st.Book))
}

func TestContinuousStreamPublishesEachBatch(t *testing.T) {
	next := make(chan struct{})
	src := &scriptedSource{script: []step{
		func(ctx context.Context) (stream.Batches, error) {
			return func(yield func([]book.Entry, error) bool) {
				if !yield([]book.Entry{bid(1, "1000000")}, nil) {
					return
				}
				select {
				case <-next:
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return
				}
				if !yield([]book.Entry{bid(2, "2000000")}, nil) {
					return
				}
				<-ctx.Done()
				yield(nil, ctx.Err())
			}, nil
		},
	}}

	var mu sync.Mutex
	var sizes []int
	o := New(src, registry(t), WithClock(clock.NewFake(epoch)), WithContinuous(true),
		WithPublisher(func(_ book.Key, b *book.Book, _ []book.Entry) {
			mu.Lock()
			sizes = append(sizes, len(b.Bids))
			mu.Unlock()
		}))

	o.Start(key(t, "ETH-USDC"))
	st := waitFor(t, o, inPhase(PhaseSettled))
	require.False(t, st.InitialLoading)
	require.Equal(t, []string{"1"}, bidPrices(st.Book))
	require.True(t, src.request(0).Continuous)

	close(next)
	st = waitFor(t, o, func(s State) bool { return s.Book != nil && len(s.Book.Bids) == 2 })
	require.Equal(t, []string{"2", "1"}, bidPrices(st.Book))

	o.Stop()
	st = o.State()
	require.Equal(t, PhaseSettled, st.Phase)
	require.NoError(t, st.Err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, sizes)
}

func TestSeedServesCachedDataAndRevalidatesLater(t *testing.T) {
	fake := clock.NewFake(epoch)
	src := &scriptedSource{script: []step{deliver([]book.Entry{bid(1, "8000000")})}}
	o := New(src, registry(t), WithClock(fake))
	defer o.Stop()

	k := key(t, "ETH-USDC")
	seeded := book.Reconcile([]book.Entry{bid(1, "7000000")}, 6, 6)
	o.Seed(k, seeded, nil, epoch, 4*time.Minute)

	st := o.State()
	require.Equal(t, PhaseSettled, st.Phase)
	require.False(t, st.InitialLoading)
	require.False(t, st.Loading)
	require.Equal(t, []string{"7"}, bidPrices(st.Book))
	require.Equal(t, 1, fake.Pending())
	require.Zero(t, src.calls())

	o.Start(k)
	require.Zero(t, src.calls())

	fake.Advance(4 * time.Minute)
	st = waitFor(t, o, func(s State) bool { return s.Sequence > 0 })
	require.Equal(t, []string{"8"}, bidPrices(st.Book))
	require.Equal(t, 1, src.calls())
}

func TestSeedWithImmediateRevalidationKeepsData(t *testing.T) {
	src := &scriptedSource{script: []step{block()}}
	o := New(src, registry(t), WithClock(clock.NewFake(epoch)))
	defer o.Stop()

	seeded := book.Reconcile([]book.Entry{bid(1, "7000000")}, 6, 6)
	o.Seed(key(t, "ETH-USDC"), seeded, nil, epoch.Add(-10*time.Minute), 0)

	require.Eventually(t, func() bool { return src.calls() == 1 }, time.Second, time.Millisecond)
	st := o.State()
	require.True(t, st.Loading)
	require.False(t, st.InitialLoading)
	require.Equal(t, []string{"7"}, bidPrices(st.Book))
}
