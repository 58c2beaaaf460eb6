package balance

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/recomma/booksync/internal/clock"
	"github.com/recomma/booksync/signals"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCacheExpiresAfterTTL(t *testing.T) {
	fake := clock.NewFake(epoch)
	c := NewCache[string, int](WithCacheClock(fake))

	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	fake.Advance(30 * time.Second)
	_, ok = c.Get("a")
	require.True(t, ok)

	fake.Advance(time.Millisecond)
	_, ok = c.Get("a")
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestCacheSweep(t *testing.T) {
	fake := clock.NewFake(epoch)
	c := NewCache[string, int](WithCacheClock(fake), WithTTL(time.Second))
	c.Put("old", 1)
	fake.Advance(2 * time.Second)
	c.Put("new", 2)

	require.Equal(t, 1, c.Sweep())
	require.Equal(t, 1, c.Len())
	require.True(t, c.Invalidate("new"))
	require.False(t, c.Invalidate("new"))
}

func TestCacheRunSweeps(t *testing.T) {
	fake := clock.NewFake(epoch)
	c := NewCache[string, int](WithCacheClock(fake))
	c.Put("a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.Eventually(t, func() bool { return fake.Pending() == 1 }, time.Second, time.Millisecond)
	fake.Advance(DefaultSweepInterval)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

type countingReader struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
	value string
}

func (r *countingReader) ReadBalance(ctx context.Context, key Key) (Balance, error) {
	r.calls.Add(1)
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return Balance{}, ctx.Err()
		}
	}
	if r.err != nil {
		return Balance{}, r.err
	}
	return Balance{Address: key.Address, Asset: key.Asset, Amount: r.value}, nil
}

func mustKey(t *testing.T, asset string) Key {
	t.Helper()
	k, err := NewKey("0x00000000000000000000000000000000000000aa", asset)
	require.NoError(t, err)
	return k
}

func TestServiceSharesConcurrentReads(t *testing.T) {
	reader := &countingReader{gate: make(chan struct{}), value: "1.5"}
	svc := NewService(reader, nil)
	key := mustKey(t, "")

	var wg sync.WaitGroup
	results := make([]Balance, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := svc.Balance(context.Background(), key)
			require.NoError(t, err)
			results[i] = b
		}(i)
	}

	require.Eventually(t, func() bool { return reader.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(reader.gate)
	wg.Wait()

	require.EqualValues(t, 1, reader.calls.Load())
	for _, b := range results {
		require.Equal(t, "1.5", b.Amount)
	}

	_, err := svc.Balance(context.Background(), key)
	require.NoError(t, err)
	require.EqualValues(t, 1, reader.calls.Load())
}

func TestServiceSharedReadSurvivesFirstCallerCancel(t *testing.T) {
	reader := &countingReader{gate: make(chan struct{}), value: "4"}
	svc := NewService(reader, nil)
	key := mustKey(t, "")

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Balance(firstCtx, key)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return reader.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan Balance, 1)
	go func() {
		b, err := svc.Balance(context.Background(), key)
		require.NoError(t, err)
		second <- b
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(reader.gate)
	select {
	case b := <-second:
		require.Equal(t, "4", b.Amount)
	case <-time.After(time.Second):
		t.Fatal("second caller did not receive the shared read")
	}
	require.EqualValues(t, 1, reader.calls.Load())
}

func TestServiceSharedReadIsBounded(t *testing.T) {
	reader := &countingReader{gate: make(chan struct{})}
	svc := NewService(reader, nil, WithReadTimeout(20*time.Millisecond))

	_, err := svc.Balance(context.Background(), mustKey(t, ""))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServiceInvalidate(t *testing.T) {
	reader := &countingReader{value: "2"}
	svc := NewService(reader, nil)
	native, token := mustKey(t, "native"), mustKey(t, "usdc")
	ctx := context.Background()

	for _, k := range []Key{native, token} {
		_, err := svc.Balance(ctx, k)
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, reader.calls.Load())

	svc.Invalidate(native, false)
	_, err := svc.Balance(ctx, native)
	require.NoError(t, err)
	_, err = svc.Balance(ctx, token)
	require.NoError(t, err)
	require.EqualValues(t, 3, reader.calls.Load())

	svc.Invalidate(Key{}, true)
	_, err = svc.Balance(ctx, token)
	require.NoError(t, err)
	require.EqualValues(t, 4, reader.calls.Load())
}

func TestServiceDoesNotCacheErrors(t *testing.T) {
	boom := errors.New("rpc unavailable")
	reader := &countingReader{err: boom}
	svc := NewService(reader, nil)
	key := mustKey(t, "")

	_, err := svc.Balance(context.Background(), key)
	require.ErrorIs(t, err, boom)
	_, err = svc.Balance(context.Background(), key)
	require.ErrorIs(t, err, boom)
	require.EqualValues(t, 2, reader.calls.Load())
}

func TestServiceListensForRefreshSignal(t *testing.T) {
	reader := &countingReader{value: "3"}
	cache := NewCache[Key, Balance]()
	svc := NewService(reader, cache)
	key := mustKey(t, "")
	_, err := svc.Balance(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	bus := signals.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.ListenForRefresh(ctx, bus)

	require.Eventually(t, func() bool { return bus.Publish(signals.BalanceRefresh) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return cache.Len() == 0 }, time.Second, time.Millisecond)
}

type fakeEth struct {
	balances map[common.Address]*big.Int
}

func (f fakeEth) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

func TestEthReaderConvertsWei(t *testing.T) {
	key := mustKey(t, "")
	wei, ok := new(big.Int).SetString("1500000000000000000", 10)
	require.True(t, ok)
	r := NewEthReader(fakeEth{balances: map[common.Address]*big.Int{key.Address: wei}})

	b, err := r.ReadBalance(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "1.5", b.Amount)
	require.Equal(t, "1500000000000000000", b.Raw)
	require.Equal(t, 18, b.Decimals)

	_, err = r.ReadBalance(context.Background(), mustKey(t, "USDC"))
	require.ErrorIs(t, err, ErrUnsupportedAsset)

	other, err := NewKey("0x00000000000000000000000000000000000000bb", AssetNative)
	require.NoError(t, err)
	empty, err := r.ReadBalance(context.Background(), other)
	require.NoError(t, err)
	require.Equal(t, "0", empty.Amount)
}
