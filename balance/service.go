// Package balance memoizes on-chain balance reads for a short time so the
// read rate is decoupled from how often consumers ask.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/recomma/booksync/signals"
)

// AssetNative names the chain's native currency.
const AssetNative = "native"

var ErrUnsupportedAsset = errors.New("unsupported asset")

// Key identifies one balance: an account and an asset (a token symbol or a
// market side such as "ETH-USDC:base").
type Key struct {
	Address common.Address
	Asset   string
}

// NewKey parses address and normalizes asset. An empty asset means the
// native currency.
func NewKey(address, asset string) (Key, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return Key{}, fmt.Errorf("invalid address %q", address)
	}
	asset = strings.TrimSpace(asset)
	if asset == "" || strings.EqualFold(asset, AssetNative) {
		asset = AssetNative
	} else {
		asset = strings.ToUpper(asset)
	}
	return Key{Address: common.HexToAddress(address), Asset: asset}, nil
}

func (k Key) String() string {
	return strings.ToLower(k.Address.Hex()) + "/" + k.Asset
}

type Balance struct {
	Address   common.Address `json:"address"`
	Asset     string         `json:"asset"`
	Raw       string         `json:"raw"`
	Amount    string         `json:"amount"`
	Decimals  int            `json:"decimals"`
	FetchedAt time.Time      `json:"fetchedAt"`
}

// Reader performs the actual, expensive balance read.
type Reader interface {
	ReadBalance(ctx context.Context, key Key) (Balance, error)
}

// DefaultReadTimeout bounds one shared balance read.
const DefaultReadTimeout = 10 * time.Second

type Service struct {
	cache       *Cache[Key, Balance]
	reader      Reader
	group       singleflight.Group
	gen         atomic.Uint64
	readTimeout time.Duration
	logger      *slog.Logger
}

type ServiceOption func(*Service)

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReadTimeout bounds a shared read. Callers still give up on their own
// context.
func WithReadTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

func NewService(reader Reader, c *Cache[Key, Balance], opts ...ServiceOption) *Service {
	if c == nil {
		c = NewCache[Key, Balance]()
	}
	s := &Service{
		cache:  c,
		reader:      reader,
		readTimeout: DefaultReadTimeout,
		logger:      slog.Default().WithGroup("balance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Balance returns the memoized balance for key, reading it when absent or
// expired. Concurrent misses for the same key share a single read, which is
// detached from any one caller: a caller that cancels returns early while the
// read continues for the others.
func (s *Service) Balance(ctx context.Context, key Key) (Balance, error) {
	if b, ok := s.cache.Get(key); ok {
		return b, nil
	}

	gen := s.gen.Load()
	ch := s.group.DoChan(key.String(), func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.readTimeout)
		defer cancel()
		b, err := s.reader.ReadBalance(readCtx, key)
		if err != nil {
			return Balance{}, err
		}
		// A read that raced an invalidation must not repopulate the cache.
		if s.gen.Load() == gen {
			s.cache.Put(key, b)
		}
		return b, nil
	})

	select {
	case <-ctx.Done():
		return Balance{}, fmt.Errorf("read balance %s: %w", key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Balance{}, fmt.Errorf("read balance %s: %w", key, res.Err)
		}
		if res.Shared {
			s.logger.Debug("shared balance read", slog.String("key", key.String()))
		}
		return res.Val.(Balance), nil
	}
}

// Invalidate forces the next read of key to hit the reader. With all set
// every memoized balance is dropped.
func (s *Service) Invalidate(key Key, all bool) {
	s.gen.Add(1)
	if all {
		n := s.cache.InvalidateAll()
		s.logger.Debug("balances invalidated", slog.Int("count", n))
		return
	}
	s.cache.Invalidate(key)
	s.group.Forget(key.String())
}

// ListenForRefresh drops every memoized balance on each balance-refresh
// signal until ctx is done.
func (s *Service) ListenForRefresh(ctx context.Context, bus *signals.Bus) {
	bus.Listen(ctx, func(signals.Signal) {
		s.Invalidate(Key{}, true)
	}, signals.BalanceRefresh)
}
