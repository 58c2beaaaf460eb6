package hl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sonirico/go-hyperliquid"

	"github.com/recomma/booksync/book"
	"github.com/recomma/booksync/decimals"
	"github.com/recomma/booksync/fixedpoint"
	"github.com/recomma/booksync/stream"
)

// DefaultSettleWindow is how long a one-shot subscription waits for further
// updates before it considers the snapshot complete.
const DefaultSettleWindow = 2 * time.Second

var ErrTraderRequired = errors.New("hyperliquid order updates require a trader address")

// OrderFeed is the subset of hyperliquid.WebsocketClient used by OrderStream.
type OrderFeed interface {
	OrderUpdates(params hyperliquid.OrderUpdatesSubscriptionParams, callback func([]hyperliquid.WsOrder, error)) (*hyperliquid.Subscription, error)
	Close() error
}

// Connector opens a connected feed.
type Connector func(ctx context.Context) (OrderFeed, error)

// DialWebsocket returns a Connector for the Hyperliquid websocket API.
func DialWebsocket(config ClientConfig, opts ...hyperliquid.WsOpt) Connector {
	return func(ctx context.Context) (OrderFeed, error) {
		ws := hyperliquid.NewWebsocketClient(config.URL(), opts...)
		if err := ws.Connect(ctx); err != nil {
			return nil, err
		}
		return ws, nil
	}
}

// OrderStream serves a trader's resting orders from Hyperliquid order
// updates. Hyperliquid has no per-market order feed, so requests without a
// trader fail terminally.
type OrderStream struct {
	connect Connector
	settle  time.Duration
	logger  *slog.Logger
}

type OrderStreamOption func(*OrderStream)

func WithOrderStreamLogger(logger *slog.Logger) OrderStreamOption {
	return func(s *OrderStream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSettleWindow sets the quiet period that ends a one-shot subscription.
func WithSettleWindow(d time.Duration) OrderStreamOption {
	return func(s *OrderStream) {
		if d > 0 {
			s.settle = d
		}
	}
}

func NewOrderStream(connect Connector, opts ...OrderStreamOption) *OrderStream {
	s := &OrderStream{
		connect: connect,
		settle:  DefaultSettleWindow,
		logger:  slog.Default().WithGroup("hyperliquid").WithGroup("orders"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ stream.Source = (*OrderStream)(nil)

func (s *OrderStream) Subscribe(ctx context.Context, req stream.Request) (stream.Batches, error) {
	if req.Trader == (common.Address{}) {
		return nil, stream.Terminal(ErrTraderRequired)
	}
	coin, _, err := decimals.SplitPair(marketPair(req.Market))
	if err != nil {
		return nil, stream.Terminal(err)
	}

	feed, err := s.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect hyperliquid websocket: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	conv := &converter{coin: coin, trader: req.Trader, seen: make(map[int64]struct{})}
	updates := make(chan []book.Entry, 16)
	errs := make(chan error, 1)
	logger := s.logger.With(slog.String("coin", coin), slog.String("trader", strings.ToLower(req.Trader.Hex())))

	sub, err := feed.OrderUpdates(
		hyperliquid.OrderUpdatesSubscriptionParams{User: strings.ToLower(req.Trader.Hex())},
		func(orders []hyperliquid.WsOrder, err error) {
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			batch := conv.convert(orders)
			if len(batch) == 0 {
				return
			}
			select {
			case updates <- batch:
			case <-subCtx.Done():
			}
		},
	)
	if err != nil {
		cancel()
		_ = feed.Close()
		return nil, fmt.Errorf("subscribe order updates: %w", err)
	}
	logger.Debug("subscribed to order updates")

	return func(yield func([]book.Entry, error) bool) {
		defer func() {
			cancel()
			if sub != nil {
				sub.Close()
			}
			if err := feed.Close(); err != nil {
				logger.Debug("close websocket", slog.String("error", err.Error()))
			}
		}()

		if !req.Continuous {
			timer := time.NewTimer(s.settle)
			defer timer.Stop()
			for {
				select {
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return
				case err := <-errs:
					yield(nil, fmt.Errorf("order updates: %w", err))
					return
				case <-timer.C:
					return
				case batch := <-updates:
					if !yield(batch, nil) {
						return
					}
					timer.Reset(s.settle)
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case err := <-errs:
				yield(nil, fmt.Errorf("order updates: %w", err))
				return
			case batch := <-updates:
				if !yield(batch, nil) {
					return
				}
			}
		}
	}, nil
}

// marketPair strips an optional "chain:" prefix.
func marketPair(market string) string {
	if _, pair, ok := strings.Cut(market, ":"); ok {
		return pair
	}
	return market
}

// converter turns order updates for one coin into book entries. It
// remembers which orders it has reported open so later updates for the same
// order become UPDATED rather than ADDED.
type converter struct {
	mu     sync.Mutex
	coin   string
	trader common.Address
	seen   map[int64]struct{}
	seq    uint64
}

func (c *converter) convert(orders []hyperliquid.WsOrder) []book.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]book.Entry, 0, len(orders))
	for _, o := range orders {
		if normalizeCoin(o.Order.Coin) != c.coin {
			continue
		}
		side, err := book.ParseSide(o.Order.Side)
		if err != nil {
			continue
		}
		c.seq++
		ts := o.StatusTimestamp
		if ts == 0 {
			ts = o.Order.Timestamp
		}
		e := book.Entry{
			OrderID:   uint64(o.Order.Oid),
			Side:      side,
			Price:     fixedpoint.Dec(o.Order.LimitPx),
			Quantity:  fixedpoint.Dec(o.Order.Sz),
			Timestamp: time.UnixMilli(ts).UTC(),
			Maker:     c.trader,
			Sequence:  c.seq,
		}
		if isLive(o.Status) {
			if _, ok := c.seen[o.Order.Oid]; ok {
				e.Status = book.StatusUpdated
			} else {
				e.Status = book.StatusAdded
			}
			c.seen[o.Order.Oid] = struct{}{}
		} else {
			e.Status = book.StatusRemoved
			delete(c.seen, o.Order.Oid)
		}
		out = append(out, e)
	}
	return out
}

// isLive reports whether the order still rests on the book. Filled,
// canceled, rejected and every other terminal status remove it.
func isLive(status hyperliquid.OrderStatusValue) bool {
	switch status {
	case hyperliquid.OrderStatusValueOpen, hyperliquid.OrderStatusValue("live"), hyperliquid.OrderStatusValue("triggered"):
		return true
	}
	return false
}
