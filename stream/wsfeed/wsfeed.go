// Package wsfeed implements stream.Source over a JSON websocket feed.
//
// The client sends one subscribe frame and then reads frames of type
// "entries", "end", "error" and "heartbeat" until the feed ends or the
// context is cancelled.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/recomma/booksync/book"
	"github.com/recomma/booksync/fixedpoint"
	"github.com/recomma/booksync/stream"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultPingInterval     = 20 * time.Second
	writeTimeout            = 5 * time.Second
)

const (
	frameSubscribe = "subscribe"
	frameEntries   = "entries"
	frameEnd       = "end"
	frameError     = "error"
	frameHeartbeat = "heartbeat"
)

var ErrFeedClosed = errors.New("feed closed")

type subscribeFrame struct {
	Type              string `json:"type"`
	Market            string `json:"market"`
	Trader            string `json:"trader,omitempty"`
	Continuous        bool   `json:"continuous"`
	IncludeHistorical bool   `json:"includeHistorical"`
}

type inboundFrame struct {
	Type     string      `json:"type"`
	Unit     string      `json:"unit,omitempty"`
	Entries  []wireEntry `json:"entries,omitempty"`
	Message  string      `json:"message,omitempty"`
	Terminal bool        `json:"terminal,omitempty"`
}

type wireEntry struct {
	OrderID   json.Number `json:"orderId"`
	Side      string      `json:"side"`
	Price     string      `json:"price"`
	Quantity  string      `json:"quantity"`
	Status    string      `json:"status"`
	Timestamp int64       `json:"timestamp"`
	Maker     string      `json:"makerAddress"`
	Taker     string      `json:"takerAddress"`
	Sequence  uint64      `json:"sequence"`
}

// Client dials the feed once per Subscribe call.
type Client struct {
	url          string
	dialer       *websocket.Dialer
	header       http.Header
	readTimeout  time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// WithPingInterval sets how often pings are sent. It should stay well below
// the read timeout.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		dialer:       &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		readTimeout:  DefaultReadTimeout,
		pingInterval: DefaultPingInterval,
		logger:       slog.Default().WithGroup("wsfeed"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ stream.Source = (*Client)(nil)

// Subscribe dials the feed and sends the subscribe frame. The returned
// sequence owns the connection and closes it when iteration stops, so it
// must be ranged over exactly once.
func (c *Client) Subscribe(ctx context.Context, req stream.Request) (stream.Batches, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil && rejected(resp.StatusCode) {
			return nil, stream.Terminal(fmt.Errorf("dial %s: status %d: %w", c.url, resp.StatusCode, err))
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	sub := subscribeFrame{
		Type:              frameSubscribe,
		Market:            req.Market,
		Continuous:        req.Continuous,
		IncludeHistorical: req.IncludeHistorical,
	}
	if req.Trader != (common.Address{}) {
		sub.Trader = strings.ToLower(req.Trader.Hex())
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	logger := c.logger.With(slog.String("market", req.Market), slog.Bool("continuous", req.Continuous))
	logger.Debug("subscribed")

	return func(yield func([]book.Entry, error) bool) {
		defer conn.Close()
		// Closing the connection is the only way to unblock ReadMessage.
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stop()

		done := make(chan struct{})
		defer close(done)
		go c.pingLoop(conn, done)

		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					if req.Continuous {
						yield(nil, fmt.Errorf("%w: %w", ErrFeedClosed, err))
					}
					return
				}
				yield(nil, fmt.Errorf("read %s: %w", req.Market, err))
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))

			var frame inboundFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
				continue
			}

			switch frame.Type {
			case frameEntries:
				unit, err := parseUnit(frame.Unit)
				if err != nil {
					yield(nil, stream.Terminal(err))
					return
				}
				if !yield(decodeEntries(frame.Entries, unit, logger), nil) {
					return
				}
			case frameEnd:
				if !req.Continuous {
					c.closeGracefully(conn)
					return
				}
			case frameError:
				msg := frame.Message
				if msg == "" {
					msg = "feed error"
				}
				err := fmt.Errorf("%s: %s", req.Market, msg)
				if frame.Terminal {
					err = stream.Terminal(err)
				}
				yield(nil, err)
				return
			case frameHeartbeat:
			default:
				logger.Debug("ignoring frame", slog.String("type", frame.Type))
			}
		}
	}, nil
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *Client) closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// rejected reports handshake statuses that a retry will not change.
func rejected(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func parseUnit(v string) (fixedpoint.Unit, error) {
	if v == "" {
		return fixedpoint.UnitRawFixedPoint, nil
	}
	var u fixedpoint.Unit
	if err := u.UnmarshalText([]byte(v)); err != nil {
		return fixedpoint.UnitUnknown, err
	}
	return u, nil
}

// decodeEntries converts wire entries. Fields that fail to parse are left at
// their zero value so the reconciler drops and counts the entry.
func decodeEntries(in []wireEntry, unit fixedpoint.Unit, logger *slog.Logger) []book.Entry {
	out := make([]book.Entry, 0, len(in))
	for _, w := range in {
		e := book.Entry{
			Price:    fixedpoint.Amount{Value: strings.TrimSpace(w.Price), Unit: unit},
			Quantity: fixedpoint.Amount{Value: strings.TrimSpace(w.Quantity), Unit: unit},
			Sequence: w.Sequence,
		}
		id, err := strconv.ParseUint(w.OrderID.String(), 10, 64)
		if err != nil || id == 0 {
			logger.Debug("bad order id", slog.String("orderId", w.OrderID.String()))
			continue
		}
		e.OrderID = id
		if side, err := book.ParseSide(w.Side); err == nil {
			e.Side = side
		}
		_ = e.Status.UnmarshalText([]byte(w.Status))
		if w.Timestamp > 0 {
			e.Timestamp = time.UnixMilli(w.Timestamp).UTC()
		}
		if common.IsHexAddress(w.Maker) {
			e.Maker = common.HexToAddress(w.Maker)
		}
		if common.IsHexAddress(w.Taker) {
			e.Taker = common.HexToAddress(w.Taker)
		}
		out = append(out, e)
	}
	return out
}
