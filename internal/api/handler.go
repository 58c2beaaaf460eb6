// Package api exposes cached books, balances and refresh signals over HTTP
// and server-sent events.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/howeyc/crc16"
	"github.com/oapi-codegen/nullable"
	"github.com/rs/cors"

	"github.com/recomma/booksync/balance"
	"github.com/recomma/booksync/book"
	"github.com/recomma/booksync/market"
	"github.com/recomma/booksync/signals"
)

const (
	defaultGetTimeout = 15 * time.Second
	defaultHeartbeat  = 15 * time.Second
)

// Books is the part of market.Service the API serves.
type Books interface {
	Get(ctx context.Context, key book.Key) (market.Result, error)
	Open(key book.Key) (*market.View, error)
	Invalidate(ctx context.Context, key book.Key) bool
}

type Balances interface {
	Balance(ctx context.Context, key balance.Key) (balance.Balance, error)
}

type Publisher interface {
	Publish(name signals.Name) int
}

type Handler struct {
	books     Books
	balances  Balances
	signals   Publisher
	logger    *slog.Logger
	timeout   time.Duration
	heartbeat time.Duration
}

type HandlerOption func(*Handler)

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithBalances(b Balances) HandlerOption {
	return func(h *Handler) { h.balances = b }
}

func WithSignals(p Publisher) HandlerOption {
	return func(h *Handler) { h.signals = p }
}

// WithGetTimeout bounds how long a GET waits for a first load.
func WithGetTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithHeartbeat sets the interval of SSE keepalive comments.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

func NewHandler(books Books, opts ...HandlerOption) *Handler {
	h := &Handler{
		books:     books,
		logger:    slog.Default().WithGroup("api"),
		timeout:   defaultGetTimeout,
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/books/{market}", h.getBook)
	mux.HandleFunc("DELETE /api/books/{market}", h.deleteBook)
	mux.HandleFunc("GET /sse/books/{market}", h.streamBook)
	mux.HandleFunc("POST /api/refresh/{signal}", h.refresh)
	mux.HandleFunc("GET /api/balances/{address}", h.getBalance)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// CORS wraps next with the allowed origins.
func CORS(next http.Handler, allowedOrigins []string) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"ETag"},
	}).Handler(next)
}

// BookResponse is the JSON shape of a book result.
type BookResponse struct {
	Market         string                    `json:"market"`
	Trader         string                    `json:"trader,omitempty"`
	Phase          string                    `json:"phase"`
	Book           *book.Book                `json:"book"`
	OpenOrders     []book.Entry              `json:"openOrders"`
	Loading        bool                      `json:"loading"`
	InitialLoading bool                      `json:"initialLoading"`
	Error          nullable.Nullable[string] `json:"error"`
	LastUpdate     *time.Time                `json:"lastUpdate,omitempty"`
	Stale          bool                      `json:"stale"`
}

func toResponse(r market.Result) BookResponse {
	resp := BookResponse{
		Market:         r.Key.Market,
		Phase:          r.Phase.String(),
		Book:           r.Book,
		OpenOrders:     r.OpenOrders,
		Loading:        r.Loading,
		InitialLoading: r.InitialLoading,
		Error:          nullable.NewNullNullable[string](),
		Stale:          r.Stale,
	}
	if r.Key.Filtered() {
		resp.Trader = strings.ToLower(r.Key.Trader.Hex())
	}
	if resp.OpenOrders == nil {
		resp.OpenOrders = []book.Entry{}
	}
	if r.Err != nil {
		resp.Error = nullable.NewNullableWithValue(r.Err.Error())
	}
	if !r.LastUpdate.IsZero() {
		ts := r.LastUpdate.UTC()
		resp.LastUpdate = &ts
	}
	return resp
}

type errorResponse struct {
	Error string `json:"error"`
}

func keyFromRequest(r *http.Request) (book.Key, error) {
	return book.NewKey(r.PathValue("market"), r.URL.Query().Get("trader"))
}

func (h *Handler) getBook(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	res, err := h.books.Get(ctx, key)
	switch {
	case errors.Is(err, market.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, toResponse(res))
		return
	case err != nil:
		h.logger.Debug("book request ended", slog.String("key", key.String()), slog.String("error", err.Error()))
		return
	}

	body, err := json.Marshal(toResponse(res))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	tag := etag(body)
	w.Header().Set("ETag", tag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// etag derives a validator from the body length and its CRC-16.
func etag(body []byte) string {
	return fmt.Sprintf(`"%x-%04x"`, len(body), crc16.Checksum(body, crc16.IBMTable))
}

func (h *Handler) deleteBook(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	removed := h.books.Invalidate(r.Context(), key)
	h.logger.Info("book invalidated", slog.String("key", key.String()), slog.Bool("removed", removed))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	name := signals.Name(r.PathValue("signal"))
	if !signals.Known(name) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown signal %q", name)})
		return
	}
	if h.signals == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "signals not configured"})
		return
	}
	delivered := h.signals.Publish(name)
	writeJSON(w, http.StatusAccepted, map[string]any{"signal": name, "delivered": delivered})
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	if h.balances == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "balances not configured"})
		return
	}
	key, err := balance.NewKey(r.PathValue("address"), r.URL.Query().Get("asset"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	b, err := h.balances.Balance(r.Context(), key)
	switch {
	case errors.Is(err, balance.ErrUnsupportedAsset):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case err != nil:
		h.logger.Warn("balance read failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, b)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
