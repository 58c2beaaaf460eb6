// Package storage persists reconciled book snapshots in SQLite so a restart
// can serve the last known books immediately.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/howeyc/crc16"
	_ "modernc.org/sqlite"

	"github.com/recomma/booksync/book"
	"github.com/recomma/booksync/cache"
)

//go:embed schema.sql
var schemaDDL string

var ErrChecksumMismatch = errors.New("snapshot checksum does not match")

type Storage struct {
	db      *sql.DB
	queries *Queries
	mu      sync.Mutex
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*options)

type options struct {
	logger      *slog.Logger
	queryLogger *slog.Logger
	now         func() time.Time
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithQueryLogging logs every SQL statement to logger at debug level.
func WithQueryLogging(logger *slog.Logger) Option {
	return func(o *options) {
		o.queryLogger = logger
	}
}

func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func New(path string, opts ...Option) (*Storage, error) {
	o := options{
		logger: slog.Default().WithGroup("storage"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	var dbtx DBTX = db
	if o.queryLogger != nil {
		dbtx = loggingDB{inner: db, logger: o.queryLogger}
	}

	return &Storage{
		db:      db,
		queries: NewQueries(dbtx),
		logger:  o.logger,
		now:     o.now,
	}, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type snapshotPayload struct {
	Book       *book.Book   `json:"book"`
	OpenOrders []book.Entry `json:"openOrders"`
}

// SaveSnapshot stores rec, replacing the stored snapshot for the same key
// unless that one is newer.
func (s *Storage) SaveSnapshot(ctx context.Context, rec cache.Record) error {
	raw, err := json.Marshal(snapshotPayload{Book: rec.Book, OpenOrders: rec.OpenOrders})
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", rec.Key, err)
	}

	market, trader := keyColumns(rec.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queries.UpsertSnapshot(ctx, snapshotRow{
		Market:        market,
		Trader:        trader,
		Payload:       raw,
		Checksum:      int64(crc16.Checksum(raw, crc16.IBMTable)),
		InsertedAtUTC: rec.InsertedAt.UTC().UnixMilli(),
		UpdatedAtUTC:  s.now().UTC().UnixMilli(),
	})
}

// LoadSnapshot returns the stored snapshot for key, if any.
func (s *Storage) LoadSnapshot(ctx context.Context, key book.Key) (*cache.Record, bool, error) {
	market, trader := keyColumns(key)

	s.mu.Lock()
	row, err := s.queries.FetchSnapshot(ctx, market, trader)
	s.mu.Unlock()

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	rec, err := decodeRow(row)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// LoadSnapshots returns every readable snapshot. Rows that fail their
// checksum or cannot be decoded are skipped and logged.
func (s *Storage) LoadSnapshots(ctx context.Context) ([]cache.Record, error) {
	s.mu.Lock()
	rows, err := s.queries.ListSnapshots(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	out := make([]cache.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRow(row)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot",
				slog.String("market", row.Market),
				slog.String("trader", row.Trader),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *Storage) DeleteSnapshot(ctx context.Context, key book.Key) error {
	market, trader := keyColumns(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.queries.DeleteSnapshot(ctx, market, trader)
	return err
}

func (s *Storage) DeleteAllSnapshots(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.DeleteAllSnapshots(ctx)
}

// PruneSnapshots deletes snapshots inserted before the cutoff.
func (s *Storage) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.PruneSnapshots(ctx, before.UTC().UnixMilli())
}

func keyColumns(key book.Key) (market, trader string) {
	if key.Filtered() {
		trader = strings.ToLower(key.Trader.Hex())
	}
	return key.Market, trader
}

func decodeRow(row snapshotRow) (*cache.Record, error) {
	if int64(crc16.Checksum(row.Payload, crc16.IBMTable)) != row.Checksum {
		return nil, ErrChecksumMismatch
	}

	var payload snapshotPayload
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	key := book.Key{Market: row.Market}
	if row.Trader != "" {
		if !common.IsHexAddress(row.Trader) {
			return nil, fmt.Errorf("invalid trader column %q", row.Trader)
		}
		key.Trader = common.HexToAddress(row.Trader)
	}
	if payload.Book == nil {
		payload.Book = &book.Book{Bids: []book.Entry{}, Asks: []book.Entry{}}
	}

	return &cache.Record{
		Key:        key,
		Book:       payload.Book,
		OpenOrders: payload.OpenOrders,
		InsertedAt: time.UnixMilli(row.InsertedAtUTC).UTC(),
	}, nil
}
