package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// loggingDB logs every statement at debug level before handing it to inner.
type loggingDB struct {
	inner  DBTX
	logger *slog.Logger
}

func (l loggingDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := l.inner.ExecContext(ctx, query, args...)
	l.log(ctx, "sql exec", query, args, time.Since(start), err)
	return res, err
}

func (l loggingDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := l.inner.QueryContext(ctx, query, args...)
	l.log(ctx, "sql query", query, args, time.Since(start), err)
	return rows, err
}

func (l loggingDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	l.log(ctx, "sql query row", query, args, 0, nil)
	return l.inner.QueryRowContext(ctx, query, args...)
}

func (l loggingDB) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	start := time.Now()
	stmt, err := l.inner.PrepareContext(ctx, query)
	l.log(ctx, "sql prepare", query, nil, time.Since(start), err)
	return stmt, err
}

func (l loggingDB) log(ctx context.Context, msg, query string, args []any, took time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("query", query),
		slog.Int("args", len(args)),
		slog.Duration("duration", took),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.LogAttrs(ctx, slog.LevelDebug, msg, attrs...)
}
