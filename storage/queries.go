package storage

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB, *sql.Tx and loggingDB.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type snapshotRow struct {
	Market        string
	Trader        string
	Payload       []byte
	Checksum      int64
	InsertedAtUTC int64
	UpdatedAtUTC  int64
}

const upsertSnapshot = `
INSERT INTO book_snapshots (market, trader, payload, checksum, inserted_at_utc, updated_at_utc)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (market, trader) DO UPDATE SET
    payload = excluded.payload,
    checksum = excluded.checksum,
    inserted_at_utc = excluded.inserted_at_utc,
    updated_at_utc = excluded.updated_at_utc
WHERE excluded.inserted_at_utc >= book_snapshots.inserted_at_utc
`

func (q *Queries) UpsertSnapshot(ctx context.Context, arg snapshotRow) error {
	_, err := q.db.ExecContext(ctx, upsertSnapshot,
		arg.Market,
		arg.Trader,
		arg.Payload,
		arg.Checksum,
		arg.InsertedAtUTC,
		arg.UpdatedAtUTC,
	)
	return err
}

const fetchSnapshot = `
SELECT market, trader, payload, checksum, inserted_at_utc, updated_at_utc
FROM book_snapshots
WHERE market = ? AND trader = ?
`

func (q *Queries) FetchSnapshot(ctx context.Context, market, trader string) (snapshotRow, error) {
	row := q.db.QueryRowContext(ctx, fetchSnapshot, market, trader)
	var i snapshotRow
	err := row.Scan(
		&i.Market,
		&i.Trader,
		&i.Payload,
		&i.Checksum,
		&i.InsertedAtUTC,
		&i.UpdatedAtUTC,
	)
	return i, err
}

const listSnapshots = `
SELECT market, trader, payload, checksum, inserted_at_utc, updated_at_utc
FROM book_snapshots
ORDER BY market, trader
`

func (q *Queries) ListSnapshots(ctx context.Context) ([]snapshotRow, error) {
	rows, err := q.db.QueryContext(ctx, listSnapshots)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []snapshotRow
	for rows.Next() {
		var i snapshotRow
		if err := rows.Scan(
			&i.Market,
			&i.Trader,
			&i.Payload,
			&i.Checksum,
			&i.InsertedAtUTC,
			&i.UpdatedAtUTC,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deleteSnapshot = `
DELETE FROM book_snapshots WHERE market = ? AND trader = ?
`

func (q *Queries) DeleteSnapshot(ctx context.Context, market, trader string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteSnapshot, market, trader)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const deleteAllSnapshots = `
DELETE FROM book_snapshots
`

func (q *Queries) DeleteAllSnapshots(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteAllSnapshots)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const pruneSnapshots = `
DELETE FROM book_snapshots WHERE inserted_at_utc < ?
`

func (q *Queries) PruneSnapshots(ctx context.Context, beforeUTC int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, pruneSnapshots, beforeUTC)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
