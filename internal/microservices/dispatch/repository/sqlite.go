package repository

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"bakery-kds/internal/common/sqlitedb"
	"bakery-kds/internal/domain"
)

// SQLiteSchema creates the dispatch queue table. Timestamps are unix nanos.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS dispatch_queue (
	order_id      TEXT    NOT NULL,
	station       TEXT    NOT NULL,
	payload       BLOB    NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	status        TEXT    NOT NULL DEFAULT 'pending',
	next_retry_at INTEGER NOT NULL,
	last_sent_at  INTEGER,
	last_error    TEXT    NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (order_id, station)
);
CREATE INDEX IF NOT EXISTS dispatch_queue_due ON dispatch_queue (status, next_retry_at);
`

const entryColumns = `order_id, station, payload, attempt_count, status, next_retry_at,
	last_sent_at, last_error, created_at, updated_at`

type SQLiteRepository struct {
	pool *sqlitedb.Pool
}

// NewSQLiteRepository expects a pool opened with SQLiteSchema.
func NewSQLiteRepository(pool *sqlitedb.Pool) DispatchRepositoryInterface {
	return &SQLiteRepository{pool: pool}
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func entryArgs(e domain.DispatchQueueEntry) []any {
	var lastSent any
	if e.LastSentAt != nil {
		lastSent = nanos(*e.LastSentAt)
	}
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	return []any{
		e.OrderID, string(e.Station), payload, e.AttemptCount, string(e.Status),
		nanos(e.NextRetryAt), lastSent, e.LastError, nanos(e.CreatedAt), nanos(e.UpdatedAt),
	}
}

func (r *SQLiteRepository) Put(ctx context.Context, e domain.DispatchQueueEntry) error {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("dispatch store: put: %w", err)
	}
	defer r.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO dispatch_queue (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id, station) DO UPDATE SET
			payload = excluded.payload,
			attempt_count = excluded.attempt_count,
			status = excluded.status,
			next_retry_at = excluded.next_retry_at,
			last_sent_at = excluded.last_sent_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: entryArgs(e)})
	if err != nil {
		return fmt.Errorf("dispatch store: put %s: %w", e.Key(), err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, e domain.DispatchQueueEntry) error {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("dispatch store: update: %w", err)
	}
	defer r.pool.Put(conn)

	a := entryArgs(e)
	err = sqlitex.Execute(conn, `
		UPDATE dispatch_queue SET
			payload = ?, attempt_count = ?, status = ?, next_retry_at = ?,
			last_sent_at = ?, last_error = ?, updated_at = ?
		WHERE order_id = ? AND station = ?`,
		&sqlitex.ExecOptions{Args: []any{a[2], a[3], a[4], a[5], a[6], a[7], a[9], a[0], a[1]}})
	if err != nil {
		return fmt.Errorf("dispatch store: update %s: %w", e.Key(), err)
	}
	if conn.Changes() == 0 {
		return notFound(e.Key())
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, key domain.EntryKey) (domain.DispatchQueueEntry, error) {
	es, err := r.query(ctx, `SELECT `+entryColumns+` FROM dispatch_queue WHERE order_id = ? AND station = ?`,
		key.OrderID, string(key.Station))
	if err != nil {
		return domain.DispatchQueueEntry{}, err
	}
	if len(es) == 0 {
		return domain.DispatchQueueEntry{}, notFound(key)
	}
	return es[0], nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, key domain.EntryKey) (bool, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("dispatch store: delete: %w", err)
	}
	defer r.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM dispatch_queue WHERE order_id = ? AND station = ?`,
		&sqlitex.ExecOptions{Args: []any{key.OrderID, string(key.Station)}})
	if err != nil {
		return false, fmt.Errorf("dispatch store: delete %s: %w", key, err)
	}
	return conn.Changes() > 0, nil
}

func (r *SQLiteRepository) DeletePending(ctx context.Context, key domain.EntryKey) (bool, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("dispatch store: delete: %w", err)
	}
	defer r.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM dispatch_queue WHERE order_id = ? AND station = ? AND status = ?`,
		&sqlitex.ExecOptions{Args: []any{key.OrderID, string(key.Station), string(domain.DispatchPending)}})
	if err != nil {
		return false, fmt.Errorf("dispatch store: delete %s: %w", key, err)
	}
	return conn.Changes() > 0, nil
}

func (r *SQLiteRepository) ListPending(ctx context.Context) ([]domain.DispatchQueueEntry, error) {
	return r.query(ctx, `SELECT `+entryColumns+` FROM dispatch_queue
		WHERE status = ? ORDER BY next_retry_at, order_id, station`, string(domain.DispatchPending))
}

func (r *SQLiteRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.DispatchQueueEntry, error) {
	return r.query(ctx, `SELECT `+entryColumns+` FROM dispatch_queue
		WHERE order_id = ? ORDER BY next_retry_at, station`, orderID)
}

func (r *SQLiteRepository) Count(ctx context.Context, status domain.DispatchStatus) (int, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch store: count: %w", err)
	}
	defer r.pool.Put(conn)

	var n int
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM dispatch_queue WHERE status = ?`, &sqlitex.ExecOptions{
		Args: []any{string(status)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("dispatch store: count %s: %w", status, err)
	}
	return n, nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]domain.DispatchQueueEntry, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch store: query: %w", err)
	}
	defer r.pool.Put(conn)

	var out []domain.DispatchQueueEntry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanEntry(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch store: query: %w", err)
	}
	return out, nil
}

// Columns follow entryColumns.
func scanEntry(stmt *sqlite.Stmt) domain.DispatchQueueEntry {
	payload := make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, payload)

	e := domain.DispatchQueueEntry{
		OrderID:      stmt.ColumnText(0),
		Station:      domain.Station(stmt.ColumnText(1)),
		Payload:      payload,
		AttemptCount: stmt.ColumnInt(3),
		Status:       domain.DispatchStatus(stmt.ColumnText(4)),
		NextRetryAt:  fromNanos(stmt.ColumnInt64(5)),
		LastError:    stmt.ColumnText(7),
		CreatedAt:    fromNanos(stmt.ColumnInt64(8)),
		UpdatedAt:    fromNanos(stmt.ColumnInt64(9)),
	}
	if !stmt.ColumnIsNull(6) {
		t := fromNanos(stmt.ColumnInt64(6))
		e.LastSentAt = &t
	}
	return e
}
