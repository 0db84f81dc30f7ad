package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bakery-kds/internal/domain"
)

const pgColumns = `order_id, station, payload, attempt_count, status, next_retry_at,
	last_sent_at, last_error, created_at, updated_at`

// PostgresRepository stores the queue in kds_dispatch_queue, for back-office
// installations where the POS shares the store database.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) DispatchRepositoryInterface {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Put(ctx context.Context, e domain.DispatchQueueEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO kds_dispatch_queue (`+pgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()), $10)
		ON CONFLICT (order_id, station) DO UPDATE SET
			payload = EXCLUDED.payload,
			attempt_count = EXCLUDED.attempt_count,
			status = EXCLUDED.status,
			next_retry_at = EXCLUDED.next_retry_at,
			last_sent_at = EXCLUDED.last_sent_at,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, e.OrderID, string(e.Station), e.Payload, e.AttemptCount, string(e.Status),
		e.NextRetryAt, e.LastSentAt, e.LastError, nullTime(e), e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert dispatch entry %s: %w", e.Key(), err)
	}
	return nil
}

func nullTime(e domain.DispatchQueueEntry) any {
	if e.CreatedAt.IsZero() {
		return nil
	}
	return e.CreatedAt
}

func (r *PostgresRepository) Update(ctx context.Context, e domain.DispatchQueueEntry) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE kds_dispatch_queue SET
			payload = $3, attempt_count = $4, status = $5, next_retry_at = $6,
			last_sent_at = $7, last_error = $8, updated_at = $9
		WHERE order_id = $1 AND station = $2
	`, e.OrderID, string(e.Station), e.Payload, e.AttemptCount, string(e.Status),
		e.NextRetryAt, e.LastSentAt, e.LastError, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update dispatch entry %s: %w", e.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(e.Key())
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, key domain.EntryKey) (domain.DispatchQueueEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+pgColumns+` FROM kds_dispatch_queue
		WHERE order_id = $1 AND station = $2`, key.OrderID, string(key.Station))
	if err != nil {
		return domain.DispatchQueueEntry{}, fmt.Errorf("failed to get dispatch entry %s: %w", key, err)
	}
	es, err := collect(rows)
	if err != nil {
		return domain.DispatchQueueEntry{}, err
	}
	if len(es) == 0 {
		return domain.DispatchQueueEntry{}, notFound(key)
	}
	return es[0], nil
}

func (r *PostgresRepository) Delete(ctx context.Context, key domain.EntryKey) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM kds_dispatch_queue WHERE order_id = $1 AND station = $2`,
		key.OrderID, string(key.Station))
	if err != nil {
		return false, fmt.Errorf("failed to delete dispatch entry %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) DeletePending(ctx context.Context, key domain.EntryKey) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM kds_dispatch_queue WHERE order_id = $1 AND station = $2 AND status = $3`,
		key.OrderID, string(key.Station), string(domain.DispatchPending))
	if err != nil {
		return false, fmt.Errorf("failed to delete dispatch entry %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) ListPending(ctx context.Context) ([]domain.DispatchQueueEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+pgColumns+` FROM kds_dispatch_queue
		WHERE status = $1 ORDER BY next_retry_at, order_id, station`, string(domain.DispatchPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending dispatch entries: %w", err)
	}
	return collect(rows)
}

func (r *PostgresRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.DispatchQueueEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+pgColumns+` FROM kds_dispatch_queue
		WHERE order_id = $1 ORDER BY next_retry_at, station`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatch entries for %s: %w", orderID, err)
	}
	return collect(rows)
}

func (r *PostgresRepository) Count(ctx context.Context, status domain.DispatchStatus) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM kds_dispatch_queue WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s dispatch entries: %w", status, err)
	}
	return n, nil
}

func collect(rows pgx.Rows) ([]domain.DispatchQueueEntry, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.DispatchQueueEntry, error) {
		var (
			e       domain.DispatchQueueEntry
			station string
			status  string
		)
		err := row.Scan(&e.OrderID, &station, &e.Payload, &e.AttemptCount, &status,
			&e.NextRetryAt, &e.LastSentAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
		e.Station = domain.Station(station)
		e.Status = domain.DispatchStatus(status)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan dispatch entries: %w", err)
	}
	return out, nil
}
