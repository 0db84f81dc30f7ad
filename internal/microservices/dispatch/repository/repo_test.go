package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bakery-kds/internal/common/sqlitedb"
	"bakery-kds/internal/domain"
)

func entry(orderID string, st domain.Station, next time.Time) domain.DispatchQueueEntry {
	return domain.DispatchQueueEntry{
		OrderID:     orderID,
		Station:     st,
		Payload:     []byte(`{"order_id":"` + orderID + `"}`),
		Status:      domain.DispatchPending,
		NextRetryAt: next,
		CreatedAt:   next,
		UpdatedAt:   next,
	}
}

func testRepository(t *testing.T, repo DispatchRepositoryInterface) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	a := entry("o1", domain.StationKitchen, base.Add(2*time.Second))
	b := entry("o1", domain.StationBarista, base)
	c := entry("o2", domain.StationKitchen, base.Add(time.Second))
	for _, e := range []domain.DispatchQueueEntry{a, b, c} {
		if err := repo.Put(ctx, e); err != nil {
			t.Fatalf("Put %s: %v", e.Key(), err)
		}
	}

	pending, err := repo.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 3 || pending[0].Key() != b.Key() || pending[1].Key() != c.Key() || pending[2].Key() != a.Key() {
		t.Fatalf("ListPending order = %+v", pending)
	}

	// Put with the same key replaces, never duplicates.
	sent := base.Add(3 * time.Second)
	a.AttemptCount = 2
	a.LastSentAt = &sent
	a.LastError = "timeout"
	if err := repo.Put(ctx, a); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	got, err := repo.Get(ctx, a.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AttemptCount != 2 || got.LastSentAt == nil || !got.LastSentAt.Equal(sent) || got.LastError != "timeout" {
		t.Fatalf("Get after replace = %+v", got)
	}
	if string(got.Payload) != string(a.Payload) {
		t.Fatalf("payload = %q", got.Payload)
	}
	if n, _ := repo.Count(ctx, domain.DispatchPending); n != 3 {
		t.Fatalf("pending count = %d, want 3", n)
	}

	byOrder, err := repo.ListByOrder(ctx, "o1")
	if err != nil || len(byOrder) != 2 {
		t.Fatalf("ListByOrder = %+v, %v", byOrder, err)
	}

	c.Status = domain.DispatchFailed
	if err := repo.Update(ctx, c); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n, _ := repo.Count(ctx, domain.DispatchFailed); n != 1 {
		t.Fatalf("failed count = %d, want 1", n)
	}
	if deleted, err := repo.DeletePending(ctx, c.Key()); err != nil || deleted {
		t.Fatalf("DeletePending(failed) = %v, %v", deleted, err)
	}
	if _, err := repo.Get(ctx, c.Key()); err != nil {
		t.Fatalf("failed entry removed by DeletePending: %v", err)
	}

	deleted, err := repo.Delete(ctx, b.Key())
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	if deleted, _ := repo.Delete(ctx, b.Key()); deleted {
		t.Fatal("second Delete reported a removal")
	}
	if _, err := repo.Get(ctx, b.Key()); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("Get deleted = %v, want ErrEntryNotFound", err)
	}
	// An update racing an ACK delete must not bring the entry back.
	if err := repo.Update(ctx, b); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("Update deleted = %v, want ErrEntryNotFound", err)
	}
	if _, err := repo.Get(ctx, b.Key()); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatal("Update resurrected a deleted entry")
	}
}

func TestMemoryRepository(t *testing.T) {
	testRepository(t, NewMemoryRepository())
}

func TestSQLiteRepository(t *testing.T) {
	pool, err := sqlitedb.Open(sqlitedb.Config{
		Path:     filepath.Join(t.TempDir(), "dispatch.db"),
		PoolSize: 2,
		Schema:   SQLiteSchema,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	testRepository(t, NewSQLiteRepository(pool))
}

func TestSQLiteRepositorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.db")
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	pool, err := sqlitedb.Open(sqlitedb.Config{Path: path, PoolSize: 1, Schema: SQLiteSchema})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := NewSQLiteRepository(pool).Put(ctx, entry("o9", domain.StationDisplay, at)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	pool.Close()

	pool, err = sqlitedb.Open(sqlitedb.Config{Path: path, PoolSize: 1, Schema: SQLiteSchema})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	pending, err := NewSQLiteRepository(pool).ListPending(ctx)
	if err != nil || len(pending) != 1 || !pending[0].NextRetryAt.Equal(at) {
		t.Fatalf("after reopen: %+v, %v", pending, err)
	}
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("KDS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("KDS_TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	ctx := context.Background()
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	// The temp table lives on a single session.
	pcfg.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `CREATE TEMP TABLE kds_dispatch_queue (
		order_id TEXT NOT NULL, station TEXT NOT NULL, payload BYTEA NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0, status TEXT NOT NULL DEFAULT 'pending',
		next_retry_at TIMESTAMPTZ NOT NULL, last_sent_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '', created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(), PRIMARY KEY (order_id, station))`); err != nil {
		t.Fatalf("create temp table: %v", err)
	}
	testRepository(t, NewPostgresRepository(pool))
}
