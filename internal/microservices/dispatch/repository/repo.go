package repository

import (
	"context"
	"fmt"

	"bakery-kds/internal/domain"
)

// DispatchRepositoryInterface persists the dispatch queue. Entries are keyed
// by (order_id, station).
type DispatchRepositoryInterface interface {
	// Put inserts e or replaces the entry with the same key.
	Put(ctx context.Context, e domain.DispatchQueueEntry) error
	// Update replaces an existing entry and fails with
	// domain.ErrEntryNotFound if it was deleted meanwhile, so a retry write
	// never resurrects an acknowledged entry.
	Update(ctx context.Context, e domain.DispatchQueueEntry) error
	Get(ctx context.Context, key domain.EntryKey) (domain.DispatchQueueEntry, error)
	// Delete reports whether an entry was removed.
	Delete(ctx context.Context, key domain.EntryKey) (bool, error)
	// DeletePending removes the entry only while it is still pending. A
	// failed entry is left in place and false is returned.
	DeletePending(ctx context.Context, key domain.EntryKey) (bool, error)
	// ListPending returns pending entries ordered by next_retry_at.
	ListPending(ctx context.Context) ([]domain.DispatchQueueEntry, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.DispatchQueueEntry, error)
	Count(ctx context.Context, status domain.DispatchStatus) (int, error)
}

type Repository struct {
	DispatchRepo DispatchRepositoryInterface
}

func New(repo DispatchRepositoryInterface) *Repository {
	return &Repository{DispatchRepo: repo}
}

func notFound(key domain.EntryKey) error {
	return fmt.Errorf("%w: %s", domain.ErrEntryNotFound, key)
}
