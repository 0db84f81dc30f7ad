package repository

import (
	"context"
	"sort"
	"sync"

	"bakery-kds/internal/domain"
)

// MemoryRepository keeps the queue in process memory. Nothing survives a
// restart; it backs tests and the dispatch.store=memory mode.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[domain.EntryKey]domain.DispatchQueueEntry
}

func NewMemoryRepository() DispatchRepositoryInterface {
	return &MemoryRepository{entries: make(map[domain.EntryKey]domain.DispatchQueueEntry)}
}

func clone(e domain.DispatchQueueEntry) domain.DispatchQueueEntry {
	e.Payload = append([]byte(nil), e.Payload...)
	if e.LastSentAt != nil {
		t := *e.LastSentAt
		e.LastSentAt = &t
	}
	return e
}

func (r *MemoryRepository) Put(_ context.Context, e domain.DispatchQueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[e.Key()]; ok && e.CreatedAt.IsZero() {
		e.CreatedAt = old.CreatedAt
	}
	r.entries[e.Key()] = clone(e)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, e domain.DispatchQueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.entries[e.Key()]
	if !ok {
		return notFound(e.Key())
	}
	e.CreatedAt = old.CreatedAt
	r.entries[e.Key()] = clone(e)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, key domain.EntryKey) (domain.DispatchQueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return domain.DispatchQueueEntry{}, notFound(key)
	}
	return clone(e), nil
}

func (r *MemoryRepository) Delete(_ context.Context, key domain.EntryKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	return ok, nil
}

func (r *MemoryRepository) DeletePending(_ context.Context, key domain.EntryKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.Status != domain.DispatchPending {
		return false, nil
	}
	delete(r.entries, key)
	return true, nil
}

func (r *MemoryRepository) ListPending(_ context.Context) ([]domain.DispatchQueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DispatchQueueEntry
	for _, e := range r.entries {
		if e.Status == domain.DispatchPending {
			out = append(out, clone(e))
		}
	}
	sortEntries(out)
	return out, nil
}

func (r *MemoryRepository) ListByOrder(_ context.Context, orderID string) ([]domain.DispatchQueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DispatchQueueEntry
	for k, e := range r.entries {
		if k.OrderID == orderID {
			out = append(out, clone(e))
		}
	}
	sortEntries(out)
	return out, nil
}

func (r *MemoryRepository) Count(_ context.Context, status domain.DispatchStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}

func sortEntries(es []domain.DispatchQueueEntry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].NextRetryAt.Equal(es[j].NextRetryAt) {
			return es[i].NextRetryAt.Before(es[j].NextRetryAt)
		}
		if es[i].OrderID != es[j].OrderID {
			return es[i].OrderID < es[j].OrderID
		}
		return es[i].Station < es[j].Station
	})
}
