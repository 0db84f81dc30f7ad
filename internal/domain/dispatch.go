package domain

import (
	"fmt"
	"time"
)

type DispatchStatus string

const (
	DispatchPending    DispatchStatus = "pending"
	DispatchDispatched DispatchStatus = "dispatched"
	DispatchFailed     DispatchStatus = "failed"
)

// EntryKey identifies a dispatch queue entry.
type EntryKey struct {
	OrderID string
	Station Station
}

func (k EntryKey) String() string { return fmt.Sprintf("%s/%s", k.OrderID, k.Station) }

// DispatchQueueEntry is one persisted delivery obligation. Payload holds the
// encoded NewOrderPayload.
type DispatchQueueEntry struct {
	OrderID      string         `json:"order_id"`
	Station      Station        `json:"station"`
	Payload      []byte         `json:"payload"`
	AttemptCount int            `json:"attempt_count"`
	Status       DispatchStatus `json:"status"`
	NextRetryAt  time.Time      `json:"next_retry_at"`
	LastSentAt   *time.Time     `json:"last_sent_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (e DispatchQueueEntry) Key() EntryKey { return EntryKey{OrderID: e.OrderID, Station: e.Station} }

// Due reports whether a pending entry should be sent at now.
func (e DispatchQueueEntry) Due(now time.Time) bool {
	return e.Status == DispatchPending && !now.Before(e.NextRetryAt)
}
