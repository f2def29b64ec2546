package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemStatus is the lifecycle state of a queued item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	StatusDeadLetter ItemStatus = "dead_letter"
)

// Well-known priorities. Any value in [1, PriorityUrgent] is accepted.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 8
	PriorityUrgent = 10
)

// QueueItem is one unit of work: an inbound message awaiting a reply.
type QueueItem struct {
	ID           string            `json:"id"`
	RequesterKey string            `json:"requester_key"`
	Payload      string            `json:"payload"`
	Priority     int               `json:"priority"`
	CreatedAt    time.Time         `json:"created_at"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	Status       ItemStatus        `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastError    string            `json:"last_error,omitempty"`

	// NotBefore is set while the item waits out a retry backoff.
	NotBefore time.Time `json:"not_before,omitempty"`

	// StartedAt marks when a worker picked the item up; the stale reaper
	// uses it to reclaim work from crashed workers.
	StartedAt time.Time `json:"started_at,omitempty"`
}

// NewItemID derives an item ID from the requester and an arrival timestamp.
func NewItemID(requesterKey string, at time.Time) string {
	return fmt.Sprintf("%s_%d", requesterKey, at.UnixMicro())
}

// Encode serializes the item for storage.
func (q *QueueItem) Encode() (string, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode item: %w", err)
	}
	return string(data), nil
}

// DecodeItem deserializes an item from storage.
func DecodeItem(data string) (*QueueItem, error) {
	var item QueueItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return &item, nil
}
