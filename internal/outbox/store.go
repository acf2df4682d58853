// Package outbox holds curation events that have not yet been acknowledged by the
// remote curation service. Events are keyed by their created_at timestamp and always
// come back out oldest first.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/austindbirch/curation_outbox/internal/curation"
)

var (
	// ErrDuplicateKey means an event with the same created_at is already pending
	ErrDuplicateKey = errors.New("outbox: duplicate key")
	// ErrEmpty means there is nothing pending
	ErrEmpty = errors.New("outbox: empty")
)

// Store is a durable, ordered queue of pending curation events.
// Enqueue and Remove must be durable before they return.
type Store interface {
	// Enqueue persists e keyed by e.CreatedAt, or fails with ErrDuplicateKey.
	Enqueue(ctx context.Context, e curation.Event) error
	// Oldest returns the event with the smallest key, or ErrEmpty.
	Oldest(ctx context.Context) (curation.Event, error)
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key int64) error
	// Size returns the number of pending events.
	Size(ctx context.Context) (int, error)
	// LastKey returns the largest pending key, or 0 when nothing is pending.
	LastKey(ctx context.Context) (int64, error)
	// List returns up to limit pending events in delivery order; limit <= 0 means all.
	List(ctx context.Context, limit int) ([]curation.Event, error)
	Ping(ctx context.Context) error
	Close() error
}

func encodeEvent(e curation.Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %d: %w", e.CreatedAt, err)
	}
	return b, nil
}

func decodeEvent(b []byte) (curation.Event, error) {
	var e curation.Event
	if err := json.Unmarshal(b, &e); err != nil {
		return curation.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
