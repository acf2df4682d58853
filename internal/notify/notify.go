// Package notify fans outbox status changes out to UI and message-bus sinks.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/curation_outbox/internal/logging"
	"github.com/austindbirch/curation_outbox/internal/metrics"
	"github.com/austindbirch/curation_outbox/internal/tracing"
)

// Status is a snapshot of the outbox published after every change
type Status struct {
	Pending    int               `json:"pending"`
	Oldest     int64             `json:"oldest,omitempty"`
	CurationID string            `json:"curation_id,omitempty"`
	Syncing    bool              `json:"syncing"`
	LastError  string            `json:"last_error,omitempty"`
	At         time.Time         `json:"at"`
	Trace      map[string]string `json:"trace,omitempty"`
}

// Marshal encodes st with the trace context of ctx attached
func (st Status) Marshal(ctx context.Context) ([]byte, error) {
	if st.Trace == nil {
		if tc := tracing.InjectMap(ctx); len(tc) > 0 {
			st.Trace = tc
		}
	}
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}
	return b, nil
}

type Notifier interface {
	Notify(ctx context.Context, st Status) error
	Close() error
}

// Nop discards every status
type Nop struct{}

func (Nop) Notify(context.Context, Status) error { return nil }
func (Nop) Close() error                         { return nil }

// Sink names a notifier for metrics and logs
type Sink struct {
	Name string
	Notifier
}

// Multi delivers each status to every sink. A failing sink does not stop the others.
type Multi struct {
	sinks  []Sink
	logger *logging.Logger
}

func NewMulti(logger *logging.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Notify(ctx context.Context, st Status) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, st); err != nil {
			metrics.RecordNotification(s.Name, "failed")
			m.logger.WithContext(ctx).WithField("sink", s.Name).WithError(err).Warn("status notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		metrics.RecordNotification(s.Name, "success")
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
