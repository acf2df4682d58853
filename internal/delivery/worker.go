// Package delivery drains the curation outbox against the remote curation service,
// one event at a time and oldest first.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/curation_outbox/internal/auth"
	"github.com/austindbirch/curation_outbox/internal/curation"
	"github.com/austindbirch/curation_outbox/internal/logging"
	"github.com/austindbirch/curation_outbox/internal/metrics"
	"github.com/austindbirch/curation_outbox/internal/notify"
	"github.com/austindbirch/curation_outbox/internal/outbox"
	"github.com/austindbirch/curation_outbox/internal/remote"
	"github.com/austindbirch/curation_outbox/internal/session"
	"github.com/austindbirch/curation_outbox/internal/tracing"
)

// Sender posts one request body to the remote endpoint for kind
type Sender interface {
	Send(ctx context.Context, kind curation.Kind, body []byte) (remote.Response, error)
}

type Options struct {
	SendInterval time.Duration // pause after a successful send
	PollInterval time.Duration // periodic wake-up while idle
	Notifier     notify.Notifier
	Tracker      *session.Tracker
	Logger       *logging.Logger
}

// Worker is the single-flight sync loop. At most one request is in flight
// at any time, no matter how many goroutines call Trigger, Drain or Run.
type Worker struct {
	store    outbox.Store
	sender   Sender
	creds    auth.CredentialSource
	tracker  *session.Tracker
	notifier notify.Notifier
	logger   *logging.Logger

	sendInterval time.Duration
	pollInterval time.Duration

	sending atomic.Bool
	wake    chan struct{}

	// keys stamps events submitted without created_at; seeded from the store once
	keys   *outbox.Clock
	seedMu sync.Mutex
	seeded bool

	mu      sync.Mutex
	lastErr string
}

func NewWorker(store outbox.Store, sender Sender, creds auth.CredentialSource, opts Options) *Worker {
	w := &Worker{
		store:        store,
		sender:       sender,
		creds:        creds,
		tracker:      opts.Tracker,
		notifier:     opts.Notifier,
		logger:       opts.Logger,
		sendInterval: opts.SendInterval,
		pollInterval: opts.PollInterval,
		wake:         make(chan struct{}, 1),
		keys:         outbox.NewClock(0),
	}
	if w.tracker == nil {
		w.tracker = session.NewTracker()
	}
	if w.notifier == nil {
		w.notifier = notify.Nop{}
	}
	if w.logger == nil {
		w.logger = logging.New("curation-sync")
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 30 * time.Second
	}
	if w.sendInterval < 0 {
		w.sendInterval = 0
	}
	return w
}

// Submit validates e, persists it and wakes the loop. The event is durable
// once Submit returns nil.
func (w *Worker) Submit(ctx context.Context, e curation.Event) error {
	if err := e.Check(); err != nil {
		return err
	}
	if err := w.store.Enqueue(ctx, e); err != nil {
		if errors.Is(err, outbox.ErrDuplicateKey) {
			w.keys.Observe(e.CreatedAt)
		}
		return err
	}
	w.keys.Observe(e.CreatedAt)
	metrics.RecordSubmitted(string(e.Kind))
	w.logger.WithContext(ctx).WithEvent(e.CreatedAt).WithKind(string(e.Kind)).Debug("curation event queued")
	w.publishStatus(ctx)
	w.Trigger()
	return nil
}

// SubmitNext stamps e with the next event key and submits it. Keys are unique
// and strictly increasing, and sort after every key already pending or
// submitted through this worker.
func (w *Worker) SubmitNext(ctx context.Context, e curation.Event) (curation.Event, error) {
	if err := w.seedKeys(ctx); err != nil {
		return e, err
	}
	for {
		e.CreatedAt = w.keys.Next()
		err := w.Submit(ctx, e)
		if errors.Is(err, outbox.ErrDuplicateKey) {
			// a producer-stamped event took this key first
			continue
		}
		return e, err
	}
}

// seedKeys starts the key clock above the largest pending key
func (w *Worker) seedKeys(ctx context.Context) error {
	w.seedMu.Lock()
	defer w.seedMu.Unlock()
	if w.seeded {
		return nil
	}
	last, err := w.store.LastKey(ctx)
	if err != nil {
		return fmt.Errorf("seed event keys: %w", err)
	}
	w.keys.Observe(last)
	w.seeded = true
	return nil
}

// Trigger wakes Run without blocking. Triggers that arrive while a wake-up is
// already pending collapse into it.
func (w *Worker) Trigger() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives deliveries until ctx ends. It attempts once at start, then on
// every Trigger or poll tick. After a successful send the next attempt waits
// for SendInterval; wake-ups during that pause are held until it ends.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.WithContext(ctx).WithFields(map[string]any{
		"send_interval": w.sendInterval.String(),
		"poll_interval": w.pollInterval.String(),
	}).Info("sync worker started")

	w.Trigger()
	var pace <-chan time.Time
	for {
		wake, tick := (<-chan struct{})(w.wake), ticker.C
		if pace != nil {
			wake, tick = nil, nil
		}

		select {
		case <-ctx.Done():
			w.logger.Plain().Info("sync worker stopped")
			return nil
		case <-wake:
		case <-tick:
		case <-pace:
		}
		pace = nil

		out := w.attempt(ctx)
		if out.sent {
			if w.sendInterval > 0 {
				pace = time.After(w.sendInterval)
			} else {
				w.Trigger()
			}
		}
	}
}

// Drain runs attempts back to back, pacing between successes, until one of
// them stops. Deferred outcomes are reported as stop reasons, not errors.
func (w *Worker) Drain(ctx context.Context) Report {
	var r Report
	for {
		out := w.attempt(ctx)
		if !out.sent {
			r.Stopped, r.Err = out.reason, out.err
			if out.err != nil && !errors.Is(out.err, ErrNoCredential) {
				r.Error = out.err.Error()
			}
			return r
		}
		r.Sent++

		if w.sendInterval > 0 {
			timer := time.NewTimer(w.sendInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.Stopped, r.Err = StopCancelled, ctx.Err()
				r.Error = ctx.Err().Error()
				return r
			case <-timer.C:
			}
		}
	}
}

// attempt delivers the oldest pending event, if it may
func (w *Worker) attempt(ctx context.Context) outcome {
	if !w.sending.CompareAndSwap(false, true) {
		metrics.RecordDeferred(string(StopBusy))
		return outcome{reason: StopBusy}
	}
	defer w.sending.Store(false)

	if err := ctx.Err(); err != nil {
		return outcome{reason: StopCancelled, err: err}
	}

	token, ok := w.creds.Token(ctx)
	if !ok {
		metrics.RecordDeferred(string(StopNoCredential))
		return outcome{reason: StopNoCredential, err: ErrNoCredential}
	}

	e, err := w.store.Oldest(ctx)
	if errors.Is(err, outbox.ErrEmpty) {
		return outcome{reason: StopEmpty}
	}
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("read oldest event failed")
		w.setLastError(err)
		return outcome{reason: StopFailed, err: err}
	}

	ctx, span := tracing.StartSpan(ctx, "curation.deliver", tracing.EventAttributes(e.CreatedAt, string(e.Kind))...)
	defer span.End()
	log := func() *logging.LogEntry {
		return w.logger.WithContext(ctx).WithEvent(e.CreatedAt).WithKind(string(e.Kind))
	}

	curationID, haveSession := w.tracker.Current()
	if e.Kind != curation.KindBegin && !haveSession {
		// the first delivered event opens the session implicitly
		metrics.RecordMissingSession()
		tracing.AddSpanEvent(ctx, "curation.missing_session")
		log().WithError(ErrMissingSession).Warn("sending without curation_id")
	}

	body, err := curation.NewRequest(e, curationID, token).Marshal()
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log().WithError(err).Error("build request failed")
		w.setLastError(err)
		return outcome{reason: StopFailed, err: err}
	}

	tracing.AddSpanEvent(ctx, "http.send_curation")
	start := time.Now()
	resp, err := w.sender.Send(ctx, e.Kind, body)
	latency := time.Since(start)
	span.SetAttributes(
		attribute.Int("http.status_code", resp.Status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if err != nil {
		reason := remote.Classify(err)
		span.SetAttributes(attribute.String("failure_reason", reason))
		tracing.SetSpanError(ctx, err)
		metrics.RecordDelivery(string(e.Kind), "failed", latency)
		if ctx.Err() != nil {
			log().WithError(err).Info("delivery cancelled, event kept")
			return outcome{reason: StopCancelled, err: ctx.Err()}
		}
		metrics.RecordRetry(reason)
		log().WithFields(map[string]any{
			"reason":      reason,
			"http_status": resp.Status,
		}).WithError(err).Warn("delivery failed, event kept for retry")
		w.setLastError(err)
		w.publishStatus(ctx)
		return outcome{reason: StopFailed, err: err}
	}

	// accepted remotely: the session and the removal must survive cancellation
	if resp.CurationID != "" {
		w.tracker.Set(resp.CurationID)
		curationID = resp.CurationID
	}
	ctx = context.WithoutCancel(ctx)
	if err := w.store.Remove(ctx, e.CreatedAt); err != nil {
		// still pending locally; it will be sent again
		tracing.SetSpanError(ctx, err)
		log().WithError(err).Error("remove delivered event failed")
		w.setLastError(err)
		return outcome{reason: StopFailed, err: err}
	}

	metrics.RecordDelivery(string(e.Kind), "success", latency)
	tracing.AddSpanEvent(ctx, "delivery.success")
	log().WithCuration(curationID).WithField("latency_ms", latency.Milliseconds()).Info("curation event delivered")
	w.setLastError(nil)
	w.publishStatus(ctx)
	return outcome{sent: true}
}

func (w *Worker) setLastError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.lastErr = ""
		return
	}
	w.lastErr = err.Error()
}

// Status reports the outbox depth, the oldest pending key and the session
func (w *Worker) Status(ctx context.Context) (notify.Status, error) {
	n, err := w.store.Size(ctx)
	if err != nil {
		return notify.Status{}, err
	}
	st := notify.Status{Pending: n, Syncing: w.sending.Load(), At: time.Now().UTC()}
	if n > 0 {
		oldest, err := w.store.Oldest(ctx)
		if err != nil && !errors.Is(err, outbox.ErrEmpty) {
			return notify.Status{}, err
		}
		st.Oldest = oldest.CreatedAt
	}
	st.CurationID, _ = w.tracker.Current()

	w.mu.Lock()
	st.LastError = w.lastErr
	w.mu.Unlock()
	return st, nil
}

// Pending lists up to limit queued events in delivery order
func (w *Worker) Pending(ctx context.Context, limit int) ([]curation.Event, error) {
	return w.store.List(ctx, limit)
}

// ResetSession forgets the current curation id; the next delivered event opens a new session
func (w *Worker) ResetSession(ctx context.Context) {
	w.tracker.Reset()
	w.logger.WithContext(ctx).Info("curation session reset")
	w.publishStatus(ctx)
}

func (w *Worker) publishStatus(ctx context.Context) {
	st, err := w.Status(ctx)
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Warn("read outbox status failed")
		return
	}
	metrics.UpdatePending(st.Pending)
	if err := w.notifier.Notify(ctx, st); err != nil {
		w.logger.WithContext(ctx).WithError(err).Debug("status notification failed")
	}
}
