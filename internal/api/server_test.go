package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/curation_outbox/internal/auth"
	"github.com/austindbirch/curation_outbox/internal/curation"
	"github.com/austindbirch/curation_outbox/internal/delivery"
	"github.com/austindbirch/curation_outbox/internal/notify"
	"github.com/austindbirch/curation_outbox/internal/outbox"
	"github.com/austindbirch/curation_outbox/internal/remote"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeOutbox struct {
	mu        sync.Mutex
	submitted []curation.Event
	submitErr error
	pending   []curation.Event
	listLimit int
	status    notify.Status
	resets    int
	triggers  int
	report    delivery.Report
	lastKey   int64
}

func (f *fakeOutbox) Submit(_ context.Context, e curation.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	if err := e.Check(); err != nil {
		return err
	}
	f.submitted = append(f.submitted, e)
	return nil
}

func (f *fakeOutbox) SubmitNext(ctx context.Context, e curation.Event) (curation.Event, error) {
	f.mu.Lock()
	if f.lastKey == 0 {
		f.lastKey = 1700000000000 - 1
	}
	f.lastKey++
	e.CreatedAt = f.lastKey
	f.mu.Unlock()
	return e, f.Submit(ctx, e)
}

func (f *fakeOutbox) Status(context.Context) (notify.Status, error) { return f.status, nil }

func (f *fakeOutbox) Pending(_ context.Context, limit int) ([]curation.Event, error) {
	f.listLimit = limit
	if limit > 0 && limit < len(f.pending) {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeOutbox) ResetSession(context.Context) { f.resets++ }
func (f *fakeOutbox) Drain(context.Context) delivery.Report { return f.report }
func (f *fakeOutbox) Trigger() { f.triggers++ }

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

func newTestServer(ob *fakeOutbox, opts ...Option) http.Handler {
	return NewServer(ob, okPinger{}, opts...).Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
	}{
		{
			name:       "begin accepted",
			body:       `{"kind":"begin","created_at":1,"source_url":"https://mwmbl.org/?q=go","results":[]}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "add accepted",
			body:       `{"kind":"add","created_at":2,"source_url":"https://mwmbl.org/?q=go","results":[],"add":{"insert_index":0,"url":"https://go.dev"}}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "malformed json",
			body:       `{"kind":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid event",
			body:       `{"kind":"delete","created_at":3,"source_url":"https://mwmbl.org/?q=go"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "duplicate key",
			body:       `{"kind":"begin","created_at":1,"source_url":"https://mwmbl.org/?q=go"}`,
			submitErr:  fmt.Errorf("enqueue: %w", outbox.ErrDuplicateKey),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "store failure",
			body:       `{"kind":"begin","created_at":1,"source_url":"https://mwmbl.org/?q=go"}`,
			submitErr:  errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ob := &fakeOutbox{submitErr: tt.submitErr}
			rec := do(t, newTestServer(ob), http.MethodPost, "/v1/curation/events", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
		})
	}
}

func TestSubmit_DefaultsCreatedAt(t *testing.T) {
	ob := &fakeOutbox{}
	rec := do(t, newTestServer(ob), http.MethodPost, "/v1/curation/events",
		`{"kind":"validate","source_url":"https://mwmbl.org/?q=go","validate":{"validate_index":1,"is_validated":true}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, ob.submitted, 1)
	assert.Equal(t, int64(1700000000000), ob.submitted[0].CreatedAt)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1700000000000), body["created_at"])
	assert.Equal(t, "validate", body["kind"])
}

func TestSubmit_BackToBackWithoutCreatedAt(t *testing.T) {
	store, err := outbox.OpenSQLite(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	// a producer-stamped event far ahead of the wall clock is already pending
	future := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, store.Enqueue(ctx, curation.NewBegin(future, "https://mwmbl.org/?q=go", nil)))

	// no credential, so nothing is delivered while we submit
	worker := delivery.NewWorker(store, remote.New("http://127.0.0.1:1", time.Second), auth.Static(""), delivery.Options{})
	h := NewServer(worker, store).Routes()

	const n = 20
	keys := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		rec := do(t, h, http.MethodPost, "/v1/curation/events",
			`{"kind":"delete","source_url":"https://mwmbl.org/?q=go","delete":{"delete_index":0}}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var body struct {
			CreatedAt int64 `json:"created_at"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		keys = append(keys, body.CreatedAt)
	}

	size, err := store.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, n+1, size)

	prev := future
	for i, k := range keys {
		assert.Greater(t, k, prev, "key %d", i)
		prev = k
	}

	pending, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, future, pending[0].CreatedAt)
	assert.Equal(t, keys[n-1], pending[n].CreatedAt)
}

func TestStatus(t *testing.T) {
	ob := &fakeOutbox{status: notify.Status{Pending: 3, Oldest: 42, CurationID: "abc"}}
	rec := do(t, newTestServer(ob), http.MethodGet, "/v1/outbox/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st notify.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 3, st.Pending)
	assert.Equal(t, int64(42), st.Oldest)
	assert.Equal(t, "abc", st.CurationID)
}

func TestList(t *testing.T) {
	pending := []curation.Event{
		curation.NewBegin(1, "https://mwmbl.org/?q=go", nil),
		curation.NewDelete(2, "https://mwmbl.org/?q=go", nil, 0),
		curation.NewMove(3, "https://mwmbl.org/?q=go", nil, 0, 1),
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
		wantLimit  int
	}{
		{name: "default limit", query: "", wantStatus: http.StatusOK, wantCount: 3, wantLimit: 50},
		{name: "explicit limit", query: "?limit=2", wantStatus: http.StatusOK, wantCount: 2, wantLimit: 2},
		{name: "zero lists all", query: "?limit=0", wantStatus: http.StatusOK, wantCount: 3, wantLimit: 0},
		{name: "negative limit", query: "?limit=-1", wantStatus: http.StatusBadRequest},
		{name: "non numeric limit", query: "?limit=all", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ob := &fakeOutbox{pending: pending}
			rec := do(t, newTestServer(ob), http.MethodGet, "/v1/outbox/events"+tt.query, "")
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}

			var body struct {
				Events []curation.Event `json:"events"`
				Count  int              `json:"count"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCount, body.Count)
			assert.Len(t, body.Events, tt.wantCount)
			assert.Equal(t, tt.wantLimit, ob.listLimit)
		})
	}
}

func TestList_EmptyIsArray(t *testing.T) {
	rec := do(t, newTestServer(&fakeOutbox{}), http.MethodGet, "/v1/outbox/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[],"count":0}`, rec.Body.String())
}

func TestResetSession(t *testing.T) {
	ob := &fakeOutbox{}
	rec := do(t, newTestServer(ob), http.MethodPost, "/v1/curation/session/reset", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, ob.resets)
}

func TestSync(t *testing.T) {
	ob := &fakeOutbox{report: delivery.Report{Sent: 2, Stopped: delivery.StopEmpty}}
	h := newTestServer(ob)

	rec := do(t, h, http.MethodPost, "/v1/outbox/sync", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, ob.triggers)

	rec = do(t, h, http.MethodPost, "/v1/outbox/sync?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sent":2,"stopped":"empty"}`, rec.Body.String())
	assert.Equal(t, 1, ob.triggers)
}

func TestHealthz(t *testing.T) {
	s := NewServer(&fakeOutbox{}, okPinger{err: errors.New("database is locked")})
	rec := do(t, s.Routes(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, newTestServer(&fakeOutbox{}), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamMountedOnlyWhenConfigured(t *testing.T) {
	rec := do(t, newTestServer(&fakeOutbox{}), http.MethodGet, "/v1/outbox/ws", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	stream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec = do(t, newTestServer(&fakeOutbox{}, WithStream(stream)), http.MethodGet, "/v1/outbox/ws", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCORS(t *testing.T) {
	h := newTestServer(&fakeOutbox{}, WithOrigins("https://mwmbl.org"))

	req := httptest.NewRequest(http.MethodOptions, "/v1/curation/events", nil)
	req.Header.Set("Origin", "https://mwmbl.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://mwmbl.org", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/outbox/status", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDPropagated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/outbox/status", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	newTestServer(&fakeOutbox{}).ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
}
