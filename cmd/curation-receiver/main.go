package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/austindbirch/curation_outbox/internal/auth"
	"github.com/austindbirch/curation_outbox/internal/config"
	"github.com/austindbirch/curation_outbox/internal/curation"
	"github.com/austindbirch/curation_outbox/internal/logging"
	"github.com/austindbirch/curation_outbox/internal/tracing"
)

const maxBody = 1 << 20

// request is the body the sync worker posts; curation_id may arrive as a number or a string
type request struct {
	Timestamp  int64             `json:"timestamp"`
	URL        string            `json:"url"`
	Results    []curation.Result `json:"results"`
	Curation   json.RawMessage   `json:"curation"`
	CurationID json.Number       `json:"curation_id"`
	Auth       string            `json:"auth"`
}

// record is one accepted request, kept per curation
type record struct {
	Kind      curation.Kind `json:"kind"`
	Timestamp int64         `json:"timestamp"`
	URL       string        `json:"url"`
	Results   int           `json:"results"`
}

type receiver struct {
	failFirstN int
	delay      time.Duration
	validator  *auth.HMACValidator // nil accepts any token
	logger     *logging.Logger

	mu        sync.Mutex
	reqCount  int
	nextID    int64
	curations map[int64][]record
}

func newReceiver(cfg config.Receiver, logger *logging.Logger) *receiver {
	r := &receiver{
		failFirstN: cfg.FailFirstN,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
		nextID:     1,
		curations:  make(map[int64][]record),
	}
	if cfg.JWTSecret != "" {
		r.validator = auth.NewHMACValidator(cfg.JWTSecret, "")
	}
	return r
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("curation-receiver")
	rcv := newReceiver(cfg.Receiver, logger)

	srv := &http.Server{
		Addr:         cfg.Receiver.Port,
		Handler:      rcv.routes(),
		ReadTimeout:  cfg.Receiver.ReadTimeout,
		WriteTimeout: cfg.Receiver.WriteTimeout,
		IdleTimeout:  cfg.Receiver.IdleTimeout,
	}

	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": rcv.failFirstN,
		"delay_ms":     cfg.Receiver.ResponseDelayMS,
		"verify_auth":  rcv.validator != nil,
	}).Info("curation-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("curation-receiver failed")
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /curation/{kind}", rc.handleCuration)
	mux.HandleFunc("GET /curations/{id}", rc.handleGet)
	return mux
}

func (rc *receiver) handleCuration(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.ExtractHTTP(r.Context(), r.Header)
	ctx, span := tracing.StartSpan(ctx, "receiver.curation")
	defer span.End()
	log := rc.logger.WithContext(ctx).WithRequest(r.Header.Get("X-Request-Id"))

	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	rc.mu.Lock()
	rc.reqCount++
	n := rc.reqCount
	rc.mu.Unlock()

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			return
		}
	}

	kind := curation.Kind(r.PathValue("kind"))
	if !kind.Valid() {
		http.Error(w, "unknown curation kind", http.StatusNotFound)
		return
	}

	var req request
	if err := json.Unmarshal(b, &req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if msg := checkRequest(kind, req); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	if rc.validator != nil {
		if _, err := rc.validator.Validate(req.Auth); err != nil {
			log.WithError(err).Warn("rejecting request with invalid auth token")
			http.Error(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if n <= rc.failFirstN {
		log.WithKind(string(kind)).Infof("FAILING (%d/%d) %s body=%s", n, rc.failFirstN, r.URL.Path, truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	id, err := rc.accept(kind, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.WithKind(string(kind)).WithEvent(req.Timestamp).WithCuration(strconv.FormatInt(id, 10)).Info("curation-receiver OK")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{"curation_id": id})
}

// accept stores req and returns its curation id. begin, or any request without an
// id, opens a new curation.
func (rc *receiver) accept(kind curation.Kind, req request) (int64, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	var id int64
	if kind == curation.KindBegin || req.CurationID == "" {
		id = rc.nextID
		rc.nextID++
	} else {
		parsed, err := strconv.ParseInt(req.CurationID.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid curation_id %q", req.CurationID)
		}
		id = parsed
	}

	rc.curations[id] = append(rc.curations[id], record{
		Kind:      kind,
		Timestamp: req.Timestamp,
		URL:       req.URL,
		Results:   len(req.Results),
	})
	return id, nil
}

func (rc *receiver) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	rc.mu.Lock()
	records, ok := rc.curations[id]
	records = append([]record(nil), records...)
	rc.mu.Unlock()
	if !ok {
		http.Error(w, "curation not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"curation_id": id, "events": records})
}

// checkRequest returns a reason to reject req, or ""
func checkRequest(kind curation.Kind, req request) string {
	if req.Timestamp <= 0 {
		return "timestamp is required"
	}
	if req.URL == "" {
		return "url is required"
	}
	if kind != curation.KindBegin && (len(req.Curation) == 0 || string(req.Curation) == "null") {
		return "curation payload is required"
	}
	return ""
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
