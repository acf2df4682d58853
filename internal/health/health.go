package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is anything whose liveness can be checked, such as an outbox store
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Store   bool   `json:"store,omitempty"`
}

// Check pings p with a short timeout and reports the result
func Check(ctx context.Context, p Pinger) Status {
	st := Status{OK: true, Message: "ok", Store: true}
	if p == nil {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		st.OK = false
		st.Message = "store ping failed"
		st.Store = false
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), p)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
