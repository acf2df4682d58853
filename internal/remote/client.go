// Package remote posts curation requests to the remote curation service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/curation_outbox/internal/curation"
	"github.com/austindbirch/curation_outbox/internal/tracing"
)

const maxResponseBytes = 1 << 20

// RemoteError is a non-2xx answer from the curation service
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("curation service returned %d", e.Status)
	}
	return fmt.Sprintf("curation service returned %d: %s", e.Status, e.Body)
}

// Response is the part of a 2xx answer the sync loop cares about.
// CurationID is empty when the body carried none.
type Response struct {
	Status     int
	CurationID string
}

// Client sends request bodies to {base}/curation/{kind}
type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client, e.g. to add a transport
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the endpoint for kind
func (c *Client) URL(kind curation.Kind) string {
	return c.baseURL + curation.Path(kind)
}

// Send posts body and returns the parsed answer. Transport failures are returned
// as-is; non-2xx answers come back as *RemoteError.
func (c *Client) Send(ctx context.Context, kind curation.Kind, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(kind), bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	tracing.InjectHTTP(ctx, req.Header)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{Status: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{Status: resp.StatusCode}, &RemoteError{Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	return Response{Status: resp.StatusCode, CurationID: parseCurationID(raw)}, nil
}

// parseCurationID accepts the id as a JSON string or number. Bodies that are
// not JSON objects yield no id.
func parseCurationID(b []byte) string {
	var body struct {
		CurationID any `json:"curation_id"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return ""
	}
	switch v := body.CurationID.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Classify maps a failed attempt to a retry reason label
func Classify(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		switch {
		case re.Status >= 500:
			return "http_5xx"
		case re.Status == http.StatusTooManyRequests:
			return "http_429"
		case re.Status >= 400:
			return "http_4xx"
		}
		return "other"
	}
	if err == nil {
		return "other"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	return "network"
}
