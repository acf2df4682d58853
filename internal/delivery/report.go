package delivery

import "errors"

var (
	// ErrNoCredential means no auth token is available; the attempt is deferred
	ErrNoCredential = errors.New("no credential available")
	// ErrMissingSession means a non-begin event was sent with no known curation id.
	// It is recorded, never returned as a failure.
	ErrMissingSession = errors.New("no active curation session")
)

// StopReason says why a delivery round ended
type StopReason string

const (
	StopEmpty        StopReason = "empty"           // nothing pending
	StopNoCredential StopReason = "unauthenticated" // deferred until signed in
	StopBusy         StopReason = "busy"            // another attempt is in flight
	StopFailed       StopReason = "failed"          // remote or store failure, event kept
	StopCancelled    StopReason = "cancelled"       // ctx ended, event kept
)

// Report summarises one Drain call
type Report struct {
	Sent    int        `json:"sent"`
	Stopped StopReason `json:"stopped"`
	Err     error      `json:"-"`
	Error   string     `json:"error,omitempty"`
}

// outcome is the result of a single attempt
type outcome struct {
	sent   bool
	reason StopReason
	err    error
}
