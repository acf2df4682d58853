package session

import "sync"

// Tracker holds the curation session id returned by the remote service.
// It lives in memory only: after a restart the next delivered event opens a new session.
type Tracker struct {
	mu         sync.RWMutex
	curationID string
}

// NewTracker returns a tracker with no active session
func NewTracker() *Tracker {
	return &Tracker{}
}

// Current returns the active curation id, if any
func (t *Tracker) Current() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.curationID, t.curationID != ""
}

// Set replaces the active curation id. Empty ids are ignored.
func (t *Tracker) Set(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.curationID = id
	t.mu.Unlock()
}

// Reset forgets the active session
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.curationID = ""
	t.mu.Unlock()
}
