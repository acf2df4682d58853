package curation

import (
	"encoding/json"
	"fmt"
)

// Request is the JSON body posted to {base}/curation/{kind}.
// The full result snapshot travels with every edit so the remote side can rebuild
// the list from the latest request alone.
type Request struct {
	Timestamp  int64    `json:"timestamp"`
	URL        string   `json:"url"`
	Results    []Result `json:"results"`
	Curation   any      `json:"curation,omitempty"`
	CurationID string   `json:"curation_id,omitempty"`
	Auth       string   `json:"auth"`
}

// NewRequest builds the request body for e. curationID is ignored for begin events,
// which always open a new session.
func NewRequest(e Event, curationID, auth string) Request {
	results := e.Results
	if results == nil {
		results = []Result{}
	}
	req := Request{
		Timestamp: e.CreatedAt,
		URL:       e.SourceURL,
		Results:   results,
		Curation:  e.Payload(),
		Auth:      auth,
	}
	if e.Kind != KindBegin {
		req.CurationID = curationID
	}
	return req
}

// Marshal encodes the request body
func (r Request) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal curation request: %w", err)
	}
	return b, nil
}

// Path returns the endpoint path for kind, relative to the service base URL
func Path(k Kind) string {
	return "/curation/" + string(k)
}
