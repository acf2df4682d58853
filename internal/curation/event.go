package curation

import (
	"errors"
	"fmt"
)

// Kind identifies the type of curation edit. The set is closed.
type Kind string

const (
	KindBegin    Kind = "begin"
	KindAdd      Kind = "add"
	KindDelete   Kind = "delete"
	KindValidate Kind = "validate"
	KindMove     Kind = "move"
)

// Kinds returns every known kind in a stable order
func Kinds() []Kind {
	return []Kind{KindBegin, KindAdd, KindDelete, KindValidate, KindMove}
}

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindBegin, KindAdd, KindDelete, KindValidate, KindMove:
		return true
	}
	return false
}

// ErrInvalidEvent is returned for events that must never reach the outbox
var ErrInvalidEvent = errors.New("invalid curation event")

// Result is one entry of the result list as displayed when the edit was made
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Extract string `json:"extract"`
	Curated bool   `json:"curated"`
}

// Add inserts url at InsertIndex
type Add struct {
	InsertIndex int    `json:"insert_index"`
	URL         string `json:"url"`
}

// Delete removes the result at DeleteIndex
type Delete struct {
	DeleteIndex int `json:"delete_index"`
}

// Validate marks the result at ValidateIndex as approved (or not)
type Validate struct {
	ValidateIndex int  `json:"validate_index"`
	IsValidated   bool `json:"is_validated"`
}

// Move relocates the result at OldIndex to NewIndex
type Move struct {
	OldIndex int `json:"old_index"`
	NewIndex int `json:"new_index"`
}

// Event is a single curation edit together with a full snapshot of the result list.
// Exactly one of the payload pointers matching Kind is set; begin carries none.
// CreatedAt is the outbox key and must be unique and increasing per producer.
type Event struct {
	Kind      Kind     `json:"kind"`
	CreatedAt int64    `json:"created_at"`
	SourceURL string   `json:"source_url"`
	Results   []Result `json:"results"`

	Add      *Add      `json:"add,omitempty"`
	Delete   *Delete   `json:"delete,omitempty"`
	Validate *Validate `json:"validate,omitempty"`
	Move     *Move     `json:"move,omitempty"`
}

// NewBegin builds a begin event
func NewBegin(createdAt int64, sourceURL string, results []Result) Event {
	return Event{Kind: KindBegin, CreatedAt: createdAt, SourceURL: sourceURL, Results: results}
}

// NewAdd builds an add event
func NewAdd(createdAt int64, sourceURL string, results []Result, insertIndex int, url string) Event {
	return Event{Kind: KindAdd, CreatedAt: createdAt, SourceURL: sourceURL, Results: results,
		Add: &Add{InsertIndex: insertIndex, URL: url}}
}

// NewDelete builds a delete event
func NewDelete(createdAt int64, sourceURL string, results []Result, deleteIndex int) Event {
	return Event{Kind: KindDelete, CreatedAt: createdAt, SourceURL: sourceURL, Results: results,
		Delete: &Delete{DeleteIndex: deleteIndex}}
}

// NewValidate builds a validate event; the result is marked as validated
func NewValidate(createdAt int64, sourceURL string, results []Result, validateIndex int) Event {
	return Event{Kind: KindValidate, CreatedAt: createdAt, SourceURL: sourceURL, Results: results,
		Validate: &Validate{ValidateIndex: validateIndex, IsValidated: true}}
}

// NewMove builds a move event
func NewMove(createdAt int64, sourceURL string, results []Result, oldIndex, newIndex int) Event {
	return Event{Kind: KindMove, CreatedAt: createdAt, SourceURL: sourceURL, Results: results,
		Move: &Move{OldIndex: oldIndex, NewIndex: newIndex}}
}

// Payload returns the kind-specific payload, or nil for begin
func (e Event) Payload() any {
	switch e.Kind {
	case KindAdd:
		if e.Add != nil {
			return e.Add
		}
	case KindDelete:
		if e.Delete != nil {
			return e.Delete
		}
	case KindValidate:
		if e.Validate != nil {
			return e.Validate
		}
	case KindMove:
		if e.Move != nil {
			return e.Move
		}
	}
	return nil
}

// Check validates the event before it is accepted into the outbox
func (e Event) Check() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.CreatedAt <= 0 {
		return fmt.Errorf("%w: created_at must be positive, got %d", ErrInvalidEvent, e.CreatedAt)
	}

	payloads := 0
	for _, set := range []bool{e.Add != nil, e.Delete != nil, e.Validate != nil, e.Move != nil} {
		if set {
			payloads++
		}
	}
	if e.Kind == KindBegin {
		if payloads != 0 {
			return fmt.Errorf("%w: begin carries no payload", ErrInvalidEvent)
		}
		return nil
	}
	if payloads != 1 || e.Payload() == nil {
		return fmt.Errorf("%w: %s requires exactly one %s payload", ErrInvalidEvent, e.Kind, e.Kind)
	}

	switch e.Kind {
	case KindAdd:
		if e.Add.InsertIndex < 0 {
			return fmt.Errorf("%w: insert_index must not be negative", ErrInvalidEvent)
		}
		if e.Add.URL == "" {
			return fmt.Errorf("%w: add requires a url", ErrInvalidEvent)
		}
	case KindDelete:
		if e.Delete.DeleteIndex < 0 {
			return fmt.Errorf("%w: delete_index must not be negative", ErrInvalidEvent)
		}
	case KindValidate:
		if e.Validate.ValidateIndex < 0 {
			return fmt.Errorf("%w: validate_index must not be negative", ErrInvalidEvent)
		}
	case KindMove:
		if e.Move.OldIndex < 0 || e.Move.NewIndex < 0 {
			return fmt.Errorf("%w: move indexes must not be negative", ErrInvalidEvent)
		}
	}
	return nil
}
