// Package outbox records domain events in the same unit of work as the
// mutation that produced them and delivers them to partners at least once.
package outbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status of an outbox event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivered  Status = "delivered"
	StatusDeadLetter Status = "dead_letter"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusDeadLetter:
		return true
	}
	return false
}

var (
	// ErrEventNotFound is returned by stores when no event matches.
	ErrEventNotFound = errors.New("outbox event not found")
	// ErrNotDeadLettered is returned by Requeue for events that are not dead letters.
	ErrNotDeadLettered = errors.New("outbox event is not dead-lettered")
)

// Event is a durably recorded notification of a domain change.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	BusinessID    uuid.UUID       `json:"business_id"`
	Type          string          `json:"type"`
	DedupeKey     string          `json:"dedupe_key"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Envelope is the wire form delivered to partners.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	BusinessID uuid.UUID       `json:"business_id"`
	Type       string          `json:"type"`
	DedupeKey  string          `json:"dedupe_key"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Envelope returns the partner-facing view of e.
func (e *Event) Envelope() Envelope {
	return Envelope{
		ID:         e.ID,
		BusinessID: e.BusinessID,
		Type:       e.Type,
		DedupeKey:  e.DedupeKey,
		Payload:    e.Payload,
		Metadata:   e.Metadata,
		CreatedAt:  e.CreatedAt,
	}
}

// NewEvent is the input to CreateOnce. Payload is marshalled to JSON and must
// only carry PHI-safe fields such as ids and statuses.
type NewEvent struct {
	BusinessID uuid.UUID
	Type       string
	DedupeKey  string
	Payload    any
	Metadata   map[string]any
}

// ListFilter narrows ListByStatus. A nil BusinessID lists across businesses.
type ListFilter struct {
	BusinessID *uuid.UUID
	Status     Status
}

func (e *Event) clone() *Event {
	cp := *e
	if e.DeliveredAt != nil {
		t := *e.DeliveredAt
		cp.DeliveredAt = &t
	}
	if e.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
