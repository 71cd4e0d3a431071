// Package consult owns the consultation lifecycle of a business: patient
// intake, the approval gate, the consultation state machine with its
// append-only history, clinical documents, and the outbox events that tell
// partners about each change.
package consult

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a consultation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusCompleted, StatusCancelled},
	StatusCompleted: {StatusApproved, StatusRejected},
}

// AllStatuses lists every consultation status.
var AllStatuses = []Status{
	StatusPending, StatusScheduled, StatusCompleted,
	StatusApproved, StatusRejected, StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// CanTransition reports whether to is an allowed next state of from.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the allowed next states of s.
func NextStatuses(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

// Mode is how the consultation is conducted.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
	ModeForm  Mode = "form"
)

// ReviewStatus is the state of a submission or an approval.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewExpired  ReviewStatus = "expired"
)

// Patient is the per-business record of a person. PHI holds encoded
// demographics.
type Patient struct {
	ID         uuid.UUID      `json:"id"`
	BusinessID uuid.UUID      `json:"business_id"`
	CustomerID *string        `json:"customer_id,omitempty"`
	PHI        map[string]any `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  *time.Time     `json:"-"`
}

// Submission is a patient's request for a consult-gated product.
type Submission struct {
	ID             uuid.UUID      `json:"id"`
	BusinessID     uuid.UUID      `json:"business_id"`
	ProductID      string         `json:"product_id"`
	CustomerID     *string        `json:"customer_id,omitempty"`
	PatientID      uuid.UUID      `json:"patient_id"`
	PHI            map[string]any `json:"-"`
	Status         ReviewStatus   `json:"status"`
	IdempotencyKey *string        `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      *time.Time     `json:"-"`
}

// Approval gates whether a customer may order a consult-gated product.
type Approval struct {
	ID             uuid.UUID    `json:"id"`
	BusinessID     uuid.UUID    `json:"business_id"`
	CustomerID     *string      `json:"customer_id,omitempty"`
	ProductID      string       `json:"product_id"`
	SubmissionID   *uuid.UUID   `json:"submission_id,omitempty"`
	ConsultationID *uuid.UUID   `json:"consultation_id,omitempty"`
	Status         ReviewStatus `json:"status"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	DeletedAt      *time.Time   `json:"-"`
}

// Active reports whether the approval is approved and unexpired at now.
func (a *Approval) Active(now time.Time) bool {
	return a.Status == ReviewApproved && a.DeletedAt == nil &&
		(a.ExpiresAt == nil || now.Before(*a.ExpiresAt))
}

type Consultation struct {
	ID                      uuid.UUID  `json:"id"`
	BusinessID              uuid.UUID  `json:"business_id"`
	PatientID               uuid.UUID  `json:"patient_id"`
	ProductID               string     `json:"product_id"`
	ClinicianID             *string    `json:"clinician_id,omitempty"`
	Mode                    Mode       `json:"mode"`
	Status                  Status     `json:"status"`
	ScheduledAt             *time.Time `json:"scheduled_at,omitempty"`
	OriginatingSubmissionID *uuid.UUID `json:"originating_submission_id,omitempty"`
	RejectionReason         string     `json:"rejection_reason,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
	DeletedAt               *time.Time `json:"-"`
}

// StatusEvent is one immutable row of a consultation's history. A clinician
// assignment is recorded with FromStatus equal to ToStatus.
type StatusEvent struct {
	ID             uuid.UUID      `json:"id"`
	BusinessID     uuid.UUID      `json:"business_id"`
	ConsultationID uuid.UUID      `json:"consultation_id"`
	FromStatus     Status         `json:"from_status"`
	ToStatus       Status         `json:"to_status"`
	ChangedBy      string         `json:"changed_by"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IsCreation reports whether e records the consultation being opened.
func (e *StatusEvent) IsCreation() bool { return e.FromStatus == "" }

// IsAssignment reports whether e records a clinician assignment.
func (e *StatusEvent) IsAssignment() bool { return e.FromStatus != "" && e.FromStatus == e.ToStatus }

// Document is a clinical file attached to a consultation. The bytes live in
// the blob store under StorageKey.
type Document struct {
	ID             uuid.UUID  `json:"id"`
	BusinessID     uuid.UUID  `json:"business_id"`
	ConsultationID uuid.UUID  `json:"consultation_id"`
	StorageKey     string     `json:"-"`
	FileName       string     `json:"file_name"`
	ContentType    string     `json:"content_type"`
	SizeBytes      int64      `json:"size_bytes"`
	UploadedBy     string     `json:"uploaded_by"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"-"`
}

// StatusView is the status query result: the consultation and its full
// ordered history.
type StatusView struct {
	Consultation *Consultation  `json:"consultation"`
	Status       Status         `json:"status"`
	NextStatuses []Status       `json:"next_statuses"`
	History      []*StatusEvent `json:"history"`
	Documents    []*Document    `json:"documents,omitempty"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
