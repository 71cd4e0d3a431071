package consult

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Store errors. Uniqueness errors come from the store's unique indexes, never
// from a prior read.
var (
	ErrNotFound              = errors.New("consult record not found")
	ErrDuplicatePending      = errors.New("pending submission already exists")
	ErrDuplicateIdempotency  = errors.New("idempotency key already used")
	ErrDuplicateApproval     = errors.New("pending approval already exists")
	ErrDuplicateConsultation = errors.New("submission already has a consultation")
	ErrStatusConflict        = errors.New("consultation status changed concurrently")
)

type Repository interface {
	// EnsurePatient returns the patient of (business, customer), creating it
	// when missing. Patients without a customer are always created.
	EnsurePatient(ctx context.Context, p *Patient) (*Patient, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)

	// CreateSubmission fails with ErrDuplicatePending or
	// ErrDuplicateIdempotency when a unique index rejects the row.
	CreateSubmission(ctx context.Context, s *Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error)
	GetSubmissionByIdempotencyKey(ctx context.Context, businessID uuid.UUID, customerID, key string) (*Submission, error)
	UpdateSubmissionStatus(ctx context.Context, id uuid.UUID, to ReviewStatus) error

	// CreateApproval fails with ErrDuplicateApproval when the customer already
	// has a pending approval for the product.
	CreateApproval(ctx context.Context, a *Approval) error
	GetApprovalBySubmission(ctx context.Context, submissionID uuid.UUID) (*Approval, error)
	GetApprovalByConsultation(ctx context.Context, consultationID uuid.UUID) (*Approval, error)
	UpdateApprovalStatus(ctx context.Context, id uuid.UUID, to ReviewStatus, expiresAt *time.Time) error
	FindActiveApproval(ctx context.Context, businessID uuid.UUID, customerID, productID string, now time.Time) (*Approval, error)
	// ExpireApprovals moves approved approvals whose expiry is before now to
	// expired and returns them.
	ExpireApprovals(ctx context.Context, now time.Time) ([]*Approval, error)

	// CreateConsultation fails with ErrDuplicateConsultation when the
	// originating submission already has one.
	CreateConsultation(ctx context.Context, c *Consultation) error
	GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error)
	GetConsultationBySubmission(ctx context.Context, submissionID uuid.UUID) (*Consultation, error)
	// UpdateConsultationStatus moves the consultation to `to` only if it is
	// still in `from`, otherwise ErrStatusConflict.
	UpdateConsultationStatus(ctx context.Context, id uuid.UUID, from, to Status, rejectionReason string) (*Consultation, error)
	SetClinician(ctx context.Context, id uuid.UUID, clinicianID string) (*Consultation, error)

	AppendStatusEvent(ctx context.Context, e *StatusEvent) error
	ListStatusEvents(ctx context.Context, consultationID uuid.UUID) ([]*StatusEvent, error)
	// ListStatusEventsSince pages through history of every business in
	// (created_at, id) order.
	ListStatusEventsSince(ctx context.Context, since time.Time, limit, offset int) ([]*StatusEvent, error)

	CreateDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*Document, error)
	ListDocuments(ctx context.Context, consultationID uuid.UUID) ([]*Document, error)
	SoftDeleteDocument(ctx context.Context, id uuid.UUID) error
}
