package consult

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medmart/telehealth/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns the Postgres Repository. Every method joins the
// transaction carried by ctx, if any.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func encodeJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func notFound(err error) error {
	if db.IsNoRows(err) {
		return ErrNotFound
	}
	return err
}

// ---------------------------------------------------------------------------
// Patients
// ---------------------------------------------------------------------------

const patientColumns = `id, business_id, customer_id, phi, created_at, updated_at, deleted_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var phi []byte
	if err := row.Scan(&p.ID, &p.BusinessID, &p.CustomerID, &phi, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt); err != nil {
		return nil, notFound(err)
	}
	m, err := decodeJSON(phi)
	if err != nil {
		return nil, fmt.Errorf("decode patient phi: %w", err)
	}
	p.PHI = m
	return &p, nil
}

// EnsurePatient inserts with ON CONFLICT DO NOTHING so that concurrent first
// submissions of one customer share a patient without aborting either
// transaction, then reads back the winning row.
func (r *repoPG) EnsurePatient(ctx context.Context, p *Patient) (*Patient, error) {
	phi, err := encodeJSON(p.PHI)
	if err != nil {
		return nil, fmt.Errorf("encode patient phi: %w", err)
	}
	q := r.conn(ctx)
	if p.CustomerID == nil {
		return scanPatient(q.QueryRow(ctx, `
			INSERT INTO patient (id, business_id, customer_id, phi)
			VALUES ($1, $2, NULL, $3)
			RETURNING `+patientColumns, p.ID, p.BusinessID, phi))
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO patient (id, business_id, customer_id, phi)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (business_id, customer_id) WHERE customer_id IS NOT NULL DO NOTHING`,
		p.ID, p.BusinessID, *p.CustomerID, phi); err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	out, err := scanPatient(q.QueryRow(ctx,
		`SELECT `+patientColumns+` FROM patient WHERE business_id = $1 AND customer_id = $2`,
		p.BusinessID, *p.CustomerID))
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	return out, nil
}

func (r *repoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientColumns+` FROM patient WHERE id = $1 AND deleted_at IS NULL`, id))
}

// ---------------------------------------------------------------------------
// Submissions
// ---------------------------------------------------------------------------

const submissionColumns = `id, business_id, product_id, customer_id, patient_id, phi, status,
	idempotency_key, created_at, updated_at, deleted_at`

func scanSubmission(row pgx.Row) (*Submission, error) {
	var s Submission
	var phi []byte
	var status string
	if err := row.Scan(&s.ID, &s.BusinessID, &s.ProductID, &s.CustomerID, &s.PatientID, &phi, &status,
		&s.IdempotencyKey, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt); err != nil {
		return nil, notFound(err)
	}
	s.Status = ReviewStatus(status)
	m, err := decodeJSON(phi)
	if err != nil {
		return nil, fmt.Errorf("decode submission phi: %w", err)
	}
	s.PHI = m
	return &s, nil
}

func (r *repoPG) CreateSubmission(ctx context.Context, s *Submission) error {
	phi, err := encodeJSON(s.PHI)
	if err != nil {
		return fmt.Errorf("encode submission phi: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consult_submission (id, business_id, product_id, customer_id, patient_id, phi, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		s.ID, s.BusinessID, s.ProductID, s.CustomerID, s.PatientID, phi, string(s.Status), s.IdempotencyKey,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, "consult_submission_idempotency_uniq"):
		return ErrDuplicateIdempotency
	case db.IsUniqueViolation(err, "consult_submission_pending_uniq"):
		return ErrDuplicatePending
	default:
		return fmt.Errorf("insert submission: %w", err)
	}
}

func (r *repoPG) GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error) {
	return scanSubmission(r.conn(ctx).QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM consult_submission WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *repoPG) GetSubmissionByIdempotencyKey(ctx context.Context, businessID uuid.UUID, customerID, key string) (*Submission, error) {
	return scanSubmission(r.conn(ctx).QueryRow(ctx, `
		SELECT `+submissionColumns+` FROM consult_submission
		WHERE business_id = $1 AND customer_id = $2 AND idempotency_key = $3`,
		businessID, customerID, key))
}

func (r *repoPG) UpdateSubmissionStatus(ctx context.Context, id uuid.UUID, to ReviewStatus) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE consult_submission SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(to))
	if err != nil {
		return fmt.Errorf("update submission status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Approvals
// ---------------------------------------------------------------------------

const approvalColumns = `id, business_id, customer_id, product_id, submission_id, consultation_id,
	status, expires_at, created_at, updated_at, deleted_at`

func scanApproval(row pgx.Row) (*Approval, error) {
	var a Approval
	var status string
	if err := row.Scan(&a.ID, &a.BusinessID, &a.CustomerID, &a.ProductID, &a.SubmissionID, &a.ConsultationID,
		&status, &a.ExpiresAt, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt); err != nil {
		return nil, notFound(err)
	}
	a.Status = ReviewStatus(status)
	return &a, nil
}

func (r *repoPG) CreateApproval(ctx context.Context, a *Approval) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consult_approval (id, business_id, customer_id, product_id, submission_id, consultation_id, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		a.ID, a.BusinessID, a.CustomerID, a.ProductID, a.SubmissionID, a.ConsultationID, string(a.Status), a.ExpiresAt,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, "consult_approval_pending_uniq", "consult_approval_consultation_uniq"):
		return ErrDuplicateApproval
	default:
		return fmt.Errorf("insert approval: %w", err)
	}
}

func (r *repoPG) GetApprovalBySubmission(ctx context.Context, submissionID uuid.UUID) (*Approval, error) {
	return scanApproval(r.conn(ctx).QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM consult_approval WHERE submission_id = $1 AND deleted_at IS NULL`, submissionID))
}

func (r *repoPG) GetApprovalByConsultation(ctx context.Context, consultationID uuid.UUID) (*Approval, error) {
	return scanApproval(r.conn(ctx).QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM consult_approval WHERE consultation_id = $1 AND deleted_at IS NULL`, consultationID))
}

func (r *repoPG) UpdateApprovalStatus(ctx context.Context, id uuid.UUID, to ReviewStatus, expiresAt *time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consult_approval
		SET status = $2, expires_at = COALESCE($3, expires_at), updated_at = NOW()
		WHERE id = $1`, id, string(to), expiresAt)
	if err != nil {
		return fmt.Errorf("update approval status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) FindActiveApproval(ctx context.Context, businessID uuid.UUID, customerID, productID string, now time.Time) (*Approval, error) {
	return scanApproval(r.conn(ctx).QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM consult_approval
		WHERE business_id = $1 AND customer_id = $2 AND product_id = $3
			AND status = 'approved' AND deleted_at IS NULL
			AND (expires_at IS NULL OR expires_at > $4)
		ORDER BY updated_at DESC
		LIMIT 1`, businessID, customerID, productID, now))
}

func (r *repoPG) ExpireApprovals(ctx context.Context, now time.Time) ([]*Approval, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE consult_approval SET status = 'expired', updated_at = $1
		WHERE status = 'approved' AND deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING `+approvalColumns, now)
	if err != nil {
		return nil, fmt.Errorf("expire approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Consultations
// ---------------------------------------------------------------------------

const consultationColumns = `id, business_id, patient_id, product_id, clinician_id, mode, status, scheduled_at,
	originating_submission_id, COALESCE(rejection_reason, ''), created_at, updated_at, deleted_at`

func scanConsultation(row pgx.Row) (*Consultation, error) {
	var c Consultation
	var mode, status string
	if err := row.Scan(&c.ID, &c.BusinessID, &c.PatientID, &c.ProductID, &c.ClinicianID, &mode, &status,
		&c.ScheduledAt, &c.OriginatingSubmissionID, &c.RejectionReason, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt); err != nil {
		return nil, notFound(err)
	}
	c.Mode = Mode(mode)
	c.Status = Status(status)
	return &c, nil
}

func (r *repoPG) CreateConsultation(ctx context.Context, c *Consultation) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consultation (id, business_id, patient_id, product_id, clinician_id, mode, status,
			scheduled_at, originating_submission_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		c.ID, c.BusinessID, c.PatientID, c.ProductID, c.ClinicianID, string(c.Mode), string(c.Status),
		c.ScheduledAt, c.OriginatingSubmissionID,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, "consultation_submission_uniq"):
		return ErrDuplicateConsultation
	default:
		return fmt.Errorf("insert consultation: %w", err)
	}
}

func (r *repoPG) GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return scanConsultation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+consultationColumns+` FROM consultation WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *repoPG) GetConsultationBySubmission(ctx context.Context, submissionID uuid.UUID) (*Consultation, error) {
	return scanConsultation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+consultationColumns+` FROM consultation WHERE originating_submission_id = $1 AND deleted_at IS NULL`,
		submissionID))
}

// UpdateConsultationStatus is a compare-and-set on the current status. Two
// concurrent transitions from the same state cannot both succeed.
func (r *repoPG) UpdateConsultationStatus(ctx context.Context, id uuid.UUID, from, to Status, rejectionReason string) (*Consultation, error) {
	c, err := scanConsultation(r.conn(ctx).QueryRow(ctx, `
		UPDATE consultation
		SET status = $3,
			rejection_reason = CASE WHEN $3 = 'rejected' THEN $4 ELSE rejection_reason END,
			scheduled_at = CASE WHEN $3 = 'scheduled' THEN COALESCE(scheduled_at, NOW()) ELSE scheduled_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL
		RETURNING `+consultationColumns, id, string(from), string(to), rejectionReason))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetConsultation(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update consultation status: %w", err)
	}
	return c, nil
}

func (r *repoPG) SetClinician(ctx context.Context, id uuid.UUID, clinicianID string) (*Consultation, error) {
	return scanConsultation(r.conn(ctx).QueryRow(ctx, `
		UPDATE consultation SET clinician_id = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+consultationColumns, id, clinicianID))
}

// ---------------------------------------------------------------------------
// Status history
// ---------------------------------------------------------------------------

const statusEventColumns = `id, business_id, consultation_id, from_status, to_status, changed_by,
	COALESCE(reason, ''), metadata, created_at`

func scanStatusEvent(row pgx.Row) (*StatusEvent, error) {
	var e StatusEvent
	var from, to string
	var metadata []byte
	if err := row.Scan(&e.ID, &e.BusinessID, &e.ConsultationID, &from, &to, &e.ChangedBy,
		&e.Reason, &metadata, &e.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	e.FromStatus, e.ToStatus = Status(from), Status(to)
	m, err := decodeJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("decode status event metadata: %w", err)
	}
	e.Metadata = m
	return &e, nil
}

func (r *repoPG) AppendStatusEvent(ctx context.Context, e *StatusEvent) error {
	metadata, err := encodeJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode status event metadata: %w", err)
	}
	var reason *string
	if e.Reason != "" {
		reason = &e.Reason
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consultation_status_event (id, business_id, consultation_id, from_status, to_status,
			changed_by, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		e.ID, e.BusinessID, e.ConsultationID, string(e.FromStatus), string(e.ToStatus), e.ChangedBy, reason, metadata,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	return nil
}

func (r *repoPG) queryStatusEvents(ctx context.Context, sql string, args ...any) ([]*StatusEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	defer rows.Close()

	var out []*StatusEvent
	for rows.Next() {
		e, err := scanStatusEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repoPG) ListStatusEvents(ctx context.Context, consultationID uuid.UUID) ([]*StatusEvent, error) {
	return r.queryStatusEvents(ctx, `
		SELECT `+statusEventColumns+` FROM consultation_status_event
		WHERE consultation_id = $1
		ORDER BY created_at, id`, consultationID)
}

func (r *repoPG) ListStatusEventsSince(ctx context.Context, since time.Time, limit, offset int) ([]*StatusEvent, error) {
	return r.queryStatusEvents(ctx, `
		SELECT `+statusEventColumns+` FROM consultation_status_event
		WHERE created_at >= $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`, since, limit, offset)
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

const documentColumns = `id, business_id, consultation_id, storage_key, file_name, content_type,
	size_bytes, uploaded_by, created_at, deleted_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	if err := row.Scan(&d.ID, &d.BusinessID, &d.ConsultationID, &d.StorageKey, &d.FileName, &d.ContentType,
		&d.SizeBytes, &d.UploadedBy, &d.CreatedAt, &d.DeletedAt); err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *repoPG) CreateDocument(ctx context.Context, d *Document) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consultation_document (id, business_id, consultation_id, storage_key, file_name,
			content_type, size_bytes, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		d.ID, d.BusinessID, d.ConsultationID, d.StorageKey, d.FileName, d.ContentType, d.SizeBytes, d.UploadedBy,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *repoPG) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	return scanDocument(r.conn(ctx).QueryRow(ctx,
		`SELECT `+documentColumns+` FROM consultation_document WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *repoPG) ListDocuments(ctx context.Context, consultationID uuid.UUID) ([]*Document, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+documentColumns+` FROM consultation_document
		WHERE consultation_id = $1 AND deleted_at IS NULL
		ORDER BY created_at`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) SoftDeleteDocument(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE consultation_document SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
