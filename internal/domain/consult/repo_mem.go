package consult

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medmart/telehealth/pkg/pagination"
)

// InMemoryRepository is the development and test store. Each write checks the
// same uniqueness rules as the Postgres indexes under one lock, so concurrent
// callers race exactly as they would against the database.
type InMemoryRepository struct {
	mu            sync.Mutex
	patients      map[uuid.UUID]*Patient
	submissions   map[uuid.UUID]*Submission
	approvals     map[uuid.UUID]*Approval
	consultations map[uuid.UUID]*Consultation
	events        []*StatusEvent
	documents     map[uuid.UUID]*Document
	now           func() time.Time
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		patients:      make(map[uuid.UUID]*Patient),
		submissions:   make(map[uuid.UUID]*Submission),
		approvals:     make(map[uuid.UUID]*Approval),
		consultations: make(map[uuid.UUID]*Consultation),
		documents:     make(map[uuid.UUID]*Document),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot implements memdb.Table.
func (r *InMemoryRepository) Snapshot() func() {
	r.mu.Lock()
	patients := cloneMap(r.patients, (*Patient).clone)
	submissions := cloneMap(r.submissions, (*Submission).clone)
	approvals := cloneMap(r.approvals, (*Approval).clone)
	consultations := cloneMap(r.consultations, (*Consultation).clone)
	documents := cloneMap(r.documents, (*Document).clone)
	events := append([]*StatusEvent(nil), r.events...)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.patients, r.submissions, r.approvals = patients, submissions, approvals
		r.consultations, r.documents, r.events = consultations, documents, events
	}
}

func cloneMap[T any](m map[uuid.UUID]*T, clone func(*T) *T) map[uuid.UUID]*T {
	out := make(map[uuid.UUID]*T, len(m))
	for k, v := range m {
		out[k] = clone(v)
	}
	return out
}

func sameCustomer(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

// ---------------------------------------------------------------------------
// Patients
// ---------------------------------------------------------------------------

func (r *InMemoryRepository) EnsurePatient(_ context.Context, p *Patient) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.CustomerID != nil {
		for _, existing := range r.patients {
			if existing.BusinessID == p.BusinessID && sameCustomer(existing.CustomerID, p.CustomerID) {
				return existing.clone(), nil
			}
		}
	}
	now := r.now()
	p.CreatedAt, p.UpdatedAt = now, now
	r.patients[p.ID] = p.clone()
	return p.clone(), nil
}

func (r *InMemoryRepository) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok || p.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

// ---------------------------------------------------------------------------
// Submissions
// ---------------------------------------------------------------------------

func (r *InMemoryRepository) CreateSubmission(_ context.Context, s *Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.submissions {
		if existing.BusinessID != s.BusinessID || !sameCustomer(existing.CustomerID, s.CustomerID) {
			continue
		}
		if s.IdempotencyKey != nil && existing.IdempotencyKey != nil && *s.IdempotencyKey == *existing.IdempotencyKey {
			return ErrDuplicateIdempotency
		}
		if s.Status == ReviewPending && existing.Status == ReviewPending &&
			existing.DeletedAt == nil && existing.ProductID == s.ProductID {
			return ErrDuplicatePending
		}
	}
	now := r.now()
	s.CreatedAt, s.UpdatedAt = now, now
	r.submissions[s.ID] = s.clone()
	return nil
}

func (r *InMemoryRepository) GetSubmission(_ context.Context, id uuid.UUID) (*Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok || s.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (r *InMemoryRepository) GetSubmissionByIdempotencyKey(_ context.Context, businessID uuid.UUID, customerID, key string) (*Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.submissions {
		if s.BusinessID == businessID && deref(s.CustomerID) == customerID && deref(s.IdempotencyKey) == key {
			return s.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *InMemoryRepository) UpdateSubmissionStatus(_ context.Context, id uuid.UUID, to ReviewStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = to
	s.UpdatedAt = r.now()
	return nil
}

// ---------------------------------------------------------------------------
// Approvals
// ---------------------------------------------------------------------------

func (r *InMemoryRepository) CreateApproval(_ context.Context, a *Approval) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.approvals {
		if a.ConsultationID != nil && existing.ConsultationID != nil && *a.ConsultationID == *existing.ConsultationID {
			return ErrDuplicateApproval
		}
		if a.Status == ReviewPending && existing.Status == ReviewPending && existing.DeletedAt == nil &&
			existing.BusinessID == a.BusinessID && existing.ProductID == a.ProductID &&
			sameCustomer(existing.CustomerID, a.CustomerID) {
			return ErrDuplicateApproval
		}
	}
	now := r.now()
	a.CreatedAt, a.UpdatedAt = now, now
	r.approvals[a.ID] = a.clone()
	return nil
}

func (r *InMemoryRepository) findApproval(match func(*Approval) bool) (*Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.approvals {
		if a.DeletedAt == nil && match(a) {
			return a.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *InMemoryRepository) GetApprovalBySubmission(_ context.Context, submissionID uuid.UUID) (*Approval, error) {
	return r.findApproval(func(a *Approval) bool {
		return a.SubmissionID != nil && *a.SubmissionID == submissionID
	})
}

func (r *InMemoryRepository) GetApprovalByConsultation(_ context.Context, consultationID uuid.UUID) (*Approval, error) {
	return r.findApproval(func(a *Approval) bool {
		return a.ConsultationID != nil && *a.ConsultationID == consultationID
	})
}

func (r *InMemoryRepository) UpdateApprovalStatus(_ context.Context, id uuid.UUID, to ReviewStatus, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.approvals[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = to
	if expiresAt != nil {
		t := *expiresAt
		a.ExpiresAt = &t
	}
	a.UpdatedAt = r.now()
	return nil
}

func (r *InMemoryRepository) FindActiveApproval(_ context.Context, businessID uuid.UUID, customerID, productID string, now time.Time) (*Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Approval
	for _, a := range r.approvals {
		if a.BusinessID != businessID || deref(a.CustomerID) != customerID || a.ProductID != productID || !a.Active(now) {
			continue
		}
		if best == nil || a.UpdatedAt.After(best.UpdatedAt) {
			best = a
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.clone(), nil
}

func (r *InMemoryRepository) ExpireApprovals(_ context.Context, now time.Time) ([]*Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*Approval
	for _, a := range r.approvals {
		if a.Status == ReviewApproved && a.DeletedAt == nil && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
			a.Status = ReviewExpired
			a.UpdatedAt = now
			expired = append(expired, a.clone())
		}
	}
	return expired, nil
}

// ---------------------------------------------------------------------------
// Consultations
// ---------------------------------------------------------------------------

func (r *InMemoryRepository) CreateConsultation(_ context.Context, c *Consultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.OriginatingSubmissionID != nil {
		for _, existing := range r.consultations {
			if existing.OriginatingSubmissionID != nil && *existing.OriginatingSubmissionID == *c.OriginatingSubmissionID {
				return ErrDuplicateConsultation
			}
		}
	}
	now := r.now()
	c.CreatedAt, c.UpdatedAt = now, now
	r.consultations[c.ID] = c.clone()
	return nil
}

func (r *InMemoryRepository) GetConsultation(_ context.Context, id uuid.UUID) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consultations[id]
	if !ok || c.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

func (r *InMemoryRepository) GetConsultationBySubmission(_ context.Context, submissionID uuid.UUID) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.consultations {
		if c.OriginatingSubmissionID != nil && *c.OriginatingSubmissionID == submissionID && c.DeletedAt == nil {
			return c.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *InMemoryRepository) UpdateConsultationStatus(_ context.Context, id uuid.UUID, from, to Status, rejectionReason string) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consultations[id]
	if !ok || c.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if c.Status != from {
		return nil, ErrStatusConflict
	}
	c.Status = to
	if to == StatusRejected {
		c.RejectionReason = rejectionReason
	}
	now := r.now()
	if to == StatusScheduled && c.ScheduledAt == nil {
		c.ScheduledAt = &now
	}
	c.UpdatedAt = now
	return c.clone(), nil
}

func (r *InMemoryRepository) SetClinician(_ context.Context, id uuid.UUID, clinicianID string) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consultations[id]
	if !ok || c.DeletedAt != nil {
		return nil, ErrNotFound
	}
	c.ClinicianID = &clinicianID
	c.UpdatedAt = r.now()
	return c.clone(), nil
}

// ---------------------------------------------------------------------------
// Status history
// ---------------------------------------------------------------------------

// AppendStatusEvent appends to the history. Stored events are never changed.
func (r *InMemoryRepository) AppendStatusEvent(_ context.Context, e *StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	r.events = append(r.events, e.clone())
	return nil
}

func (r *InMemoryRepository) ListStatusEvents(_ context.Context, consultationID uuid.UUID) ([]*StatusEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*StatusEvent
	for _, e := range r.events {
		if e.ConsultationID == consultationID {
			out = append(out, e.clone())
		}
	}
	return out, nil
}

func (r *InMemoryRepository) ListStatusEventsSince(_ context.Context, since time.Time, limit, offset int) ([]*StatusEvent, error) {
	r.mu.Lock()
	var matched []*StatusEvent
	for _, e := range r.events {
		if !e.CreatedAt.Before(since) {
			matched = append(matched, e.clone())
		}
	}
	r.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return pagination.Window(matched, limit, offset), nil
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

func (r *InMemoryRepository) CreateDocument(_ context.Context, d *Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.now()
	}
	r.documents[d.ID] = d.clone()
	return nil
}

func (r *InMemoryRepository) GetDocument(_ context.Context, id uuid.UUID) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.documents[id]
	if !ok || d.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return d.clone(), nil
}

func (r *InMemoryRepository) ListDocuments(_ context.Context, consultationID uuid.UUID) ([]*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Document
	for _, d := range r.documents {
		if d.ConsultationID == consultationID && d.DeletedAt == nil {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryRepository) SoftDeleteDocument(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.documents[id]
	if !ok || d.DeletedAt != nil {
		return ErrNotFound
	}
	now := r.now()
	d.DeletedAt = &now
	return nil
}

// ---------------------------------------------------------------------------
// Copies
// ---------------------------------------------------------------------------

func copyFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func copyUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	cp := *id
	return &cp
}

func (p *Patient) clone() *Patient {
	cp := *p
	cp.CustomerID = copyString(p.CustomerID)
	cp.PHI = copyFields(p.PHI)
	cp.DeletedAt = copyTime(p.DeletedAt)
	return &cp
}

func (s *Submission) clone() *Submission {
	cp := *s
	cp.CustomerID = copyString(s.CustomerID)
	cp.IdempotencyKey = copyString(s.IdempotencyKey)
	cp.PHI = copyFields(s.PHI)
	cp.DeletedAt = copyTime(s.DeletedAt)
	return &cp
}

func (a *Approval) clone() *Approval {
	cp := *a
	cp.CustomerID = copyString(a.CustomerID)
	cp.SubmissionID = copyUUID(a.SubmissionID)
	cp.ConsultationID = copyUUID(a.ConsultationID)
	cp.ExpiresAt = copyTime(a.ExpiresAt)
	cp.DeletedAt = copyTime(a.DeletedAt)
	return &cp
}

func (c *Consultation) clone() *Consultation {
	cp := *c
	cp.ClinicianID = copyString(c.ClinicianID)
	cp.ScheduledAt = copyTime(c.ScheduledAt)
	cp.OriginatingSubmissionID = copyUUID(c.OriginatingSubmissionID)
	cp.DeletedAt = copyTime(c.DeletedAt)
	return &cp
}

func (e *StatusEvent) clone() *StatusEvent {
	cp := *e
	cp.Metadata = copyFields(e.Metadata)
	return &cp
}

func (d *Document) clone() *Document {
	cp := *d
	cp.DeletedAt = copyTime(d.DeletedAt)
	return &cp
}
