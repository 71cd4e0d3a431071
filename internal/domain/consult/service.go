package consult

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/domain/tenant"
	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/blobstore"
	"github.com/medmart/telehealth/internal/platform/db"
	"github.com/medmart/telehealth/internal/platform/hipaa"
	"github.com/medmart/telehealth/internal/platform/metrics"
	"github.com/medmart/telehealth/internal/platform/outbox"
	"github.com/medmart/telehealth/internal/platform/validate"
)

// DefaultApprovalValidity is how long an approval stays usable when no
// validity is configured.
const DefaultApprovalValidity = 30 * 24 * time.Hour

// Config holds the business rules that vary by deployment.
type Config struct {
	// ApprovalValidity is added to the approval time to get its expiry.
	ApprovalValidity time.Duration
	// RequireClinicianForScheduling rejects pending -> scheduled while no
	// clinician is assigned.
	RequireClinicianForScheduling bool
}

// Deps are the collaborators shared by Service and Intake.
type Deps struct {
	Repo    Repository
	Tx      db.TxRunner
	Outbox  *outbox.Outbox
	Guard   *tenant.Guard
	Auditor *hipaa.Auditor
	Codec   *hipaa.Codec
	Blobs   blobstore.Store
	Logger  zerolog.Logger
}

// Service is the consultation state machine and the approval gate.
type Service struct {
	repo    Repository
	tx      db.TxRunner
	outbox  *outbox.Outbox
	guard   *tenant.Guard
	auditor *hipaa.Auditor
	codec   *hipaa.Codec
	blobs   blobstore.Store
	logger  zerolog.Logger
	cfg     Config
	now     func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.ApprovalValidity <= 0 {
		cfg.ApprovalValidity = DefaultApprovalValidity
	}
	if deps.Codec == nil {
		deps.Codec = &hipaa.Codec{}
	}
	return &Service{
		repo:    deps.Repo,
		tx:      deps.Tx,
		outbox:  deps.Outbox,
		guard:   deps.Guard,
		auditor: deps.Auditor,
		codec:   deps.Codec,
		blobs:   deps.Blobs,
		logger:  deps.Logger.With().Str("component", "consultation").Logger(),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ---------------------------------------------------------------------------
// Guarded loads
// ---------------------------------------------------------------------------

func (s *Service) getConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := s.repo.GetConsultation(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("consultation")
	}
	return c, err
}

// loadConsultation returns the consultation only if it belongs to the
// business in ctx.
func (s *Service) loadConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return tenant.Load(ctx, s.guard, "consultation", id, s.getConsultation,
		func(c *Consultation) uuid.UUID { return c.BusinessID })
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

// TransitionStatus moves a consultation to `to`. The status change, its
// history row, the approval mirror and the outbox event commit together.
func (s *Service) TransitionStatus(ctx context.Context, id uuid.UUID, to Status, actor, reason string) (*Consultation, error) {
	if !to.Valid() {
		return nil, apperr.InvalidInput("status: unknown consultation status %q", to)
	}
	reason = strings.TrimSpace(reason)
	if to == StatusRejected && reason == "" {
		return nil, apperr.InvalidInput("reason is required when rejecting a consultation")
	}
	if strings.TrimSpace(actor) == "" {
		return nil, apperr.InvalidInput("actor is required")
	}

	c, err := s.loadConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(c.Status, to) {
		return nil, apperr.InvalidTransition(string(c.Status), string(to))
	}
	if s.cfg.RequireClinicianForScheduling && to == StatusScheduled && c.ClinicianID == nil {
		return nil, apperr.New(apperr.ErrInvalidTransition, "clinician_required",
			"a clinician must be assigned before the consultation is scheduled")
	}
	return s.applyTransition(ctx, c, to, actor, reason, nil)
}

func (s *Service) applyTransition(ctx context.Context, c *Consultation, to Status, actor, reason string, meta map[string]any) (*Consultation, error) {
	from := c.Status
	var updated *Consultation
	var event *StatusEvent

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.repo.UpdateConsultationStatus(ctx, c.ID, from, to, reason)
		if err != nil {
			return err
		}

		event = &StatusEvent{
			ID:             uuid.New(),
			BusinessID:     c.BusinessID,
			ConsultationID: c.ID,
			FromStatus:     from,
			ToStatus:       to,
			ChangedBy:      actor,
			Reason:         reason,
			Metadata:       meta,
			CreatedAt:      s.now(),
		}
		if err := s.repo.AppendStatusEvent(ctx, event); err != nil {
			return err
		}
		if err := s.mirrorReview(ctx, updated, to); err != nil {
			return err
		}
		_, _, err = s.outbox.CreateOnce(ctx, statusChangedEvent(updated, event, "state_machine"))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, apperr.Wrap(apperr.ErrInvalidTransition, "status_conflict",
				"consultation status changed while the request was processed", err)
		}
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("consultation")
		}
		return nil, fmt.Errorf("transition consultation: %w", err)
	}

	metrics.RecordTransition(string(to))
	s.logger.Info().
		Str("business_id", c.BusinessID.String()).
		Str("consultation_id", c.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg("consultation status changed")

	risk := hipaa.RiskLow
	if to == StatusApproved || to == StatusRejected {
		risk = hipaa.RiskMedium
	}
	s.auditor.Record(ctx, hipaa.AuditRecord{
		Actor:      actor,
		Action:     "consultation_status_changed",
		EntityType: "consultation",
		EntityID:   c.ID.String(),
		BusinessID: &c.BusinessID,
		Changes:    map[string]any{"from": string(from), "to": string(to)},
		Metadata:   map[string]any{"status_event_id": event.ID.String(), "has_reason": reason != ""},
		RiskLevel:  risk,
	})
	return updated, nil
}

// mirrorReview carries terminal outcomes onto the originating submission and
// its approval. A cancellation expires both so the pending slot is freed.
func (s *Service) mirrorReview(ctx context.Context, c *Consultation, to Status) error {
	var review ReviewStatus
	switch to {
	case StatusApproved:
		review = ReviewApproved
	case StatusRejected:
		review = ReviewRejected
	case StatusCancelled:
		review = ReviewExpired
	default:
		return nil
	}

	if c.OriginatingSubmissionID != nil {
		if err := s.repo.UpdateSubmissionStatus(ctx, *c.OriginatingSubmissionID, review); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("mirror submission status: %w", err)
		}
	}

	a, err := s.repo.GetApprovalByConsultation(ctx, c.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load approval: %w", err)
	}
	var expires *time.Time
	if review == ReviewApproved {
		t := s.now().Add(s.cfg.ApprovalValidity)
		expires = &t
	}
	if err := s.repo.UpdateApprovalStatus(ctx, a.ID, review, expires); err != nil {
		return fmt.Errorf("mirror approval status: %w", err)
	}
	return nil
}

// AssignClinician records who handles the consultation. It does not change
// the status; the history gets a same-status event carrying the clinician.
func (s *Service) AssignClinician(ctx context.Context, id uuid.UUID, clinicianID, actor string) (*Consultation, error) {
	clinicianID = strings.TrimSpace(clinicianID)
	if err := validate.Var("clinician_id", clinicianID, "required,max=128"); err != nil {
		return nil, err
	}

	c, err := s.loadConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, apperr.New(apperr.ErrInvalidTransition, "consultation_closed",
			fmt.Sprintf("cannot assign a clinician to a %s consultation", c.Status))
	}
	if deref(c.ClinicianID) == clinicianID {
		return c, nil
	}

	previous := deref(c.ClinicianID)
	var updated *Consultation
	var event *StatusEvent
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.repo.SetClinician(ctx, c.ID, clinicianID)
		if err != nil {
			return err
		}
		meta := map[string]any{"clinician_id": clinicianID}
		if previous != "" {
			meta["previous_clinician_id"] = previous
		}
		event = &StatusEvent{
			ID:             uuid.New(),
			BusinessID:     c.BusinessID,
			ConsultationID: c.ID,
			FromStatus:     updated.Status,
			ToStatus:       updated.Status,
			ChangedBy:      actor,
			Metadata:       meta,
			CreatedAt:      s.now(),
		}
		if err := s.repo.AppendStatusEvent(ctx, event); err != nil {
			return err
		}
		_, _, err = s.outbox.CreateOnce(ctx, clinicianAssignedEvent(updated, event, "state_machine"))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("consultation")
		}
		return nil, fmt.Errorf("assign clinician: %w", err)
	}

	s.logger.Info().
		Str("business_id", c.BusinessID.String()).
		Str("consultation_id", c.ID.String()).
		Str("clinician_id", clinicianID).
		Msg("clinician assigned")
	s.auditor.Record(ctx, hipaa.AuditRecord{
		Actor:      actor,
		Action:     "consultation_clinician_assigned",
		EntityType: "consultation",
		EntityID:   c.ID.String(),
		BusinessID: &c.BusinessID,
		Changes:    map[string]any{"clinician_id": clinicianID, "previous_clinician_id": previous},
	})
	return updated, nil
}

// CancelByPatient cancels a pre-clinical consultation on behalf of the
// customer that owns its patient record. Ownership comes from the caller's
// authenticated customer identity. Cancelling twice succeeds.
func (s *Service) CancelByPatient(ctx context.Context, id uuid.UUID, customerID string) (*Consultation, error) {
	if customerID == "" {
		return nil, apperr.NotFound("consultation")
	}
	c, err := s.loadConsultation(ctx, id)
	if err != nil {
		return nil, err
	}

	p, err := s.repo.GetPatient(ctx, c.PatientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if p == nil || deref(p.CustomerID) != customerID {
		s.logger.Warn().
			Str("business_id", c.BusinessID.String()).
			Str("consultation_id", c.ID.String()).
			Msg("cancellation by non-owner refused")
		return nil, apperr.NotFound("consultation")
	}

	if c.Status == StatusCancelled {
		return c, nil
	}
	if !CanTransition(c.Status, StatusCancelled) {
		return nil, apperr.InvalidTransition(string(c.Status), string(StatusCancelled))
	}
	updated, err := s.applyTransition(ctx, c, StatusCancelled, "customer:"+customerID, "cancelled by patient",
		map[string]any{"initiated_by": "patient"})
	if err != nil && errors.Is(err, apperr.ErrInvalidTransition) {
		// A concurrent cancel won the race.
		if cur, getErr := s.getConsultation(ctx, id); getErr == nil && cur.Status == StatusCancelled {
			return cur, nil
		}
	}
	return updated, err
}

// GetStatus returns the consultation with its full ordered history.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	c, err := s.loadConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.ListStatusEvents(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	docs, err := s.repo.ListDocuments(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	if history == nil {
		history = []*StatusEvent{}
	}
	return &StatusView{
		Consultation: c,
		Status:       c.Status,
		NextStatuses: NextStatuses(c.Status),
		History:      history,
		Documents:    docs,
	}, nil
}

// GetIntake returns the decrypted intake answers behind a consultation. Every
// read is audited as a PHI access.
func (s *Service) GetIntake(ctx context.Context, id uuid.UUID, actor string) (map[string]any, error) {
	c, err := s.loadConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OriginatingSubmissionID == nil {
		return nil, apperr.NotFound("intake")
	}
	sub, err := s.repo.GetSubmission(ctx, *c.OriginatingSubmissionID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("intake")
	}
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}

	rec, err := s.codec.DecryptFields(sub.PHI, hipaa.SubmissionPHIFields)
	if err != nil {
		s.logger.Error().Err(err).
			Str("business_id", c.BusinessID.String()).
			Str("submission_id", sub.ID.String()).
			Msg("intake record failed integrity check")
		return nil, err
	}

	s.auditor.Record(ctx, hipaa.AuditRecord{
		Actor:      actor,
		Action:     "phi_accessed",
		EntityType: "consult_submission",
		EntityID:   sub.ID.String(),
		BusinessID: &c.BusinessID,
		Metadata:   map[string]any{"consultation_id": c.ID.String()},
		RiskLevel:  hipaa.RiskMedium,
	})
	return rec, nil
}

// ---------------------------------------------------------------------------
// Approval gate
// ---------------------------------------------------------------------------

// CheckApproval returns the customer's approved, unexpired approval for a
// product in the business of ctx.
func (s *Service) CheckApproval(ctx context.Context, customerID, productID string) (*Approval, error) {
	tc, ok := tenant.FromContext(ctx)
	if !ok || customerID == "" {
		return nil, apperr.NotFound("approval")
	}
	if err := validate.Var("product_id", productID, "required,max=128"); err != nil {
		return nil, err
	}
	a, err := s.repo.FindActiveApproval(ctx, tc.BusinessID, customerID, productID, s.now())
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("approval")
	}
	if err != nil {
		return nil, fmt.Errorf("find approval: %w", err)
	}
	return a, nil
}

// ExpireApprovals expires approved approvals whose validity ended before now.
func (s *Service) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.repo.ExpireApprovals(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	for _, a := range expired {
		s.auditor.Record(ctx, hipaa.AuditRecord{
			Actor:      "system",
			Action:     "approval_expired",
			EntityType: "approval",
			EntityID:   a.ID.String(),
			BusinessID: &a.BusinessID,
		})
	}
	if len(expired) > 0 {
		s.logger.Info().Int("count", len(expired)).Msg("approvals expired")
	}
	return len(expired), nil
}

// RunExpirySweeper expires approvals every interval until ctx is done.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.ExpireApprovals(ctx, s.now()); err != nil {
				s.logger.Error().Err(err).Msg("approval expiry sweep failed")
			}
		}
	}
}
