package consult

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/domain/tenant"
	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/db"
	"github.com/medmart/telehealth/internal/platform/hipaa"
	"github.com/medmart/telehealth/internal/platform/metrics"
	"github.com/medmart/telehealth/internal/platform/outbox"
	"github.com/medmart/telehealth/internal/platform/validate"
)

// IntakeInput is the patient-facing consultation request. The business comes
// from the resolved tenant and the customer from the caller's token.
type IntakeInput struct {
	ProductID          string         `json:"product_id" validate:"required,max=128"`
	Email              string         `json:"email" validate:"required,email,max=254"`
	FirstName          string         `json:"first_name" validate:"required,max=100"`
	LastName           string         `json:"last_name" validate:"required,max=100"`
	Phone              string         `json:"phone,omitempty" validate:"omitempty,max=32"`
	DateOfBirth        string         `json:"date_of_birth,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Address            map[string]any `json:"address,omitempty"`
	EligibilityAnswers map[string]any `json:"eligibility_answers,omitempty"`
	ChiefComplaint     string         `json:"chief_complaint,omitempty" validate:"max=4000"`
	MedicalHistory     string         `json:"medical_history,omitempty" validate:"max=8000"`
	Medications        string         `json:"medications,omitempty" validate:"max=4000"`
	Allergies          string         `json:"allergies,omitempty" validate:"max=4000"`
	Mode               Mode           `json:"mode,omitempty" validate:"omitempty,oneof=video audio form"`
	IdempotencyKey     string         `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

// record returns the intake fields keyed the way they are stored. Empty
// optional fields are left out.
func (in IntakeInput) record() map[string]any {
	rec := map[string]any{
		"email":      strings.TrimSpace(in.Email),
		"first_name": strings.TrimSpace(in.FirstName),
		"last_name":  strings.TrimSpace(in.LastName),
	}
	optional := map[string]string{
		"phone":           in.Phone,
		"date_of_birth":   in.DateOfBirth,
		"chief_complaint": in.ChiefComplaint,
		"medical_history": in.MedicalHistory,
		"medications":     in.Medications,
		"allergies":       in.Allergies,
	}
	for k, v := range optional {
		if v = strings.TrimSpace(v); v != "" {
			rec[k] = v
		}
	}
	if len(in.Address) > 0 {
		rec["address"] = in.Address
	}
	if len(in.EligibilityAnswers) > 0 {
		rec["eligibility_answers"] = in.EligibilityAnswers
	}
	return rec
}

// checkReservedKeys rejects free-form objects whose keys could be read back
// as an encrypted field envelope.
func (in IntakeInput) checkReservedKeys() error {
	for field, obj := range map[string]map[string]any{
		"address":             in.Address,
		"eligibility_answers": in.EligibilityAnswers,
	} {
		for k := range obj {
			if strings.HasPrefix(k, hipaa.ReservedKeyPrefix) {
				return apperr.InvalidInput("%s: key %q may not start with %q", field, k, hipaa.ReservedKeyPrefix)
			}
		}
	}
	return nil
}

// SubmitResult identifies the rows created for one intake.
type SubmitResult struct {
	SubmissionID   uuid.UUID    `json:"submission_id"`
	ApprovalID     uuid.UUID    `json:"approval_id"`
	ConsultationID uuid.UUID    `json:"consultation_id"`
	Status         ReviewStatus `json:"status"`
	// Replayed is true when an earlier submission with the same idempotency
	// key was returned instead of creating a new one.
	Replayed bool `json:"replayed,omitempty"`
}

// Intake accepts consultation requests. At most one pending submission per
// (business, customer, product) is enforced by the store's unique index.
type Intake struct {
	repo    Repository
	tx      db.TxRunner
	outbox  *outbox.Outbox
	codec   *hipaa.Codec
	auditor *hipaa.Auditor
	logger  zerolog.Logger
}

func NewIntake(deps Deps) *Intake {
	codec := deps.Codec
	if codec == nil {
		codec = &hipaa.Codec{}
	}
	return &Intake{
		repo:    deps.Repo,
		tx:      deps.Tx,
		outbox:  deps.Outbox,
		codec:   codec,
		auditor: deps.Auditor,
		logger:  deps.Logger.With().Str("component", "intake").Logger(),
	}
}

var errDuplicateSubmission = apperr.New(apperr.ErrDuplicateSubmission, "duplicate_submission",
	"you already have a pending request for this product")

var errDuplicateApproval = apperr.New(apperr.ErrDuplicateApproval, "duplicate_approval",
	"you already have a pending request for this product")

// SubmitConsultation records a submission, its patient, consultation and
// pending approval, and enqueues consult.submitted, all in one unit of work.
// customerID is empty for anonymous intake.
func (i *Intake) SubmitConsultation(ctx context.Context, in IntakeInput, customerID string) (*SubmitResult, error) {
	res, outcome, err := i.submit(ctx, in, strings.TrimSpace(customerID))
	metrics.RecordIntake(outcome)
	return res, err
}

func (i *Intake) submit(ctx context.Context, in IntakeInput, customerID string) (*SubmitResult, string, error) {
	tc, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, "invalid", apperr.InvalidInput("business is required")
	}
	in.ProductID = strings.TrimSpace(in.ProductID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if err := validate.Struct(in); err != nil {
		return nil, "invalid", err
	}
	if err := in.checkReservedKeys(); err != nil {
		return nil, "invalid", err
	}
	if in.Mode == "" {
		in.Mode = ModeForm
	}

	// An idempotency key only has meaning for an identified customer.
	idempotent := customerID != "" && in.IdempotencyKey != ""
	if idempotent {
		if res, err := i.replay(ctx, tc.BusinessID, customerID, in.IdempotencyKey); err == nil {
			return res, "replayed", nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, "error", err
		}
	}

	rec := in.record()
	subPHI, err := i.codec.EncryptFields(rec, hipaa.SubmissionPHIFields)
	if err != nil {
		return nil, "error", fmt.Errorf("encrypt submission: %w", err)
	}
	patientPHI, err := i.codec.EncryptFields(pick(rec, hipaa.PatientPHIFields), hipaa.PatientPHIFields)
	if err != nil {
		return nil, "error", fmt.Errorf("encrypt patient: %w", err)
	}

	sub := &Submission{
		ID:         uuid.New(),
		BusinessID: tc.BusinessID,
		ProductID:  in.ProductID,
		CustomerID: strPtr(customerID),
		PHI:        subPHI,
		Status:     ReviewPending,
	}
	if idempotent {
		sub.IdempotencyKey = strPtr(in.IdempotencyKey)
	}
	var (
		approval     *Approval
		consultation *Consultation
	)

	err = i.tx.WithinTx(ctx, func(ctx context.Context) error {
		patient, err := i.repo.EnsurePatient(ctx, &Patient{
			ID:         uuid.New(),
			BusinessID: tc.BusinessID,
			CustomerID: strPtr(customerID),
			PHI:        patientPHI,
		})
		if err != nil {
			return fmt.Errorf("ensure patient: %w", err)
		}
		sub.PatientID = patient.ID
		if err := i.repo.CreateSubmission(ctx, sub); err != nil {
			return err
		}

		consultation = &Consultation{
			ID:                      uuid.New(),
			BusinessID:              tc.BusinessID,
			PatientID:               patient.ID,
			ProductID:               in.ProductID,
			Mode:                    in.Mode,
			Status:                  StatusPending,
			OriginatingSubmissionID: &sub.ID,
		}
		if err := i.repo.CreateConsultation(ctx, consultation); err != nil {
			return err
		}

		approval = &Approval{
			ID:             uuid.New(),
			BusinessID:     tc.BusinessID,
			CustomerID:     strPtr(customerID),
			ProductID:      in.ProductID,
			SubmissionID:   &sub.ID,
			ConsultationID: &consultation.ID,
			Status:         ReviewPending,
		}
		if err := i.repo.CreateApproval(ctx, approval); err != nil {
			return err
		}

		if err := i.repo.AppendStatusEvent(ctx, &StatusEvent{
			ID:             uuid.New(),
			BusinessID:     tc.BusinessID,
			ConsultationID: consultation.ID,
			ToStatus:       StatusPending,
			ChangedBy:      actorFor(customerID),
			Metadata:       map[string]any{"submission_id": sub.ID.String()},
			CreatedAt:      sub.CreatedAt,
		}); err != nil {
			return err
		}

		_, _, err = i.outbox.CreateOnce(ctx, submittedEvent(sub, approval.ID, consultation))
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateIdempotency):
		// Another request with the same key committed first.
		if res, rerr := i.replay(ctx, tc.BusinessID, customerID, in.IdempotencyKey); rerr == nil {
			return res, "replayed", nil
		}
		return nil, "duplicate", errDuplicateSubmission
	case errors.Is(err, ErrDuplicatePending), errors.Is(err, ErrDuplicateConsultation):
		i.logDuplicate(tc.BusinessID, in.ProductID, "submission")
		return nil, "duplicate", errDuplicateSubmission
	case errors.Is(err, ErrDuplicateApproval):
		i.logDuplicate(tc.BusinessID, in.ProductID, "approval")
		return nil, "duplicate", errDuplicateApproval
	default:
		return nil, "error", fmt.Errorf("submit consultation: %w", err)
	}

	i.logger.Info().
		Str("business_id", tc.BusinessID.String()).
		Str("submission_id", sub.ID.String()).
		Str("consultation_id", consultation.ID.String()).
		Str("product_id", in.ProductID).
		Bool("anonymous", customerID == "").
		Msg("consultation submitted")
	i.auditor.Record(ctx, hipaa.AuditRecord{
		Actor:      actorFor(customerID),
		Action:     "consult_submitted",
		EntityType: "consult_submission",
		EntityID:   sub.ID.String(),
		BusinessID: &tc.BusinessID,
		Metadata: map[string]any{
			"product_id":      in.ProductID,
			"consultation_id": consultation.ID.String(),
			"approval_id":     approval.ID.String(),
		},
		RiskLevel: hipaa.RiskMedium,
	})

	return &SubmitResult{
		SubmissionID:   sub.ID,
		ApprovalID:     approval.ID,
		ConsultationID: consultation.ID,
		Status:         sub.Status,
	}, "created", nil
}

// replay rebuilds the result of an earlier submission made with the same
// idempotency key.
func (i *Intake) replay(ctx context.Context, businessID uuid.UUID, customerID, key string) (*SubmitResult, error) {
	sub, err := i.repo.GetSubmissionByIdempotencyKey(ctx, businessID, customerID, key)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{SubmissionID: sub.ID, Status: sub.Status, Replayed: true}
	if a, err := i.repo.GetApprovalBySubmission(ctx, sub.ID); err == nil {
		res.ApprovalID = a.ID
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if c, err := i.repo.GetConsultationBySubmission(ctx, sub.ID); err == nil {
		res.ConsultationID = c.ID
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	i.logger.Debug().Str("submission_id", sub.ID.String()).Msg("idempotent intake replayed")
	return res, nil
}

func (i *Intake) logDuplicate(businessID uuid.UUID, productID, what string) {
	i.logger.Info().
		Str("business_id", businessID.String()).
		Str("product_id", productID).
		Str("conflict", what).
		Msg("duplicate pending intake rejected")
}

func actorFor(customerID string) string {
	if customerID == "" {
		return "anonymous"
	}
	return "customer:" + customerID
}

func pick(rec map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			out[k] = v
		}
	}
	return out
}
