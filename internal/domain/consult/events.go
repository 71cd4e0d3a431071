package consult

import (
	"time"

	"github.com/google/uuid"

	"github.com/medmart/telehealth/internal/platform/outbox"
)

// Outbox event types.
const (
	EventSubmitted         = "consult.submitted"
	EventStatusChanged     = "consultation.status_changed"
	EventClinicianAssigned = "consultation.clinician_assigned"
)

// Dedupe keys are derived only from stored identifiers so the reconciler can
// rebuild them from history.

func submittedKey(submissionID uuid.UUID) string {
	return EventSubmitted + ":" + submissionID.String()
}

func statusChangedKey(consultationID uuid.UUID, to Status) string {
	return EventStatusChanged + ":" + consultationID.String() + ":" + string(to)
}

func clinicianAssignedKey(consultationID, statusEventID uuid.UUID) string {
	return EventClinicianAssigned + ":" + consultationID.String() + ":" + statusEventID.String()
}

// Payloads carry identifiers and statuses only. Contact fields, answers and
// free-text reasons stay out of partner traffic.

type submittedPayload struct {
	SubmissionID   uuid.UUID `json:"submission_id"`
	ApprovalID     uuid.UUID `json:"approval_id"`
	ConsultationID uuid.UUID `json:"consultation_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	ProductID      string    `json:"product_id"`
	CustomerID     string    `json:"customer_id,omitempty"`
	Mode           Mode      `json:"mode"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

type statusChangedPayload struct {
	ConsultationID uuid.UUID `json:"consultation_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	ProductID      string    `json:"product_id"`
	FromStatus     Status    `json:"from_status"`
	ToStatus       Status    `json:"to_status"`
	ChangedBy      string    `json:"changed_by"`
	HasReason      bool      `json:"has_reason"`
	StatusEventID  uuid.UUID `json:"status_event_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type clinicianAssignedPayload struct {
	ConsultationID uuid.UUID `json:"consultation_id"`
	ClinicianID    string    `json:"clinician_id"`
	Status         Status    `json:"status"`
	AssignedBy     string    `json:"assigned_by"`
	StatusEventID  uuid.UUID `json:"status_event_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func submittedEvent(sub *Submission, approvalID uuid.UUID, c *Consultation) outbox.NewEvent {
	return outbox.NewEvent{
		BusinessID: sub.BusinessID,
		Type:       EventSubmitted,
		DedupeKey:  submittedKey(sub.ID),
		Payload: submittedPayload{
			SubmissionID:   sub.ID,
			ApprovalID:     approvalID,
			ConsultationID: c.ID,
			PatientID:      sub.PatientID,
			ProductID:      sub.ProductID,
			CustomerID:     deref(sub.CustomerID),
			Mode:           c.Mode,
			SubmittedAt:    sub.CreatedAt,
		},
		Metadata: map[string]any{"source": "intake"},
	}
}

func statusChangedEvent(c *Consultation, ev *StatusEvent, source string) outbox.NewEvent {
	return outbox.NewEvent{
		BusinessID: c.BusinessID,
		Type:       EventStatusChanged,
		DedupeKey:  statusChangedKey(c.ID, ev.ToStatus),
		Payload: statusChangedPayload{
			ConsultationID: c.ID,
			PatientID:      c.PatientID,
			ProductID:      c.ProductID,
			FromStatus:     ev.FromStatus,
			ToStatus:       ev.ToStatus,
			ChangedBy:      ev.ChangedBy,
			HasReason:      ev.Reason != "",
			StatusEventID:  ev.ID,
			OccurredAt:     ev.CreatedAt,
		},
		Metadata: map[string]any{"source": source},
	}
}

func clinicianAssignedEvent(c *Consultation, ev *StatusEvent, source string) outbox.NewEvent {
	clinician, _ := ev.Metadata["clinician_id"].(string)
	return outbox.NewEvent{
		BusinessID: c.BusinessID,
		Type:       EventClinicianAssigned,
		DedupeKey:  clinicianAssignedKey(c.ID, ev.ID),
		Payload: clinicianAssignedPayload{
			ConsultationID: c.ID,
			ClinicianID:    clinician,
			Status:         ev.ToStatus,
			AssignedBy:     ev.ChangedBy,
			StatusEventID:  ev.ID,
			OccurredAt:     ev.CreatedAt,
		},
		Metadata: map[string]any{"source": source},
	}
}
