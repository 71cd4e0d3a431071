package consult

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/platform/outbox"
)

const defaultReconcileBatch = 200

// ReconcileResult summarizes one sweep.
type ReconcileResult struct {
	Scanned int `json:"scanned"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// Reconciler re-derives outbox events from status history. Dedupe keys depend
// only on stored rows, so a sweep never duplicates an event that already
// exists and restores any that a store without atomic enqueue lost.
type Reconciler struct {
	repo   Repository
	outbox *outbox.Outbox
	logger zerolog.Logger
	batch  int
	now    func() time.Time
}

func NewReconciler(repo Repository, ob *outbox.Outbox, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		repo:   repo,
		outbox: ob,
		logger: logger.With().Str("component", "reconciler").Logger(),
		batch:  defaultReconcileBatch,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Sweep walks every status event created at or after since.
func (r *Reconciler) Sweep(ctx context.Context, since time.Time) (ReconcileResult, error) {
	var res ReconcileResult
	consultations := make(map[uuid.UUID]*Consultation)

	for offset := 0; ; offset += r.batch {
		events, err := r.repo.ListStatusEventsSince(ctx, since, r.batch, offset)
		if err != nil {
			return res, fmt.Errorf("list status events: %w", err)
		}
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Scanned++

			c, ok := consultations[ev.ConsultationID]
			if !ok {
				c, err = r.repo.GetConsultation(ctx, ev.ConsultationID)
				if errors.Is(err, ErrNotFound) {
					res.Skipped++
					continue
				}
				if err != nil {
					return res, fmt.Errorf("load consultation %s: %w", ev.ConsultationID, err)
				}
				consultations[c.ID] = c
			}

			in, ok, err := r.derive(ctx, c, ev)
			if err != nil {
				return res, err
			}
			if !ok {
				res.Skipped++
				continue
			}
			_, created, err := r.outbox.CreateOnce(ctx, in)
			if err != nil {
				return res, fmt.Errorf("re-enqueue %s: %w", in.DedupeKey, err)
			}
			if created {
				res.Created++
				r.logger.Warn().
					Str("business_id", c.BusinessID.String()).
					Str("dedupe_key", in.DedupeKey).
					Msg("missing outbox event restored from history")
			}
		}
		if len(events) < r.batch {
			break
		}
	}
	return res, nil
}

// derive rebuilds the outbox event a history row should have produced.
func (r *Reconciler) derive(ctx context.Context, c *Consultation, ev *StatusEvent) (outbox.NewEvent, bool, error) {
	switch {
	case ev.IsCreation():
		if c.OriginatingSubmissionID == nil {
			return outbox.NewEvent{}, false, nil
		}
		sub, err := r.repo.GetSubmission(ctx, *c.OriginatingSubmissionID)
		if errors.Is(err, ErrNotFound) {
			return outbox.NewEvent{}, false, nil
		}
		if err != nil {
			return outbox.NewEvent{}, false, fmt.Errorf("load submission: %w", err)
		}
		var approvalID uuid.UUID
		if a, err := r.repo.GetApprovalBySubmission(ctx, sub.ID); err == nil {
			approvalID = a.ID
		}
		in := submittedEvent(sub, approvalID, c)
		in.Metadata = map[string]any{"source": "reconciler"}
		return in, true, nil
	case ev.IsAssignment():
		return clinicianAssignedEvent(c, ev, "reconciler"), true, nil
	default:
		return statusChangedEvent(c, ev, "reconciler"), true, nil
	}
}

// Run sweeps the trailing window every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval, window time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := r.Sweep(ctx, r.now().Add(-window))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error().Err(err).Msg("reconcile sweep failed")
				continue
			}
			r.logger.Debug().Int("scanned", res.Scanned).Int("created", res.Created).Msg("reconcile sweep finished")
		}
	}
}
