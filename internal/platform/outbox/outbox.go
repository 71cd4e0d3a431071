package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/metrics"
)

// Outbox is the enqueue and operator surface over a Store.
type Outbox struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

func New(store Store, logger zerolog.Logger) *Outbox {
	return &Outbox{
		store:  store,
		logger: logger.With().Str("component", "outbox").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateOnce records the event unless one with the same dedupe key already
// exists, in which case the existing event is returned unchanged. Call it
// with the context of the unit of work that performs the domain mutation.
func (o *Outbox) CreateOnce(ctx context.Context, in NewEvent) (*Event, bool, error) {
	if in.BusinessID == uuid.Nil {
		return nil, false, apperr.InvalidInput("outbox event requires business_id")
	}
	if strings.TrimSpace(in.Type) == "" {
		return nil, false, apperr.InvalidInput("outbox event requires type")
	}
	if strings.TrimSpace(in.DedupeKey) == "" {
		return nil, false, apperr.InvalidInput("outbox event requires dedupe_key")
	}

	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.ErrInvalidInput, "invalid_payload", "outbox payload is not serializable", err)
	}

	now := o.now()
	e := &Event{
		ID:            uuid.New(),
		BusinessID:    in.BusinessID,
		Type:          in.Type,
		DedupeKey:     in.DedupeKey,
		Status:        StatusPending,
		NextAttemptAt: now,
		Payload:       payload,
		Metadata:      in.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	stored, created, err := o.store.CreateOnce(ctx, e)
	if err != nil {
		return nil, false, err
	}
	metrics.RecordOutboxEnqueue(in.Type, created)
	if !created {
		o.logger.Debug().
			Str("dedupe_key", in.DedupeKey).
			Str("event_id", stored.ID.String()).
			Msg("outbox event already recorded")
	}
	return stored, created, nil
}

// Get returns one event.
func (o *Outbox) Get(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := o.store.Get(ctx, id)
	if errors.Is(err, ErrEventNotFound) {
		return nil, apperr.NotFound("outbox event")
	}
	return e, err
}

// ListByStatus lists events, oldest first. Dead letters stay queryable here
// until an operator requeues them.
func (o *Outbox) ListByStatus(ctx context.Context, businessID *uuid.UUID, status Status, limit, offset int) ([]*Event, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, apperr.InvalidInput("unknown outbox status %q", status)
	}
	return o.store.List(ctx, ListFilter{BusinessID: businessID, Status: status}, limit, offset)
}

// Requeue returns a dead-lettered event to pending with its attempts reset.
func (o *Outbox) Requeue(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := o.store.Requeue(ctx, id, o.now())
	switch {
	case errors.Is(err, ErrEventNotFound):
		return nil, apperr.NotFound("outbox event")
	case errors.Is(err, ErrNotDeadLettered):
		return nil, apperr.New(apperr.ErrInvalidTransition, "invalid_transition", "only dead-lettered events can be requeued")
	case err != nil:
		return nil, err
	}
	o.logger.Info().Str("event_id", id.String()).Str("dedupe_key", e.DedupeKey).Msg("outbox event requeued")
	return e, nil
}
