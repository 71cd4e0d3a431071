package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/hipaa"
	"github.com/medmart/telehealth/internal/platform/metrics"
)

// Security event kinds.
const (
	KindCrossTenant = "cross_tenant"
	KindEnumeration = "enumeration"
)

// Guard verifies that tenant-scoped resources belong to the caller's business.
// Missing and foreign resources produce the same not-found error; the
// difference is only visible in the security log.
type Guard struct {
	logger  zerolog.Logger
	auditor *hipaa.Auditor
}

func NewGuard(logger zerolog.Logger, auditor *hipaa.Auditor) *Guard {
	return &Guard{logger: logger, auditor: auditor}
}

// Verify checks ownership of a resource that was looked up by id. exists is
// false when the lookup found nothing.
func (g *Guard) Verify(ctx context.Context, tc Context, kind string, id uuid.UUID, owner uuid.UUID, exists bool) error {
	if !exists {
		g.securityEvent(ctx, KindEnumeration, tc.BusinessID, nil, kind, id.String())
		return apperr.NotFound(kind)
	}
	if tc.BusinessID == uuid.Nil || owner != tc.BusinessID {
		g.securityEvent(ctx, KindCrossTenant, tc.BusinessID, &owner, kind, id.String())
		return apperr.NotFound(kind)
	}
	return nil
}

// VerifyAccess is Verify against the tenant bound to ctx. A request with no
// tenant gets a plain not-found.
func (g *Guard) VerifyAccess(ctx context.Context, kind string, id, owner uuid.UUID, exists bool) error {
	tc, ok := FromContext(ctx)
	if !ok {
		return apperr.NotFound(kind)
	}
	return g.Verify(ctx, tc, kind, id, owner, exists)
}

// ReportCrossTenant records a foreign access detected outside Verify, such
// as a token bound to another business.
func (g *Guard) ReportCrossTenant(ctx context.Context, attempting uuid.UUID, target *uuid.UUID, kind, id string) {
	g.securityEvent(ctx, KindCrossTenant, attempting, target, kind, id)
}

func (g *Guard) securityEvent(ctx context.Context, eventKind string, attempting uuid.UUID, target *uuid.UUID, kind, id string) {
	metrics.RecordSecurityEvent(eventKind)

	evt := g.logger.Warn().
		Str("type", "tenant_security").
		Str("kind", eventKind).
		Str("attempting_business_id", attempting.String()).
		Str("resource_type", kind).
		Str("resource_id", id)
	if target != nil {
		evt = evt.Str("target_business_id", target.String())
	}
	evt.Msg("tenant isolation violation")

	meta := map[string]any{"kind": eventKind, "resource_type": kind}
	if target != nil {
		meta["target_business_id"] = target.String()
	}
	var bid *uuid.UUID
	if attempting != uuid.Nil {
		bid = &attempting
	}
	g.auditor.Record(context.WithoutCancel(ctx), hipaa.AuditRecord{
		Actor:      actorFromContext(ctx),
		Action:     "tenant_access_denied",
		EntityType: kind,
		EntityID:   id,
		BusinessID: bid,
		Metadata:   meta,
		RiskLevel:  hipaa.RiskHigh,
	})
}

// Load fetches a tenant-scoped resource by id and verifies it belongs to the
// business in ctx. load must return an error matching apperr.ErrNotFound
// when nothing exists under id.
func Load[T any](ctx context.Context, g *Guard, kind string, id uuid.UUID,
	load func(context.Context, uuid.UUID) (T, error), owner func(T) uuid.UUID) (T, error) {
	var zero T
	tc, ok := FromContext(ctx)
	if !ok {
		return zero, apperr.NotFound(kind)
	}

	v, err := load(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return zero, g.Verify(ctx, tc, kind, id, uuid.Nil, false)
		}
		return zero, err
	}
	if err := g.Verify(ctx, tc, kind, id, owner(v), true); err != nil {
		return zero, err
	}
	return v, nil
}
