package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/hipaa"
	"github.com/medmart/telehealth/internal/platform/validate"
)

// CreateInput is the platform-admin request to register a business.
type CreateInput struct {
	Slug    string         `json:"slug" validate:"required,max=64"`
	Name    string         `json:"name" validate:"max=255"`
	Domains []string       `json:"domains" validate:"dive,required,hostname"`
	Config  map[string]any `json:"config"`
}

// Service administers businesses.
type Service struct {
	repo     Repository
	resolver *Resolver
	auditor  *hipaa.Auditor
	logger   zerolog.Logger
}

func NewService(repo Repository, resolver *Resolver, auditor *hipaa.Auditor, logger zerolog.Logger) *Service {
	return &Service{repo: repo, resolver: resolver, auditor: auditor, logger: logger}
}

// CreateBusiness registers a pending business.
func (s *Service) CreateBusiness(ctx context.Context, in CreateInput, actor string) (*Business, error) {
	in.Slug = strings.ToLower(strings.TrimSpace(in.Slug))
	for i, d := range in.Domains {
		in.Domains[i] = NormalizeHost(d)
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	if !ValidSlug(in.Slug) {
		return nil, apperr.InvalidInput("slug: must be lowercase letters, digits and dashes")
	}

	b := &Business{
		ID:      uuid.New(),
		Slug:    in.Slug,
		Name:    in.Name,
		Status:  StatusPending,
		Domains: dedupe(in.Domains),
		Config:  in.Config,
	}
	if err := s.repo.Create(ctx, b); err != nil {
		switch {
		case errors.Is(err, ErrSlugTaken):
			return nil, apperr.New(apperr.ErrInvalidInput, "slug_taken", "slug is already registered")
		case errors.Is(err, ErrDomainTaken):
			return nil, apperr.New(apperr.ErrInvalidInput, "domain_taken", "domain is already registered")
		}
		return nil, fmt.Errorf("create business: %w", err)
	}

	s.logger.Info().Str("business_id", b.ID.String()).Str("slug", b.Slug).Msg("business created")
	s.auditor.Record(ctx, hipaa.AuditRecord{
		Actor:      actor,
		Action:     "business_created",
		EntityType: "business",
		EntityID:   b.ID.String(),
		BusinessID: &b.ID,
		Changes:    map[string]any{"slug": b.Slug, "domains": b.Domains, "status": string(b.Status)},
		RiskLevel:  hipaa.RiskMedium,
	})
	return b, nil
}

// ChangeStatus moves a business along its lifecycle and drops it from the
// resolver cache.
func (s *Service) ChangeStatus(ctx context.Context, id uuid.UUID, to Status, actor string) (*Business, error) {
	if !to.Valid() {
		return nil, apperr.InvalidInput("status: unknown business status %q", to)
	}
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBusinessNotFound) {
			return nil, apperr.NotFound("business")
		}
		return nil, fmt.Errorf("load business: %w", err)
	}
	if !CanTransition(cur.Status, to) {
		return nil, apperr.InvalidTransition(string(cur.Status), string(to))
	}

	updated, err := s.repo.UpdateStatus(ctx, id, cur.Status, to)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, apperr.InvalidTransition(string(cur.Status), string(to))
		}
		return nil, fmt.Errorf("update business status: %w", err)
	}
	s.resolver.Invalidate(ctx, updated)

	s.logger.Info().
		Str("business_id", id.String()).
		Str("from", string(cur.Status)).
		Str("to", string(to)).
		Msg("business status changed")
	risk := hipaa.RiskMedium
	if to == StatusSuspended {
		risk = hipaa.RiskHigh
	}
	s.auditor.Record(ctx, hipaa.AuditRecord{
		Actor:      actor,
		Action:     "business_status_changed",
		EntityType: "business",
		EntityID:   id.String(),
		BusinessID: &id,
		Changes:    map[string]any{"from": string(cur.Status), "to": string(to)},
		RiskLevel:  risk,
	})
	return updated, nil
}

func (s *Service) GetBusiness(ctx context.Context, id uuid.UUID) (*Business, error) {
	b, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrBusinessNotFound) {
		return nil, apperr.NotFound("business")
	}
	return b, err
}

func (s *Service) ListBusinesses(ctx context.Context, limit, offset int) ([]*Business, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
