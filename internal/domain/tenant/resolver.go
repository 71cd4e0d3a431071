package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/metrics"
)

// Resolver maps a request's host or slug header to its business. Only
// approved and active businesses resolve; every other outcome is the same
// not-found error.
type Resolver struct {
	repo   Repository
	cache  Cache
	logger zerolog.Logger
}

// NewResolver returns a Resolver. A nil cache disables caching.
func NewResolver(repo Repository, cache Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{repo: repo, cache: cache, logger: logger.With().Str("component", "tenant_resolver").Logger()}
}

// Resolve looks the business up by slug when one is given, otherwise by host.
func (r *Resolver) Resolve(ctx context.Context, host, slug string) (*Business, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	host = NormalizeHost(host)

	var key string
	var load func(context.Context) (*Business, error)
	switch {
	case slug != "":
		key = slugKey(slug)
		load = func(ctx context.Context) (*Business, error) { return r.repo.GetBySlug(ctx, slug) }
	case host != "":
		key = hostKey(host)
		load = func(ctx context.Context) (*Business, error) { return r.repo.GetByDomain(ctx, host) }
	default:
		return nil, apperr.NotFound("business")
	}

	if r.cache != nil {
		if b, ok := r.cache.Get(ctx, key); ok && b.Status.Resolvable() {
			metrics.RecordCacheLookup("hit")
			return b, nil
		}
		metrics.RecordCacheLookup("miss")
	}

	b, err := load(ctx)
	if err != nil {
		if errors.Is(err, ErrBusinessNotFound) {
			return nil, apperr.NotFound("business")
		}
		return nil, fmt.Errorf("resolve business: %w", err)
	}
	if !b.Status.Resolvable() {
		r.logger.Debug().Str("business_id", b.ID.String()).Str("status", string(b.Status)).Msg("business not resolvable")
		return nil, apperr.NotFound("business")
	}

	if r.cache != nil {
		r.cache.Set(ctx, key, b)
	}
	return b, nil
}

// Invalidate drops every cached entry of b.
func (r *Resolver) Invalidate(ctx context.Context, b *Business) {
	if r.cache == nil || b == nil {
		return
	}
	r.cache.Delete(ctx, cacheKeys(b)...)
}
