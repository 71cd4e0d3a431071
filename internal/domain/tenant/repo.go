package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrBusinessNotFound = errors.New("business not found")
	ErrSlugTaken        = errors.New("slug already registered")
	ErrDomainTaken      = errors.New("domain already registered")
	ErrStatusConflict   = errors.New("business status changed concurrently")
)

type Repository interface {
	// Create stores b with its domains. Slug and domain uniqueness are
	// enforced by the store.
	Create(ctx context.Context, b *Business) error
	GetByID(ctx context.Context, id uuid.UUID) (*Business, error)
	GetBySlug(ctx context.Context, slug string) (*Business, error)
	GetByDomain(ctx context.Context, domain string) (*Business, error)
	// UpdateStatus moves the business to `to` only if it is still in `from`.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Business, error)
	List(ctx context.Context, limit, offset int) ([]*Business, int, error)
}
