package tenant

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medmart/telehealth/pkg/pagination"
)

// InMemoryRepository keeps businesses in process memory. Slug and domain
// uniqueness are checked and written under one lock.
type InMemoryRepository struct {
	mu         sync.Mutex
	businesses map[uuid.UUID]*Business
	bySlug     map[string]uuid.UUID
	byDomain   map[string]uuid.UUID
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		businesses: make(map[uuid.UUID]*Business),
		bySlug:     make(map[string]uuid.UUID),
		byDomain:   make(map[string]uuid.UUID),
	}
}

// Snapshot implements memdb.Table.
func (r *InMemoryRepository) Snapshot() func() {
	r.mu.Lock()
	businesses := make(map[uuid.UUID]*Business, len(r.businesses))
	for id, b := range r.businesses {
		businesses[id] = b.clone()
	}
	bySlug := make(map[string]uuid.UUID, len(r.bySlug))
	for k, v := range r.bySlug {
		bySlug[k] = v
	}
	byDomain := make(map[string]uuid.UUID, len(r.byDomain))
	for k, v := range r.byDomain {
		byDomain[k] = v
	}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.businesses, r.bySlug, r.byDomain = businesses, bySlug, byDomain
	}
}

func (r *InMemoryRepository) Create(_ context.Context, b *Business) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySlug[b.Slug]; ok {
		return ErrSlugTaken
	}
	for _, d := range b.Domains {
		if _, ok := r.byDomain[d]; ok {
			return ErrDomainTaken
		}
	}

	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	r.businesses[b.ID] = b.clone()
	r.bySlug[b.Slug] = b.ID
	for _, d := range b.Domains {
		r.byDomain[d] = b.ID
	}
	return nil
}

func (r *InMemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Business, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.businesses[id]
	if !ok {
		return nil, ErrBusinessNotFound
	}
	return b.clone(), nil
}

func (r *InMemoryRepository) GetBySlug(ctx context.Context, slug string) (*Business, error) {
	r.mu.Lock()
	id, ok := r.bySlug[slug]
	r.mu.Unlock()
	if !ok {
		return nil, ErrBusinessNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *InMemoryRepository) GetByDomain(ctx context.Context, domain string) (*Business, error) {
	r.mu.Lock()
	id, ok := r.byDomain[domain]
	r.mu.Unlock()
	if !ok {
		return nil, ErrBusinessNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *InMemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (*Business, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.businesses[id]
	if !ok {
		return nil, ErrBusinessNotFound
	}
	if b.Status != from {
		return nil, ErrStatusConflict
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	return b.clone(), nil
}

func (r *InMemoryRepository) List(_ context.Context, limit, offset int) ([]*Business, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*Business, 0, len(r.businesses))
	for _, b := range r.businesses {
		all = append(all, b.clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	return pagination.Window(all, limit, offset), len(all), nil
}
