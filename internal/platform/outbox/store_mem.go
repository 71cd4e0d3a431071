package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medmart/telehealth/pkg/pagination"
)

// InMemoryStore is a thread-safe in-memory Store. The dedupe-key index is
// checked and written under one lock, matching the unique constraint of the
// Postgres table.
type InMemoryStore struct {
	mu      sync.Mutex
	events  map[uuid.UUID]*Event
	byDedup map[string]uuid.UUID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:  make(map[uuid.UUID]*Event),
		byDedup: make(map[string]uuid.UUID),
	}
}

// Snapshot implements memdb.Table.
func (s *InMemoryStore) Snapshot() func() {
	s.mu.Lock()
	events := make(map[uuid.UUID]*Event, len(s.events))
	for id, e := range s.events {
		events[id] = e.clone()
	}
	byDedup := make(map[string]uuid.UUID, len(s.byDedup))
	for k, v := range s.byDedup {
		byDedup[k] = v
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = events
		s.byDedup = byDedup
	}
}

func (s *InMemoryStore) CreateOnce(_ context.Context, e *Event) (*Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDedup[e.DedupeKey]; ok {
		return s.events[id].clone(), false, nil
	}
	stored := e.clone()
	s.events[stored.ID] = stored
	s.byDedup[stored.DedupeKey] = stored.ID
	return stored.clone(), true, nil
}

func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return e.clone(), nil
}

func (s *InMemoryStore) GetByDedupeKey(_ context.Context, key string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byDedup[key]
	if !ok {
		return nil, ErrEventNotFound
	}
	return s.events[id].clone(), nil
}

func (s *InMemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Event
	for _, e := range s.events {
		if e.Status == StatusPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Event, 0, len(due))
	for _, e := range due {
		e.Attempts++
		e.NextAttemptAt = now.Add(lease)
		e.UpdatedAt = now
		out = append(out, e.clone())
	}
	return out, nil
}

func (s *InMemoryStore) MarkDelivered(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.update(id, func(e *Event) {
		e.Status = StatusDelivered
		e.DeliveredAt = &at
		e.LastError = ""
		e.UpdatedAt = at
	})
}

func (s *InMemoryStore) MarkFailed(_ context.Context, id uuid.UUID, next time.Time, lastErr string) error {
	return s.update(id, func(e *Event) {
		e.NextAttemptAt = next
		e.LastError = lastErr
		e.UpdatedAt = time.Now().UTC()
	})
}

func (s *InMemoryStore) MarkDeadLetter(_ context.Context, id uuid.UUID, lastErr string) error {
	return s.update(id, func(e *Event) {
		e.Status = StatusDeadLetter
		e.LastError = lastErr
		e.UpdatedAt = time.Now().UTC()
	})
}

func (s *InMemoryStore) update(id uuid.UUID, fn func(*Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	fn(e)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, f ListFilter, limit, offset int) ([]*Event, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []*Event
	for _, e := range s.events {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.BusinessID != nil && e.BusinessID != *f.BusinessID {
			continue
		}
		filtered = append(filtered, e)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})

	page := pagination.Window(filtered, limit, offset)
	out := make([]*Event, 0, len(page))
	for _, e := range page {
		out = append(out, e.clone())
	}
	return out, len(filtered), nil
}

func (s *InMemoryStore) Requeue(_ context.Context, id uuid.UUID, now time.Time) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	if e.Status != StatusDeadLetter {
		return nil, ErrNotDeadLettered
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.NextAttemptAt = now
	e.UpdatedAt = now
	return e.clone(), nil
}
