package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists outbox events. Implementations must make CreateOnce atomic
// on the dedupe key and must join the unit of work carried by ctx.
type Store interface {
	// CreateOnce inserts e unless an event with the same dedupe key exists, in
	// which case the existing event is returned and created is false.
	CreateOnce(ctx context.Context, e *Event) (stored *Event, created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*Event, error)
	GetByDedupeKey(ctx context.Context, key string) (*Event, error)
	// ClaimDue leases up to limit pending events due at now: attempts is
	// incremented and next_attempt_at pushed to now+lease so no other
	// dispatcher picks them up while the attempt is in flight.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Event, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, next time.Time, lastErr string) error
	MarkDeadLetter(ctx context.Context, id uuid.UUID, lastErr string) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Event, int, error)
	// Requeue moves a dead-lettered event back to pending with attempts reset.
	Requeue(ctx context.Context, id uuid.UUID, now time.Time) (*Event, error)
}
