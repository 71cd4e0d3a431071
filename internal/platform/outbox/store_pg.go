package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medmart/telehealth/internal/platform/db"
)

const eventColumns = `id, business_id, type, dedupe_key, status, attempts, next_attempt_at,
	delivered_at, COALESCE(last_error, ''), payload, metadata, created_at, updated_at`

const claimedColumns = `o.id, o.business_id, o.type, o.dedupe_key, o.status, o.attempts, o.next_attempt_at,
	o.delivered_at, COALESCE(o.last_error, ''), o.payload, o.metadata, o.created_at, o.updated_at`

// PGStore is the Postgres Store backed by the outbox_event table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e        Event
		status   string
		metadata []byte
	)
	err := row.Scan(&e.ID, &e.BusinessID, &e.Type, &e.DedupeKey, &status, &e.Attempts,
		&e.NextAttemptAt, &e.DeliveredAt, &e.LastError, &e.Payload, &metadata,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &e, nil
}

// CreateOnce inserts with ON CONFLICT DO NOTHING so that a duplicate key does
// not abort the surrounding transaction, then reads back the winning row.
func (s *PGStore) CreateOnce(ctx context.Context, e *Event) (*Event, bool, error) {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("encode metadata: %w", err)
	}

	tag, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO outbox_event (id, business_id, type, dedupe_key, status, attempts,
			next_attempt_at, payload, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		e.ID, e.BusinessID, e.Type, e.DedupeKey, string(e.Status), e.Attempts,
		e.NextAttemptAt, []byte(e.Payload), metadata, e.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert outbox event: %w", err)
	}

	stored, err := s.GetByDedupeKey(ctx, e.DedupeKey)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := scanEvent(s.conn(ctx).QueryRow(ctx,
		`SELECT `+eventColumns+` FROM outbox_event WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	return e, nil
}

func (s *PGStore) GetByDedupeKey(ctx context.Context, key string) (*Event, error) {
	e, err := scanEvent(s.conn(ctx).QueryRow(ctx,
		`SELECT `+eventColumns+` FROM outbox_event WHERE dedupe_key = $1`, key))
	if db.IsNoRows(err) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox event by dedupe key: %w", err)
	}
	return e, nil
}

func (s *PGStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Event, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox_event
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_event o
		SET attempts = o.attempts + 1, next_attempt_at = $3, updated_at = $1
		FROM due
		WHERE o.id = due.id
		RETURNING `+claimedColumns,
		now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.exec(ctx, `
		UPDATE outbox_event
		SET status = 'delivered', delivered_at = $2, last_error = NULL, updated_at = $2
		WHERE id = $1`, id, at)
}

func (s *PGStore) MarkFailed(ctx context.Context, id uuid.UUID, next time.Time, lastErr string) error {
	return s.exec(ctx, `
		UPDATE outbox_event
		SET next_attempt_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`, id, next, lastErr)
}

func (s *PGStore) MarkDeadLetter(ctx context.Context, id uuid.UUID, lastErr string) error {
	return s.exec(ctx, `
		UPDATE outbox_event
		SET status = 'dead_letter', last_error = $2, updated_at = NOW()
		WHERE id = $1`, id, lastErr)
}

func (s *PGStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update outbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Event, int, error) {
	where := `WHERE ($1 = '' OR status = $1) AND ($2::uuid IS NULL OR business_id = $2)`
	args := []any{string(f.Status), f.BusinessID}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM outbox_event `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count outbox events: %w", err)
	}

	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+eventColumns+` FROM outbox_event `+where+` ORDER BY created_at LIMIT $3 OFFSET $4`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list outbox events: %w", err)
	}
	defer rows.Close()

	out := []*Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (s *PGStore) Requeue(ctx context.Context, id uuid.UUID, now time.Time) (*Event, error) {
	e, err := scanEvent(s.conn(ctx).QueryRow(ctx, `
		UPDATE outbox_event
		SET status = 'pending', attempts = 0, next_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'dead_letter'
		RETURNING `+eventColumns, id, now))
	if err == nil {
		return e, nil
	}
	if !db.IsNoRows(err) {
		return nil, fmt.Errorf("requeue outbox event: %w", err)
	}
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrNotDeadLettered
}
