package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medmart/telehealth/internal/platform/db"
)

// PGStore persists endpoints in webhook_endpoint and attempts in webhook_delivery.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

const endpointColumns = `id, business_id, url, secret, events, status, metadata, created_at`

func scanEndpoint(row interface{ Scan(...any) error }) (*Endpoint, error) {
	var (
		ep       Endpoint
		metadata []byte
	)
	if err := row.Scan(&ep.ID, &ep.BusinessID, &ep.URL, &ep.Secret, &ep.Events,
		&ep.Status, &metadata, &ep.CreatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ep.Metadata); err != nil {
			return nil, fmt.Errorf("decode endpoint metadata: %w", err)
		}
	}
	return &ep, nil
}

func (s *PGStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	metadata, err := json.Marshal(ep.Metadata)
	if err != nil {
		return fmt.Errorf("encode endpoint metadata: %w", err)
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_endpoint (`+endpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ep.ID, ep.BusinessID, ep.URL, ep.Secret, ep.Events, ep.Status, metadata, ep.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook endpoint: %w", err)
	}
	return nil
}

func (s *PGStore) GetEndpoint(ctx context.Context, businessID, id uuid.UUID) (*Endpoint, error) {
	ep, err := scanEndpoint(s.conn(ctx).QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoint WHERE id = $1 AND business_id = $2`, id, businessID))
	if db.IsNoRows(err) {
		return nil, ErrEndpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook endpoint: %w", err)
	}
	return ep, nil
}

func (s *PGStore) ListEndpoints(ctx context.Context, businessID uuid.UUID) ([]*Endpoint, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoint WHERE business_id = $1 ORDER BY created_at`, businessID)
	if err != nil {
		return nil, fmt.Errorf("list webhook endpoints: %w", err)
	}
	defer rows.Close()

	out := []*Endpoint{}
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook endpoint: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateEndpointStatus(ctx context.Context, businessID, id uuid.UUID, status string) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE webhook_endpoint SET status = $3 WHERE id = $1 AND business_id = $2`, id, businessID, status)
	if err != nil {
		return fmt.Errorf("update webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

// DeleteEndpoint removes the endpoint and its delivery log.
func (s *PGStore) DeleteEndpoint(ctx context.Context, businessID, id uuid.UUID) error {
	q := s.conn(ctx)
	if _, err := q.Exec(ctx, `
		DELETE FROM webhook_delivery d USING webhook_endpoint e
		WHERE d.webhook_id = e.id AND e.id = $1 AND e.business_id = $2`, id, businessID); err != nil {
		return fmt.Errorf("delete webhook deliveries: %w", err)
	}
	tag, err := q.Exec(ctx, `DELETE FROM webhook_endpoint WHERE id = $1 AND business_id = $2`, id, businessID)
	if err != nil {
		return fmt.Errorf("delete webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

func (s *PGStore) RecordDelivery(ctx context.Context, a *DeliveryAttempt) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_delivery (id, webhook_id, event_id, event_type, dedupe_key,
			status_code, response_body, duration_ms, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)`,
		a.ID, a.WebhookID, a.EventID, a.EventType, a.DedupeKey,
		a.StatusCode, a.ResponseBody, a.Duration.Milliseconds(), a.Status, a.Error, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

func (s *PGStore) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]*DeliveryAttempt, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_delivery WHERE webhook_id = $1`, webhookID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook deliveries: %w", err)
	}

	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, webhook_id, event_id, event_type, dedupe_key, status_code, response_body,
			duration_ms, status, COALESCE(error, ''), created_at
		FROM webhook_delivery WHERE webhook_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, webhookID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	out := []*DeliveryAttempt{}
	for rows.Next() {
		var (
			a          DeliveryAttempt
			durationMS int64
		)
		if err := rows.Scan(&a.ID, &a.WebhookID, &a.EventID, &a.EventType, &a.DedupeKey,
			&a.StatusCode, &a.ResponseBody, &durationMS, &a.Status, &a.Error, &a.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan webhook delivery: %w", err)
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, &a)
	}
	return out, total, rows.Err()
}
