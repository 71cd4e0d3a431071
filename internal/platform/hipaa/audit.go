package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/platform/db"
)

// Risk levels attached to audit records.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// AuditRecord is one entry in the compliance audit trail. Changes and Metadata
// must not carry PHI; callers pass them through RedactPHI first.
type AuditRecord struct {
	ID         uuid.UUID      `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	BusinessID *uuid.UUID     `json:"business_id,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RiskLevel  string         `json:"risk_level"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditSink persists audit records.
type AuditSink interface {
	RecordEvent(ctx context.Context, rec *AuditRecord) error
}

// Auditor records audit entries after the business operation has committed.
// A sink failure is logged and never returned to the caller.
type Auditor struct {
	sink   AuditSink
	logger zerolog.Logger
}

// NewAuditor wraps sink. A nil sink makes every Record a no-op.
func NewAuditor(sink AuditSink, logger zerolog.Logger) *Auditor {
	return &Auditor{sink: sink, logger: logger}
}

// Record fills defaults and writes rec.
func (a *Auditor) Record(ctx context.Context, rec AuditRecord) {
	if a == nil || a.sink == nil {
		return
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.RiskLevel == "" {
		rec.RiskLevel = RiskLow
	}
	if err := a.sink.RecordEvent(ctx, &rec); err != nil {
		a.logger.Error().Err(err).
			Str("action", rec.Action).
			Str("entity_type", rec.EntityType).
			Str("entity_id", rec.EntityID).
			Msg("audit record dropped")
	}
}

// PGAuditSink writes audit records to the audit_log table.
type PGAuditSink struct {
	pool *pgxpool.Pool
}

func NewPGAuditSink(pool *pgxpool.Pool) *PGAuditSink {
	return &PGAuditSink{pool: pool}
}

func (s *PGAuditSink) RecordEvent(ctx context.Context, rec *AuditRecord) error {
	changes, err := marshalNullable(rec.Changes)
	if err != nil {
		return fmt.Errorf("audit: marshal changes: %w", err)
	}
	metadata, err := marshalNullable(rec.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}

	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO audit_log (id, actor, action, entity_type, entity_id, business_id,
			changes, metadata, risk_level, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.Actor, rec.Action, rec.EntityType, rec.EntityID, rec.BusinessID,
		changes, metadata, rec.RiskLevel, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// LogAuditSink writes audit records as structured log lines.
type LogAuditSink struct {
	logger zerolog.Logger
}

func NewLogAuditSink(logger zerolog.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger.With().Str("type", "audit").Logger()}
}

func (s *LogAuditSink) RecordEvent(_ context.Context, rec *AuditRecord) error {
	evt := s.logger.Info()
	if rec.RiskLevel == RiskHigh {
		evt = s.logger.Warn()
	}
	evt = evt.Str("audit_id", rec.ID.String()).
		Str("actor", rec.Actor).
		Str("action", rec.Action).
		Str("entity_type", rec.EntityType).
		Str("entity_id", rec.EntityID).
		Str("risk_level", rec.RiskLevel)
	if rec.BusinessID != nil {
		evt = evt.Str("business_id", rec.BusinessID.String())
	}
	if len(rec.Changes) > 0 {
		evt = evt.Interface("changes", rec.Changes)
	}
	if len(rec.Metadata) > 0 {
		evt = evt.Interface("metadata", rec.Metadata)
	}
	evt.Msg("audit")
	return nil
}

// InMemoryAuditSink keeps records in memory. Used by the dev server and tests.
type InMemoryAuditSink struct {
	mu      sync.Mutex
	records []AuditRecord
}

func NewInMemoryAuditSink() *InMemoryAuditSink {
	return &InMemoryAuditSink{}
}

func (s *InMemoryAuditSink) RecordEvent(_ context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

// Records returns a copy of everything recorded so far.
func (s *InMemoryAuditSink) Records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

// MultiAuditSink fans a record out to several sinks and returns the first error.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) RecordEvent(ctx context.Context, rec *AuditRecord) error {
	var first error
	for _, s := range m {
		if err := s.RecordEvent(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
