package hipaa

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type failingSink struct{}

func (failingSink) RecordEvent(context.Context, *AuditRecord) error {
	return errors.New("sink down")
}

func TestAuditor_FillsDefaults(t *testing.T) {
	sink := NewInMemoryAuditSink()
	a := NewAuditor(sink, zerolog.Nop())

	a.Record(context.Background(), AuditRecord{
		Actor:      "clinician-1",
		Action:     "consultation.status_changed",
		EntityType: "consultation",
		EntityID:   "c-1",
	})

	recs := sink.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].ID == uuid.Nil {
		t.Error("expected ID to be assigned")
	}
	if recs[0].CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if recs[0].RiskLevel != RiskLow {
		t.Errorf("expected default risk %q, got %q", RiskLow, recs[0].RiskLevel)
	}
}

func TestAuditor_SinkFailureIsLoggedNotReturned(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditor(failingSink{}, zerolog.New(&buf))

	a.Record(context.Background(), AuditRecord{Action: "outbox.dead_lettered", EntityType: "outbox_event", EntityID: "e-1"})

	if !strings.Contains(buf.String(), "audit record dropped") {
		t.Errorf("expected failure to be logged, got %q", buf.String())
	}
}

func TestAuditor_NilSink(t *testing.T) {
	var a *Auditor
	a.Record(context.Background(), AuditRecord{Action: "noop"})

	NewAuditor(nil, zerolog.Nop()).Record(context.Background(), AuditRecord{Action: "noop"})
}

func TestLogAuditSink_HighRiskIsWarn(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogAuditSink(zerolog.New(&buf))
	bid := uuid.New()

	err := sink.RecordEvent(context.Background(), &AuditRecord{
		ID:         uuid.New(),
		Action:     "outbox.dead_lettered",
		EntityType: "outbox_event",
		EntityID:   "e-1",
		BusinessID: &bid,
		RiskLevel:  RiskHigh,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("expected warn level, got %s", out)
	}
	if !strings.Contains(out, bid.String()) {
		t.Errorf("expected business id in log, got %s", out)
	}
	if !strings.Contains(out, `"type":"audit"`) {
		t.Errorf("expected type=audit, got %s", out)
	}
}

func TestMultiAuditSink_ReturnsFirstErrorAndContinues(t *testing.T) {
	mem := NewInMemoryAuditSink()
	multi := MultiAuditSink{failingSink{}, mem}

	err := multi.RecordEvent(context.Background(), &AuditRecord{Action: "x"})
	if err == nil {
		t.Fatal("expected error from failing sink")
	}
	if len(mem.Records()) != 1 {
		t.Error("expected the second sink to still receive the record")
	}
}
