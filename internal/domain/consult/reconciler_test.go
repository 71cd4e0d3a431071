package consult

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/platform/outbox"
)

func dedupeKeys(t *testing.T, o *outbox.Outbox) map[string]string {
	t.Helper()
	events, _, err := o.ListByStatus(context.Background(), nil, "", 1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]string, len(events))
	for _, e := range events {
		out[e.DedupeKey] = e.Type
	}
	return out
}

func TestReconciler_NothingMissing(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.submit(t, f.acme, "c1", "p1")
	f.transition(t, res.ConsultationID, StatusScheduled, "")

	r := NewReconciler(f.repo, f.outbox, zerolog.Nop())
	got, err := r.Sweep(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Scanned != 2 || got.Created != 0 {
		t.Fatalf("expected 2 scanned and none created, got %+v", got)
	}
}

func TestReconciler_RestoresLostEvents(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.submit(t, f.acme, "c1", "p1")
	if _, err := f.svc.AssignClinician(f.ctx(f.acme), res.ConsultationID, "dr-house", "admin-1"); err != nil {
		t.Fatal(err)
	}
	f.transition(t, res.ConsultationID, StatusScheduled, "")
	f.transition(t, res.ConsultationID, StatusCompleted, "")
	f.transition(t, res.ConsultationID, StatusApproved, "")
	f.submit(t, f.globex, "c9", "p1")

	want := dedupeKeys(t, f.outbox)
	if len(want) != 6 {
		t.Fatalf("expected 6 original events, got %d", len(want))
	}

	// A fresh store stands in for events lost before they were recorded.
	lost := outbox.New(outbox.NewInMemoryStore(), zerolog.Nop())
	r := NewReconciler(f.repo, lost, zerolog.Nop())
	r.batch = 2

	got, err := r.Sweep(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Scanned != 6 || got.Created != 6 {
		t.Fatalf("expected 6 scanned and 6 created, got %+v", got)
	}
	restored := dedupeKeys(t, lost)
	for key, typ := range want {
		if restored[key] != typ {
			t.Errorf("event %s: expected type %s, got %q", key, typ, restored[key])
		}
	}

	again, err := r.Sweep(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if again.Created != 0 {
		t.Errorf("second sweep must not create events, got %d", again.Created)
	}

	events, _, _ := lost.ListByStatus(context.Background(), nil, "", 1000, 0)
	for _, e := range events {
		if e.Metadata["source"] != "reconciler" {
			t.Errorf("restored event %s should be marked as reconciled, got %v", e.DedupeKey, e.Metadata)
		}
	}
}

func TestReconciler_WindowLimitsScan(t *testing.T) {
	f := newFixture(t, Config{})
	f.submit(t, f.acme, "c1", "p1")

	r := NewReconciler(f.repo, f.outbox, zerolog.Nop())
	got, err := r.Sweep(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if got.Scanned != 0 {
		t.Errorf("events before the window must be skipped, got %d scanned", got.Scanned)
	}
}

func TestReconciler_RunStopsWithContext(t *testing.T) {
	f := newFixture(t, Config{})
	r := NewReconciler(f.repo, f.outbox, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx, 5*time.Millisecond, time.Hour); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
