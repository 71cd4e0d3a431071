package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/platform/apperr"
	"github.com/medmart/telehealth/internal/platform/hipaa"
	"github.com/medmart/telehealth/internal/platform/metrics"
)

// Sender delivers one event to its consumer. A nil error means delivered.
type Sender interface {
	Send(ctx context.Context, e *Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, e *Event) error

func (f SenderFunc) Send(ctx context.Context, e *Event) error { return f(ctx, e) }

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	Lease          time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:   2 * time.Second,
		BatchSize:      50,
		MaxAttempts:    8,
		BaseBackoff:    5 * time.Second,
		MaxBackoff:     30 * time.Minute,
		AttemptTimeout: 10 * time.Second,
		Lease:          time.Minute,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	d := DefaultDispatcherConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.Lease < c.AttemptTimeout {
		c.Lease = c.AttemptTimeout
	}
	return c
}

// Backoff returns the delay before the next attempt after attempts failures:
// min(base * 2^(attempts-1), max).
func (c DispatcherConfig) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.MaxBackoff || d <= 0 {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// DispatchResult summarises one DispatchOnce pass.
type DispatchResult struct {
	Claimed      int
	Delivered    int
	Failed       int
	DeadLettered int
}

// Dispatcher claims due events and hands them to a Sender, retrying with
// exponential backoff and dead-lettering after MaxAttempts.
type Dispatcher struct {
	store   Store
	sender  Sender
	auditor *hipaa.Auditor
	cfg     DispatcherConfig
	logger  zerolog.Logger
	now     func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithAuditor reports dead letters to the audit trail.
func WithAuditor(a *hipaa.Auditor) DispatcherOption {
	return func(d *Dispatcher) { d.auditor = a }
}

func NewDispatcher(store Store, sender Sender, cfg DispatcherConfig, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		sender: sender,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "outbox_dispatcher").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() DispatcherConfig {
	return d.cfg
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Int("max_attempts", d.cfg.MaxAttempts).
		Msg("outbox dispatcher started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("outbox dispatch pass failed")
		}
		// Drain a full batch immediately instead of waiting a tick.
		if err == nil && res.Claimed == d.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			d.logger.Info().Msg("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce claims one batch of due events and attempts each once.
// Delivery failures are recorded on the event and never returned.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult

	events, err := d.store.ClaimDue(ctx, d.now(), d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return res, fmt.Errorf("claim due events: %w", err)
	}
	res.Claimed = len(events)

	for _, e := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch d.attempt(ctx, e) {
		case StatusDelivered:
			res.Delivered++
		case StatusDeadLetter:
			res.DeadLettered++
		default:
			res.Failed++
		}
	}
	return res, nil
}

func (d *Dispatcher) attempt(ctx context.Context, e *Event) Status {
	log := d.logger.With().
		Str("event_id", e.ID.String()).
		Str("event_type", e.Type).
		Str("dedupe_key", e.DedupeKey).
		Int("attempt", e.Attempts).
		Logger()

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	start := time.Now()
	sendErr := d.sender.Send(sendCtx, e)
	if sendErr == nil && sendCtx.Err() != nil {
		sendErr = sendCtx.Err()
	}
	cancel()
	elapsed := time.Since(start)

	if sendErr == nil {
		if err := d.store.MarkDelivered(ctx, e.ID, d.now()); err != nil {
			// Delivered but not recorded: the lease expires and the consumer
			// dedupes the redelivery on dedupe_key.
			log.Error().Err(err).Msg("failed to mark outbox event delivered")
		}
		metrics.RecordOutboxDelivery("delivered", elapsed)
		log.Debug().Dur("duration", elapsed).Msg("outbox event delivered")
		return StatusDelivered
	}

	if errors.Is(sendErr, context.DeadlineExceeded) {
		sendErr = fmt.Errorf("attempt timed out after %s: %w", d.cfg.AttemptTimeout, sendErr)
	}
	failure := apperr.Wrap(apperr.ErrDeliveryFailed, "delivery_failed", "outbox delivery failed", sendErr)
	lastErr := truncate(sendErr.Error(), 1024)

	if e.Attempts >= d.cfg.MaxAttempts {
		if err := d.store.MarkDeadLetter(ctx, e.ID, lastErr); err != nil {
			log.Error().Err(err).Msg("failed to dead-letter outbox event")
			return StatusPending
		}
		metrics.RecordOutboxDelivery("dead_letter", elapsed)
		metrics.RecordDeadLetter(e.Type)
		log.Error().Err(apperr.Wrap(apperr.ErrDeadLettered, "dead_lettered", "outbox event dead-lettered", failure)).
			Str("business_id", e.BusinessID.String()).
			Msg("outbox event moved to dead letter")

		bid := e.BusinessID
		d.auditor.Record(ctx, hipaa.AuditRecord{
			Actor:      "outbox-dispatcher",
			Action:     "outbox.dead_lettered",
			EntityType: "outbox_event",
			EntityID:   e.ID.String(),
			BusinessID: &bid,
			Metadata: map[string]any{
				"type":       e.Type,
				"dedupe_key": e.DedupeKey,
				"attempts":   e.Attempts,
				"last_error": lastErr,
			},
			RiskLevel: hipaa.RiskHigh,
		})
		return StatusDeadLetter
	}

	next := d.now().Add(d.cfg.Backoff(e.Attempts))
	if err := d.store.MarkFailed(ctx, e.ID, next, lastErr); err != nil {
		log.Error().Err(err).Msg("failed to record outbox delivery failure")
	}
	metrics.RecordOutboxDelivery("failed", elapsed)
	log.Warn().Err(failure).Time("next_attempt_at", next).Msg("outbox delivery failed, retry scheduled")
	return StatusPending
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
