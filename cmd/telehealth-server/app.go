package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/config"
	"github.com/medmart/telehealth/internal/domain/consult"
	"github.com/medmart/telehealth/internal/domain/tenant"
	"github.com/medmart/telehealth/internal/platform/blobstore"
	"github.com/medmart/telehealth/internal/platform/db"
	"github.com/medmart/telehealth/internal/platform/hipaa"
	"github.com/medmart/telehealth/internal/platform/outbox"
	"github.com/medmart/telehealth/internal/platform/webhook"
)

const cliActor = "cli"

// app holds the long-lived components shared by the server and the
// one-shot commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client

	sharedCache *tenant.RedisCache

	auditor    *hipaa.Auditor
	resolver   *tenant.Resolver
	guard      *tenant.Guard
	tenants    *tenant.Service
	outbox     *outbox.Outbox
	webhooks   *webhook.Manager
	signer     *blobstore.URLSigner
	blobs      blobstore.Store
	consults   *consult.Service
	intake     *consult.Intake
	reconciler *consult.Reconciler
	dispatcher *outbox.Dispatcher

	closers []io.Closer
	now     func() time.Time
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, pool: pool, now: time.Now}

	a.auditor = hipaa.NewAuditor(hipaa.MultiAuditSink{
		hipaa.NewPGAuditSink(pool),
		hipaa.NewLogAuditSink(logger),
	}, logger)

	codec, err := hipaa.NewCodec(hipaa.CodecConfig{
		Enabled:      cfg.HIPAAEncryptionEnabled,
		Key:          cfg.HIPAAEncryptionKey,
		KeyVersion:   cfg.HIPAAKeyVersion,
		PreviousKeys: cfg.HIPAAPreviousKeys,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init PHI codec: %w", err)
	}

	var cache tenant.Cache = tenant.NewLocalCache(cfg.TenantCacheTTL)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		a.closers = append(a.closers, a.redis)
		a.sharedCache = tenant.NewRedisCache(a.redis, cfg.TenantCacheTTL, logger)
		cache = tenant.NewTieredCache(cache, a.sharedCache)
	}

	tenantRepo := tenant.NewRepo(pool)
	a.resolver = tenant.NewResolver(tenantRepo, cache, logger)
	a.guard = tenant.NewGuard(logger, a.auditor)
	a.tenants = tenant.NewService(tenantRepo, a.resolver, a.auditor, logger)

	a.outbox = outbox.New(outbox.NewPGStore(pool), logger)
	a.webhooks = webhook.NewManager(webhook.NewPGStore(pool), logger)

	blobKey, generated, err := resolveSigningKey(cfg.BlobSigningKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	if generated {
		logger.Warn().Msg("BLOB_SIGNING_KEY not set; generated an ephemeral key, download links will not survive a restart")
	}
	a.signer = blobstore.NewURLSigner(blobKey, cfg.PublicBaseURL)
	a.blobs = newBlobStore(cfg, a.signer, logger)

	deps := consult.Deps{
		Repo:    consult.NewRepo(pool),
		Tx:      db.NewTxRunner(pool),
		Outbox:  a.outbox,
		Guard:   a.guard,
		Auditor: a.auditor,
		Codec:   codec,
		Blobs:   a.blobs,
		Logger:  logger,
	}
	a.consults = consult.NewService(deps, consultConfig(cfg))
	a.intake = consult.NewIntake(deps)
	a.reconciler = consult.NewReconciler(deps.Repo, a.outbox, logger)

	sender, closer := newSender(cfg, a.webhooks, logger)
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.dispatcher = outbox.NewDispatcher(outbox.NewPGStore(pool), sender, dispatcherConfig(cfg), logger,
		outbox.WithAuditor(a.auditor))

	return a, nil
}

// Close releases external connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.pool.Close()
}

// runWorkers runs the dispatcher, the outbox reconciler and the approval
// expiry sweeper until ctx is cancelled.
func (a *app) runWorkers(ctx context.Context) {
	go func() {
		if err := a.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error().Err(err).Msg("outbox dispatcher stopped")
		}
	}()
	go func() {
		if err := a.reconciler.Run(ctx, a.cfg.ReconcileInterval, a.cfg.ReconcileWindow); err != nil && ctx.Err() == nil {
			a.logger.Error().Err(err).Msg("outbox reconciler stopped")
		}
	}()
	go runEvery(ctx, a.cfg.ExpirySweepInterval, func(ctx context.Context) {
		n, err := a.consults.ExpireApprovals(ctx, a.now())
		if err != nil {
			a.logger.Error().Err(err).Msg("approval expiry sweep failed")
			return
		}
		if n > 0 {
			a.logger.Info().Int("expired", n).Msg("expired approvals")
		}
	})
	a.logger.Info().
		Dur("poll_interval", a.cfg.OutboxPollInterval).
		Dur("reconcile_interval", a.cfg.ReconcileInterval).
		Dur("expiry_interval", a.cfg.ExpirySweepInterval).
		Msg("background workers started")
}

// runEvery calls fn on every tick until ctx is done. A non-positive interval
// disables the loop.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func consultConfig(cfg *config.Config) consult.Config {
	return consult.Config{
		ApprovalValidity:              cfg.ApprovalValidity,
		RequireClinicianForScheduling: cfg.RequireClinicianForScheduling,
	}
}

func dispatcherConfig(cfg *config.Config) outbox.DispatcherConfig {
	dc := outbox.DefaultDispatcherConfig()
	if cfg.OutboxPollInterval > 0 {
		dc.PollInterval = cfg.OutboxPollInterval
	}
	if cfg.OutboxBatchSize > 0 {
		dc.BatchSize = cfg.OutboxBatchSize
	}
	if cfg.OutboxMaxAttempts > 0 {
		dc.MaxAttempts = cfg.OutboxMaxAttempts
	}
	if cfg.OutboxBaseBackoff > 0 {
		dc.BaseBackoff = cfg.OutboxBaseBackoff
	}
	if cfg.OutboxMaxBackoff > 0 {
		dc.MaxBackoff = cfg.OutboxMaxBackoff
	}
	if cfg.OutboxAttemptTimeout > 0 {
		dc.AttemptTimeout = cfg.OutboxAttemptTimeout
	}
	if cfg.OutboxLease > 0 {
		dc.Lease = cfg.OutboxLease
	}
	return dc
}

// newSender fans events out to business webhooks and, when brokers are
// configured, to Kafka. The returned closer is nil unless a Kafka writer was
// opened.
func newSender(cfg *config.Config, webhooks outbox.Sender, logger zerolog.Logger) (outbox.Sender, io.Closer) {
	senders := outbox.MultiSender{webhooks}
	if len(cfg.KafkaBrokers) == 0 {
		senders = append(senders, outbox.NewLogSender(logger))
		return senders, nil
	}
	kafka := outbox.NewKafkaSender(outbox.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	}, logger)
	return append(senders, kafka), kafka
}

// resolveSigningKey returns value as the key or generates a random 32-byte
// key when it is empty. The second return value is true when a key was
// generated. Validate rejects an empty key outside development.
func resolveSigningKey(value string) ([]byte, bool, error) {
	if value != "" {
		return []byte(value), false, nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate signing key: %w", err)
	}
	return key, true, nil
}

// newBlobStore returns the document store. Only the in-memory store exists
// today, so anything past development gets a warning at startup.
func newBlobStore(cfg *config.Config, signer *blobstore.URLSigner, logger zerolog.Logger) *blobstore.InMemoryStore {
	if !cfg.IsDev() {
		logger.Warn().Str("env", cfg.Env).
			Msg("document storage is in-memory; uploaded documents are lost on restart")
	}
	return blobstore.NewInMemoryStore(signer)
}

