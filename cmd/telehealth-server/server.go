package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medmart/telehealth/internal/config"
	"github.com/medmart/telehealth/internal/domain/consult"
	"github.com/medmart/telehealth/internal/domain/tenant"
	"github.com/medmart/telehealth/internal/platform/auth"
	"github.com/medmart/telehealth/internal/platform/blobstore"
	"github.com/medmart/telehealth/internal/platform/db"
	"github.com/medmart/telehealth/internal/platform/metrics"
	"github.com/medmart/telehealth/internal/platform/middleware"
	"github.com/medmart/telehealth/internal/platform/outbox"
	"github.com/medmart/telehealth/internal/platform/webhook"
)

const (
	requestTimeout   = 30 * time.Second
	shutdownTimeout  = 10 * time.Second
	defaultBodyLimit = "1M"
	uploadBodyLimit  = "26M"
)

func runServer(workers bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise application")
	}
	defer a.Close()
	logger.Info().Msg("connected to database")

	jwtCfg, err := jwtConfig(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid auth configuration")
	}

	e := newEcho(a, jwtCfg)

	if workers {
		a.runWorkers(ctx)
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runDispatch() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise application")
	}
	defer a.Close()

	a.runWorkers(ctx)
	<-ctx.Done()
	logger.Info().Msg("workers stopped")
	return nil
}

// newEcho builds the HTTP surface. Tenant resolution runs before
// authentication so that rate limits and token binding see the business.
func newEcho(a *app, jwtCfg auth.JWTConfig) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", cfg.TenantHeader, consult.IdempotencyKeyHeader},
	}))
	e.Use(middleware.BodyLimit(defaultBodyLimit, uploadBodyLimit))
	e.Use(middleware.RequestTimeout(requestTimeout, "/blobs/"))

	health := db.HealthHandler(a.pool, healthChecks(a)...)
	e.GET("/health", health)
	e.GET("/health/db", health)
	e.GET("/metrics", metrics.Handler())

	blobstore.NewDownloadHandler(a.blobs, a.signer).RegisterRoutes(e)

	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	strict := jwtCfg
	strict.Optional = false
	adminAuth := auth.JWTMiddleware(strict)
	if cfg.IsDev() {
		adminAuth = auth.DevAuthMiddleware(strict)
	}
	adminGroup := e.Group("/admin", adminAuth)
	tenant.NewHandler(a.tenants).RegisterRoutes(adminGroup)

	api := e.Group("/api/v1",
		tenant.Middleware(a.resolver, cfg.TenantHeader),
		authMW,
		tenant.BindToken(a.guard),
		middleware.RateLimit(middleware.DefaultRateLimitConfig()),
		middleware.RateLimit(middleware.IntakeRateLimitConfig()),
	)

	consult.NewHandler(a.consults, a.intake).RegisterRoutes(api)

	staff := api.Group("", auth.RequireRole(auth.RoleAdmin))
	webhook.NewHandler(a.webhooks, tenant.Scope).RegisterRoutes(staff)
	outbox.NewHandler(a.outbox, tenant.Scope, a.guard).RegisterRoutes(staff)

	return e
}

func healthChecks(a *app) []db.Check {
	var checks []db.Check
	if a.sharedCache != nil {
		checks = append(checks, db.Check{Name: "tenant_cache", Probe: a.sharedCache.Ping})
	}
	return checks
}

// jwtConfig builds the token settings. Anonymous callers are allowed through
// so that intake can be submitted without an account.
func jwtConfig(cfg *config.Config, logger zerolog.Logger) (auth.JWTConfig, error) {
	key, generated, err := resolveSigningKey(cfg.AuthSigningKey)
	if err != nil {
		return auth.JWTConfig{}, err
	}
	if generated {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set; generated an ephemeral key")
		if !cfg.IsDev() {
			return auth.JWTConfig{}, errors.New("AUTH_SIGNING_KEY is required outside development")
		}
	}
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: key,
		Optional:   true,
		Skipper:    auth.AuthSkipper,
	}, nil
}
