package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Check tests one dependency. Details, when set, is reported alongside the
// result.
type Check struct {
	Name    string
	Probe   func(ctx context.Context) error
	Details func() any
}

// PoolCheck pings the Postgres pool and reports its statistics.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{
		Name:    "postgres",
		Probe:   pool.Ping,
		Details: func() any { return GetPoolStats(pool) },
	}
}

type checkResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// ChecksHandler runs every check with a shared timeout and answers 503 when
// any of them fails.
func ChecksHandler(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		healthy := true
		results := make(map[string]checkResult, len(checks))
		for _, chk := range checks {
			res := checkResult{Status: "healthy"}
			if err := chk.Probe(ctx); err != nil {
				healthy = false
				res.Status = "unhealthy"
				res.Error = err.Error()
			}
			if chk.Details != nil {
				res.Details = chk.Details()
			}
			results[chk.Name] = res
		}

		if !healthy {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"checks": results,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"checks": results,
		})
	}
}

// HealthHandler returns a handler for the database health check endpoint.
// Extra checks, such as the tenant cache, are reported alongside the pool.
func HealthHandler(pool *pgxpool.Pool, extra ...Check) echo.HandlerFunc {
	return ChecksHandler(append([]Check{PoolCheck(pool)}, extra...)...)
}
