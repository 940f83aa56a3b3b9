package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
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
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports whether the patient store is reachable.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(pool, func() *PoolStats { return GetPoolStats(pool) })
}

func healthHandler(p Pinger, stats func() *PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		start := time.Now()
		err := p.Ping(ctx)
		body := map[string]interface{}{
			"pool":    stats(),
			"latency": time.Since(start).String(),
		}
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = "database unreachable"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
