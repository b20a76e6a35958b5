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

// Pinger checks that the database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStatsFunc returns a snapshot function over the pool's statistics.
func PoolStatsFunc(pool *pgxpool.Pool) func() *PoolStats {
	return func() *PoolStats {
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
}

// HealthHandler returns a handler for the database health check endpoint.
// stats may be nil.
func HealthHandler(p Pinger, stats func() *PoolStats, directory string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := map[string]interface{}{
			"status":    "healthy",
			"directory": directory,
		}
		var snapshot *PoolStats
		if stats != nil {
			snapshot = stats()
			body["pool"] = snapshot
		}

		if err := p.Ping(ctx); err != nil {
			if snapshot != nil {
				snapshot.Healthy = false
			}
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
