package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
)

// PoolConfig holds the connection settings for NewPool.
type PoolConfig struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
	// SlowQuery is the duration above which queries are logged at warn level.
	// Zero disables query tracing.
	SlowQuery time.Duration
}

func NewPool(ctx context.Context, pc PoolConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "hms-server"

	if pc.SlowQuery > 0 {
		cfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   slowQueryLogger(logger, pc.SlowQuery),
			LogLevel: tracelog.LogLevelInfo,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// slowQueryLogger adapts zerolog to pgx's tracelog, emitting only errors and
// queries slower than threshold.
func slowQueryLogger(logger zerolog.Logger, threshold time.Duration) tracelog.Logger {
	return tracelog.LoggerFunc(func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
		if level == tracelog.LogLevelError {
			logger.Error().Fields(data).Msg(msg)
			return
		}
		if d, ok := data["time"].(time.Duration); ok && d >= threshold {
			logger.Warn().Fields(data).Msg("slow query: " + msg)
		}
	})
}
