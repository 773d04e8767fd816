// Package persistence provides the Postgres implementation of
// trade.Sink, grounded on the DSN/connection-pool pattern from the
// crypto-exchange-screener-bot's database service: sqlx.Open, an
// explicit pool configuration, and a PingContext health check. This
// codebase treats its two tables as pre-existing (no migrator is
// wired), so schema management is out of scope here.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"voltrader/internal/trade"
)

// Config mirrors the connection tunables a production Postgres sink
// needs.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	MaxConnLifetime time.Duration
}

// Sink persists trade lifecycle events to Postgres, satisfying
// trade.Sink.
type Sink struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open dials Postgres, applies the pool settings, and verifies
// connectivity with a bounded PingContext before returning.
func Open(cfg Config, logger *zap.Logger) (*Sink, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}

	logger.Info("connected to postgres persistence sink",
		zap.String("host", cfg.Host), zap.Int("port", cfg.Port), zap.String("db", cfg.DBName))

	return &Sink{db: db, logger: logger.With(zap.String("component", "persistence"))}, nil
}

// Close releases the connection pool.
func (s *Sink) Close() error {
	return s.db.Close()
}

// RecordEntry inserts a new trade_records row on buy confirmation. A
// persistence failure is logged but never blocks trading: the in-memory
// tracker remains authoritative.
func (s *Sink) RecordEntry(ctx context.Context, contractID int64, symbol string, entryPrice float64, reason string) error {
	const q = `
		INSERT INTO trade_records (contract_id, symbol, entry_time, entry_price, trigger_reason, status)
		VALUES ($1, $2, now(), $3, $4, 'OPEN')
		ON CONFLICT (contract_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, q, contractID, symbol, entryPrice, reason); err != nil {
		s.logger.Error("record entry failed", zap.Int64("contract_id", contractID), zap.Error(err))
		return err
	}
	return nil
}

// RecordExit finalizes a trade_records row on confirmed sell. The
// update is idempotent by contract_id: replaying the same trade_closed
// event twice leaves the row unchanged after the first write.
func (s *Sink) RecordExit(ctx context.Context, contractID int64, exitPrice, profit, balance float64) error {
	const q = `
		UPDATE trade_records
		SET status = 'CLOSED', exit_time = now(), exit_price = $2, profit = $3, account_balance = $4
		WHERE contract_id = $1 AND status = 'OPEN'
	`
	if _, err := s.db.ExecContext(ctx, q, contractID, exitPrice, profit, balance); err != nil {
		s.logger.Error("record exit failed", zap.Int64("contract_id", contractID), zap.Error(err))
		return err
	}
	return nil
}

// UpsertDailyStat maintains one daily_stats row per UTC date, accumulating
// profit and trade count with $inc-equivalent semantics via ON CONFLICT.
func (s *Sink) UpsertDailyStat(ctx context.Context, dateUTC string, profitDelta float64) error {
	const q = `
		INSERT INTO daily_stats (date_utc, accumulated_profit, trades_taken, is_cap_reached)
		VALUES ($1, $2, 1, false)
		ON CONFLICT (date_utc) DO UPDATE SET
			accumulated_profit = daily_stats.accumulated_profit + EXCLUDED.accumulated_profit,
			trades_taken = daily_stats.trades_taken + 1
	`
	if _, err := s.db.ExecContext(ctx, q, dateUTC, profitDelta); err != nil {
		s.logger.Error("upsert daily stat failed", zap.String("date_utc", dateUTC), zap.Error(err))
		return err
	}
	return nil
}

var _ trade.Sink = (*Sink)(nil)
