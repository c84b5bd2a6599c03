// Package history persists position lifecycle events to TimescaleDB.
// Writes are fire-and-forget through a bounded queue: the engine never
// blocks on the database, and a full queue drops rows with a single
// warning rather than backpressuring a settlement flow.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"flashlev/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// PositionEvent is one row of the position_events hypertable. Amounts are
// decimal strings so arbitrary-precision values survive the round trip.
type PositionEvent struct {
	Time            time.Time
	Kind            string
	PositionID      uint64
	Owner           string
	CollateralToken string
	DebtToken       string
	Collateral      string
	Debt            string
	Seized          string
	Repaid          string
	BadDebt         string
	HealthFactor    string
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	events  chan PositionEvent
	started atomic.Bool
	dropped atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		events: make(chan PositionEvent, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) Enqueue(event PositionEvent) {
	if w == nil {
		return
	}
	select {
	case w.events <- event:
		return
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("history event queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-w.events:
			w.writeEvent(ctx, event)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		position_id BIGINT NOT NULL,
		owner TEXT NOT NULL,
		collateral_token TEXT NOT NULL,
		debt_token TEXT NOT NULL,
		collateral NUMERIC NOT NULL,
		debt NUMERIC NOT NULL,
		seized NUMERIC,
		repaid NUMERIC,
		bad_debt NUMERIC,
		health_factor NUMERIC
	)`, w.table("position_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("position_events"))); err != nil && w.log != nil {
		w.log.Warn("position_events hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeEvent(ctx context.Context, event PositionEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, kind, position_id, owner, collateral_token, debt_token,
		collateral, debt, seized, repaid, bad_debt, health_factor
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)`, w.table("position_events"))
	if _, err := w.db.ExecContext(ctx, query,
		event.Time,
		event.Kind,
		int64(event.PositionID),
		event.Owner,
		event.CollateralToken,
		event.DebtToken,
		event.Collateral,
		event.Debt,
		nullable(event.Seized),
		nullable(event.Repaid),
		nullable(event.BadDebt),
		nullable(event.HealthFactor),
	); err != nil && w.log != nil {
		w.log.Warn("history event insert failed", zap.Error(err))
	}
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
