package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"spotrunner/internal/types"
)

// PostgresConfig holds the connection settings for PostgresStore
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string
	// StateID keys the snapshot row so several runners can share a database
	StateID string
}

// ConnString builds a key/value connection string
func (c PostgresConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

const schema = `
CREATE TABLE IF NOT EXISTS runner_state (
	id        TEXT PRIMARY KEY,
	snapshot  JSONB NOT NULL,
	saved_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_events (
	id            BIGSERIAL PRIMARY KEY,
	state_id      TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	day           TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	event         TEXT NOT NULL,
	entry_price   DOUBLE PRECISION NOT NULL DEFAULT 0,
	exit_price    DOUBLE PRECISION NOT NULL DEFAULT 0,
	size          DOUBLE PRECISION NOT NULL DEFAULT 0,
	sold_size     DOUBLE PRECISION NOT NULL DEFAULT 0,
	gross         DOUBLE PRECISION NOT NULL DEFAULT 0,
	fee           DOUBLE PRECISION NOT NULL DEFAULT 0,
	net           DOUBLE PRECISION NOT NULL DEFAULT 0,
	pnl_pct       DOUBLE PRECISION NOT NULL DEFAULT 0,
	cum_net_after DOUBLE PRECISION NOT NULL DEFAULT 0,
	regime        TEXT NOT NULL DEFAULT '',
	long_hold     BOOLEAN NOT NULL DEFAULT false,
	filters       JSONB
);

CREATE INDEX IF NOT EXISTS trade_events_day_idx ON trade_events (state_id, day);
`

// PostgresStore persists engine snapshots and trade events to PostgreSQL
type PostgresStore struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	stateID string
}

// NewPostgresStore connects to PostgreSQL and verifies the connection
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	logger.Info("[POSTGRES] Connecting to database", "host", cfg.Host, "database", cfg.Database)

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("[POSTGRES] Connected to database")

	stateID := cfg.StateID
	if stateID == "" {
		stateID = "default"
	}
	return &PostgresStore{
		pool:    pool,
		logger:  logger,
		stateID: stateID,
	}, nil
}

// EnsureSchema creates the state and journal tables when missing
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("[POSTGRES] Connection closed")
	}
}

// Load returns the stored snapshot, or nil when none has been saved
func (p *PostgresStore) Load(ctx context.Context) (*types.Snapshot, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT snapshot FROM runner_state WHERE id = $1`, p.stateID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			p.logger.Info("[POSTGRES] No stored state, starting fresh", "state_id", p.stateID)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	snap, err := decodeSnapshot(raw)
	if err != nil {
		return nil, err
	}
	p.logger.Info("[POSTGRES] State loaded",
		"state_id", p.stateID,
		"positions", len(snap.Positions),
		"saved_at", snap.SavedAt,
	)
	return snap, nil
}

// Save upserts the snapshot row
func (p *PostgresStore) Save(ctx context.Context, snap *types.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO runner_state (id, snapshot, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, saved_at = EXCLUDED.saved_at
	`
	if _, err := p.pool.Exec(ctx, query, p.stateID, data, snap.SavedAt); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	p.logger.Debug("[POSTGRES] State saved", "state_id", p.stateID, "positions", len(snap.Positions))
	return nil
}

// Record inserts a trade event into trade_events
func (p *PostgresStore) Record(ctx context.Context, ev types.TradeEvent) error {
	var filters []byte
	if len(ev.Filters) > 0 {
		var err error
		if filters, err = json.Marshal(ev.Filters); err != nil {
			return fmt.Errorf("failed to marshal filters: %w", err)
		}
	}

	query := `
		INSERT INTO trade_events (
			state_id, ts, day, symbol, event, entry_price, exit_price, size, sold_size,
			gross, fee, net, pnl_pct, cum_net_after, regime, long_hold, filters
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
	`
	_, err := p.pool.Exec(ctx, query,
		p.stateID,
		ev.TS,
		ev.Day,
		ev.Symbol,
		string(ev.Event),
		ev.EntryPrice,
		ev.ExitPrice,
		ev.Size,
		ev.SoldSize,
		ev.Gross,
		ev.Fee,
		ev.Net,
		ev.PnLPct,
		ev.CumNetAfter,
		ev.Regime,
		ev.LongHold,
		filters,
	)
	if err != nil {
		return fmt.Errorf("failed to record trade event: %w", err)
	}
	return nil
}

// Events returns the stored trade events for one day in insertion order
func (p *PostgresStore) Events(ctx context.Context, day string) ([]types.TradeEvent, error) {
	query := `
		SELECT ts, day, symbol, event, entry_price, exit_price, size, sold_size,
		       gross, fee, net, pnl_pct, cum_net_after, regime, long_hold, filters
		FROM trade_events
		WHERE state_id = $1 AND day = $2
		ORDER BY id
	`
	rows, err := p.pool.Query(ctx, query, p.stateID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade events: %w", err)
	}
	defer rows.Close()

	var events []types.TradeEvent
	for rows.Next() {
		var ev types.TradeEvent
		var event string
		var filters []byte
		if err := rows.Scan(
			&ev.TS, &ev.Day, &ev.Symbol, &event, &ev.EntryPrice, &ev.ExitPrice, &ev.Size, &ev.SoldSize,
			&ev.Gross, &ev.Fee, &ev.Net, &ev.PnLPct, &ev.CumNetAfter, &ev.Regime, &ev.LongHold, &filters,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade event: %w", err)
		}
		ev.Event = types.TradeEventType(event)
		if len(filters) > 0 {
			if err := json.Unmarshal(filters, &ev.Filters); err != nil {
				p.logger.Warn("[POSTGRES] Bad filters column", "symbol", ev.Symbol, "error", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade events: %w", err)
	}
	return events, nil
}
