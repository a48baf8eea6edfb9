package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/bulwark/internal/incident"
	"github.com/FairForge/bulwark/internal/recovery"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// Config holds database configuration
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Postgres stores incident history, recovery executions and snapshots
type Postgres struct {
	db     *sql.DB
	codec  codec
	logger *zap.Logger
}

// Open connects with the lib/pq driver and applies pool settings
func Open(cfg Config, logger *zap.Logger) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store: postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return New(db, logger), nil
}

// New wraps an existing handle
func New(db *sql.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// CreateTables creates the tables if they do not exist
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id VARCHAR(64) PRIMARY KEY,
			severity VARCHAR(8) NOT NULL,
			state VARCHAR(16) NOT NULL,
			source VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			document JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS incidents_created_at ON incidents (created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS recovery_executions (
			id VARCHAR(64) PRIMARY KEY,
			plan VARCHAR(255) NOT NULL,
			incident_id VARCHAR(64),
			success BOOLEAN NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			document JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id BIGSERIAL PRIMARY KEY,
			kind VARCHAR(32) NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL,
			payload BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS snapshots_kind_taken_at ON snapshots (kind, taken_at DESC)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// SaveIncident inserts or replaces an incident
func (p *Postgres) SaveIncident(ctx context.Context, inc incident.Incident) error {
	doc, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}

	query := `INSERT INTO incidents (id, severity, state, source, created_at, resolved_at, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			state = EXCLUDED.state,
			resolved_at = EXCLUDED.resolved_at,
			document = EXCLUDED.document`
	_, err = p.db.ExecContext(ctx, query,
		inc.ID, inc.Severity.String(), string(inc.State), inc.Source, inc.CreatedAt, inc.ResolvedAt, doc)
	if err != nil {
		return fmt.Errorf("upsert incident %s: %w", inc.ID, err)
	}
	return nil
}

// Incidents returns the most recent incidents, newest first
func (p *Postgres) Incidents(ctx context.Context, limit int) ([]incident.Incident, error) {
	query := `SELECT document FROM incidents ORDER BY created_at DESC LIMIT $1`
	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []incident.Incident
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		var inc incident.Incident
		if err := json.Unmarshal(doc, &inc); err != nil {
			return nil, fmt.Errorf("decode incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// SaveExecution records a finished recovery execution
func (p *Postgres) SaveExecution(ctx context.Context, x recovery.Execution) error {
	doc, err := json.Marshal(x)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	query := `INSERT INTO recovery_executions (id, plan, incident_id, success, started_at, ended_at, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	_, err = p.db.ExecContext(ctx, query, x.ID, x.Plan, x.IncidentID, x.Success, x.StartedAt, x.EndedAt, doc)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", x.ID, err)
	}
	return nil
}

// Executions returns recent executions of a plan, newest first. An empty
// plan returns every plan.
func (p *Postgres) Executions(ctx context.Context, plan string, limit int) ([]recovery.Execution, error) {
	query := `SELECT document FROM recovery_executions
		WHERE ($1 = '' OR plan = $1)
		ORDER BY started_at DESC LIMIT $2`
	rows, err := p.db.QueryContext(ctx, query, plan, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []recovery.Execution
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		var x recovery.Execution
		if err := json.Unmarshal(doc, &x); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// Export stores a zstd-compressed snapshot
func (p *Postgres) Export(ctx context.Context, snap Snapshot) error {
	payload, err := p.codec.compress(snap.Data)
	if err != nil {
		return err
	}

	query := `INSERT INTO snapshots (kind, taken_at, payload) VALUES ($1, $2, $3)`
	if _, err := p.db.ExecContext(ctx, query, snap.Kind, snap.TakenAt, payload); err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.Kind, err)
	}
	p.logger.Debug("snapshot stored",
		zap.String("kind", snap.Kind),
		zap.Int("raw_bytes", len(snap.Data)),
		zap.Int("stored_bytes", len(payload)))
	return nil
}

// Latest returns the newest snapshot of kind
func (p *Postgres) Latest(ctx context.Context, kind string) (Snapshot, error) {
	query := `SELECT taken_at, payload FROM snapshots WHERE kind = $1 ORDER BY taken_at DESC LIMIT 1`

	snap := Snapshot{Kind: kind}
	var payload []byte
	err := p.db.QueryRowContext(ctx, query, kind).Scan(&snap.TakenAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot %s: %w", kind, err)
	}

	snap.Data, err = p.codec.decompress(payload)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// PruneSnapshots deletes snapshots taken before cutoff
func (p *Postgres) PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM snapshots WHERE taken_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
