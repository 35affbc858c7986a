package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// Postgres is the durable Store backend. State lives in a single JSONB
// key/value table, status records in an append-only log.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS canopy_state (
			key   TEXT PRIMARY KEY,
			value JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS canopy_status (
			id            BIGSERIAL PRIMARY KEY,
			simulation_id TEXT NOT NULL,
			stage_id      TEXT,
			state         TEXT NOT NULL,
			reason        TEXT,
			at            TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_canopy_status_simulation ON canopy_status(simulation_id);
	`)
	return err
}

func (p *Postgres) SaveState(ctx context.Context, key string, value any) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO canopy_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, buf)
	return err
}

func (p *Postgres) LoadState(ctx context.Context, key string, into any) (bool, error) {
	var buf []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM canopy_state WHERE key = $1`, key).Scan(&buf)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(buf, into)
}

func (p *Postgres) LoadAll(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM canopy_state WHERE key LIKE $1 || '%'`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var buf []byte
		if err := rows.Scan(&key, &buf); err != nil {
			return nil, err
		}
		out[key] = buf
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteState(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM canopy_state WHERE key = $1`, key)
	return err
}

func (p *Postgres) AppendStatus(ctx context.Context, record StatusRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO canopy_status (simulation_id, stage_id, state, reason, at)
		VALUES ($1, $2, $3, $4, $5)
	`, record.SimulationID, record.StageID, record.State, record.Reason, record.At)
	return err
}

func (p *Postgres) StatusRecords(ctx context.Context, simulationID string) ([]StatusRecord, error) {
	query := `SELECT simulation_id, COALESCE(stage_id, ''), state, COALESCE(reason, ''), at FROM canopy_status`
	args := []any{}
	if simulationID != "" {
		query += ` WHERE simulation_id = $1`
		args = append(args, simulationID)
	}
	query += ` ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusRecord
	for rows.Next() {
		var record StatusRecord
		if err := rows.Scan(&record.SimulationID, &record.StageID, &record.State, &record.Reason, &record.At); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
