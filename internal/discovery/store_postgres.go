package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/praxis/a2a-router/internal/a2a"
)

const agentsSchema = `
CREATE TABLE IF NOT EXISTS a2a_agents (
	id         TEXT PRIMARY KEY,
	category   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	profile    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type PostgresStore struct{ db *pgxpool.Pool }

func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, agentsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create a2a_agents: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]*a2a.AgentProfile, error) {
	rows, err := s.db.Query(ctx, `SELECT profile FROM a2a_agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*a2a.AgentProfile
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p a2a.AgentProfile
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode stored profile: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Upsert(ctx context.Context, p *a2a.AgentProfile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO a2a_agents (id, category, status, profile, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	category = EXCLUDED.category,
	status = EXCLUDED.status,
	profile = EXCLUDED.profile,
	updated_at = EXCLUDED.updated_at`,
		p.ID, p.Category, string(p.Metadata.Status), raw, p.Metadata.Updated)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM a2a_agents WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) Close() {
	s.db.Close()
}
