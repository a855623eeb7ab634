package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lingocast/lingocast/internal/protocol"
)

// PostgresStore persists session records in PostgreSQL for deployments
// where several server instances share one registry.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS broadcast_sessions (
			session_id TEXT PRIMARY KEY,
			owner_admin_id TEXT NOT NULL,
			config JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_broadcast_sessions_owner ON broadcast_sessions (owner_admin_id);`,
		// Rows written before ownership moved to stable admin identities.
		fmt.Sprintf(`UPDATE broadcast_sessions SET owner_admin_id = '%s' WHERE owner_admin_id = '';`, LegacyOwner),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal config for %s: %w", rec.SessionID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO broadcast_sessions (session_id, owner_admin_id, config, created_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO UPDATE
		 SET owner_admin_id = EXCLUDED.owner_admin_id,
		     config = EXCLUDED.config,
		     last_activity_at = EXCLUDED.last_activity_at`,
		rec.SessionID, rec.OwnerAdminID, cfg, rec.CreatedAt, rec.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM broadcast_sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, owner_admin_id, config, created_at, last_activity_at FROM broadcast_sessions`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var cfg []byte
		if err := rows.Scan(&rec.SessionID, &rec.OwnerAdminID, &cfg, &rec.CreatedAt, &rec.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var parsed protocol.SessionConfig
		if err := json.Unmarshal(cfg, &parsed); err != nil {
			return nil, fmt.Errorf("decode config for %s: %w", rec.SessionID, err)
		}
		rec.Config = parsed
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
