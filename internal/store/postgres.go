package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"McpHost/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS mcp_server_state (
	name       TEXT PRIMARY KEY,
	enabled    BOOLEAN NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mcp_server_catalog (
	name        TEXT PRIMARY KEY,
	position    INTEGER NOT NULL DEFAULT 0,
	description TEXT NOT NULL DEFAULT '',
	transport   TEXT NOT NULL DEFAULT 'stdio',
	command     TEXT NOT NULL DEFAULT '',
	args        TEXT[] NOT NULL DEFAULT '{}',
	env         JSONB,
	workdir     TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL DEFAULT '',
	headers     JSONB,
	enabled     BOOLEAN NOT NULL DEFAULT true
);
`

// PostgresStore keeps the snapshot in PostgreSQL. It can also serve the
// descriptor catalog.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, pings and makes sure the tables exist.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Load reads every persisted flag. UpdatedAt is the newest row timestamp.
func (s *PostgresStore) Load(ctx context.Context) (models.PersistedServerState, error) {
	state := models.PersistedServerState{Servers: map[string]bool{}}

	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled, updated_at FROM mcp_server_state`)
	if err != nil {
		return state, fmt.Errorf("failed to query server state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name      string
			enabled   bool
			updatedAt time.Time
		)
		if err := rows.Scan(&name, &enabled, &updatedAt); err != nil {
			return state, fmt.Errorf("failed to scan server state: %w", err)
		}
		state.Servers[name] = enabled
		if updatedAt.After(state.UpdatedAt) {
			state.UpdatedAt = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return state, fmt.Errorf("failed to read server state: %w", err)
	}
	return state, nil
}

// Save replaces the whole snapshot in one transaction.
func (s *PostgresStore) Save(ctx context.Context, state models.PersistedServerState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mcp_server_state`); err != nil {
		return fmt.Errorf("failed to clear server state: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("mcp_server_state", "name", "enabled", "updated_at"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	for name, enabled := range state.Servers {
		if _, err := stmt.ExecContext(ctx, name, enabled, state.UpdatedAt); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy state for %s: %w", name, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit server state: %w", err)
	}
	return nil
}

// LoadDescriptors returns the catalog rows in position order.
func (s *PostgresStore) LoadDescriptors(ctx context.Context) ([]models.ServerDescriptor, error) {
	query := `
		SELECT name, description, transport, command, args, env, workdir, url, headers, enabled
		FROM mcp_server_catalog
		ORDER BY position, name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query server catalog: %w", err)
	}
	defer rows.Close()

	var descriptors []models.ServerDescriptor
	for rows.Next() {
		var (
			desc    models.ServerDescriptor
			args    []string
			env     models.JSONB
			headers models.JSONB
		)
		err := rows.Scan(
			&desc.Name,
			&desc.Description,
			&desc.Transport,
			&desc.Command,
			pq.Array(&args),
			&env,
			&desc.Workdir,
			&desc.URL,
			&headers,
			&desc.Enabled,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server descriptor: %w", err)
		}
		desc.Args = args
		desc.Env = env.StringMap()
		desc.Headers = headers.StringMap()
		descriptors = append(descriptors, desc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read server catalog: %w", err)
	}
	return descriptors, nil
}

// UpsertDescriptor writes one catalog row; position orders the registry.
func (s *PostgresStore) UpsertDescriptor(ctx context.Context, position int, desc models.ServerDescriptor) error {
	query := `
		INSERT INTO mcp_server_catalog
			(name, position, description, transport, command, args, env, workdir, url, headers, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE SET
			position = EXCLUDED.position,
			description = EXCLUDED.description,
			transport = EXCLUDED.transport,
			command = EXCLUDED.command,
			args = EXCLUDED.args,
			env = EXCLUDED.env,
			workdir = EXCLUDED.workdir,
			url = EXCLUDED.url,
			headers = EXCLUDED.headers,
			enabled = EXCLUDED.enabled
	`
	_, err := s.db.ExecContext(ctx, query,
		desc.Name,
		position,
		desc.Description,
		desc.EffectiveTransport(),
		desc.Command,
		pq.Array(append([]string{}, desc.Args...)),
		toJSONB(desc.Env),
		desc.Workdir,
		desc.URL,
		toJSONB(desc.Headers),
		desc.Enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert descriptor %s: %w", desc.Name, err)
	}
	return nil
}

func toJSONB(values map[string]string) models.JSONB {
	if len(values) == 0 {
		return nil
	}
	out := make(models.JSONB, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}
