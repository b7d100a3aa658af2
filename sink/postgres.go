package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360studio/wpmigrate/entity"
	"github.com/c360studio/wpmigrate/migration"
)

// dbtx is the subset of *pgxpool.Pool, *pgx.Conn and pgx.Tx the sink uses.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the sink tables. It is safe to run repeatedly.
const Schema = `CREATE TABLE IF NOT EXISTS migrated_entities (
    id BIGSERIAL PRIMARY KEY,
    entity_type TEXT NOT NULL,
    upstream TEXT NOT NULL UNIQUE,
    data JSONB NOT NULL,
    imported_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS migrated_attachments (
    parent_id BIGINT NOT NULL REFERENCES migrated_entities(id),
    file_path TEXT NOT NULL,
    imported_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    PRIMARY KEY (parent_id, file_path)
);

CREATE TABLE IF NOT EXISTS failed_downloads (
    url TEXT PRIMARY KEY,
    entity_cursor TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    output_path TEXT NOT NULL,
    error TEXT NOT NULL,
    attempts INT NOT NULL DEFAULT 1,
    last_attempt_at TIMESTAMP WITH TIME ZONE NOT NULL
);`

// PostgresSink writes entities to PostgreSQL. Entities are keyed by their
// upstream cursor, so importing the same entity again after a resume updates
// the row and returns the same id.
type PostgresSink struct {
	db dbtx
}

// NewPostgresSink creates a sink over db.
func NewPostgresSink(db dbtx) *PostgresSink {
	return &PostgresSink{db: db}
}

// ConnectPostgres opens a pool and verifies the connection.
func ConnectPostgres(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the sink tables if they do not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ImportEntity upserts e and returns its row id.
func (s *PostgresSink) ImportEntity(ctx context.Context, e *entity.Entity) (int64, error) {
	data, err := e.Data.MarshalJSON()
	if err != nil {
		return 0, fmt.Errorf("encode entity data: %w", err)
	}
	query := `
		INSERT INTO migrated_entities (entity_type, upstream, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (upstream) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			data = EXCLUDED.data,
			imported_at = NOW()
		RETURNING id;
	`
	var id int64
	if err := s.db.QueryRow(ctx, query, string(e.Type), string(e.Upstream), data).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert entity: %w", err)
	}
	return id, nil
}

// ImportAttachment links a downloaded file to its parent entity.
func (s *PostgresSink) ImportAttachment(ctx context.Context, filePath string, parentID int64) error {
	query := `
		INSERT INTO migrated_attachments (parent_id, file_path)
		VALUES ($1, $2)
		ON CONFLICT (parent_id, file_path) DO NOTHING;
	`
	if _, err := s.db.Exec(ctx, query, parentID, filePath); err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// RecordFailure creates or updates the failure row of f.URL. It increments
// attempts on conflict.
func (s *PostgresSink) RecordFailure(ctx context.Context, f migration.DownloadFailure) error {
	query := `
		INSERT INTO failed_downloads (url, entity_cursor, resource_id, output_path, error, attempts, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (url) DO UPDATE SET
			entity_cursor = EXCLUDED.entity_cursor,
			resource_id = EXCLUDED.resource_id,
			output_path = EXCLUDED.output_path,
			error = EXCLUDED.error,
			attempts = failed_downloads.attempts + 1,
			last_attempt_at = EXCLUDED.last_attempt_at;
	`
	_, err := s.db.Exec(ctx, query,
		f.URL,
		string(f.EntityCursor),
		f.ResourceID,
		f.OutputPath,
		f.Error,
		f.At,
	)
	if err != nil {
		return fmt.Errorf("record failed download: %w", err)
	}
	return nil
}
