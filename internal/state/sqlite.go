package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/runprism/alto/internal/model"

	_ "modernc.org/sqlite"
)

const createResourcesTable = `
CREATE TABLE IF NOT EXISTS resources (
    name              TEXT PRIMARY KEY,
    id                TEXT NOT NULL,
    kind              TEXT NOT NULL,
    state             TEXT NOT NULL,
    address           TEXT,
    region            TEXT,
    instance_type     TEXT,
    key_name          TEXT,
    key_path          TEXT,
    security_group_id TEXT,
    image_tag         TEXT,
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createResourcesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create resources table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveResource inserts or replaces the record for a resource name. Saves are
// upserts so a retried provision can refresh the same record.
func (s *SQLiteStore) SaveResource(ctx context.Context, r *model.ComputeResource) error {
	now := time.Now().UTC()
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (
			name, id, kind, state, address, region, instance_type,
			key_name, key_path, security_group_id, image_tag, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			id = excluded.id,
			kind = excluded.kind,
			state = excluded.state,
			address = excluded.address,
			region = excluded.region,
			instance_type = excluded.instance_type,
			key_name = excluded.key_name,
			key_path = excluded.key_path,
			security_group_id = excluded.security_group_id,
			image_tag = excluded.image_tag,
			updated_at = excluded.updated_at`,
		r.Name, r.ID, r.Kind, r.State, r.Address, r.Region, r.InstanceType,
		r.KeyName, r.KeyPath, r.SecurityGroupID, r.ImageTag, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("save resource: %w", err)
	}
	return nil
}

// GetResource retrieves a resource record by name.
func (s *SQLiteStore) GetResource(ctx context.Context, name string) (*model.ComputeResource, error) {
	r := &model.ComputeResource{}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, id, kind, state, address, region, instance_type,
			key_name, key_path, security_group_id, image_tag, created_at, updated_at
		FROM resources WHERE name = ?`, name,
	).Scan(
		&r.Name, &r.ID, &r.Kind, &r.State, &r.Address, &r.Region, &r.InstanceType,
		&r.KeyName, &r.KeyPath, &r.SecurityGroupID, &r.ImageTag, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return r, nil
}

// ListResources returns all resource records ordered by creation time,
// newest first.
func (s *SQLiteStore) ListResources(ctx context.Context) ([]*model.ComputeResource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, id, kind, state, address, region, instance_type,
			key_name, key_path, security_group_id, image_tag, created_at, updated_at
		FROM resources ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var resources []*model.ComputeResource
	for rows.Next() {
		r := &model.ComputeResource{}
		if err := rows.Scan(
			&r.Name, &r.ID, &r.Kind, &r.State, &r.Address, &r.Region, &r.InstanceType,
			&r.KeyName, &r.KeyPath, &r.SecurityGroupID, &r.ImageTag, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		resources = append(resources, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}

	return resources, nil
}

// DeleteResource removes a resource record by name.
func (s *SQLiteStore) DeleteResource(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM resources WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
