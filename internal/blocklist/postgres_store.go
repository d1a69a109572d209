package blocklist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists the blocklist in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed blocklist store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, entityID string) (*Entity, error) {
	var e Entity
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, entity_type, reason, source, status, location, blocked_at
		FROM blocked_entities
		WHERE entity_id = $1
	`, entityID).Scan(&e.EntityID, &e.Type, &e.Reason, &e.Source, &e.Status, &e.Location, &e.BlockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blocked entity: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) Put(ctx context.Context, e *Entity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_entities (entity_id, entity_type, reason, source, status, location, blocked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			reason      = EXCLUDED.reason,
			source      = EXCLUDED.source,
			status      = EXCLUDED.status,
			location    = EXCLUDED.location,
			blocked_at  = EXCLUDED.blocked_at
	`, e.EntityID, e.Type, e.Reason, e.Source, e.Status, e.Location, e.BlockedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert blocked entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, entityID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_entities WHERE entity_id = $1`, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete blocked entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, entity_type, reason, source, status, location, blocked_at
		FROM blocked_entities
		ORDER BY blocked_at DESC, entity_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.EntityID, &e.Type, &e.Reason, &e.Source, &e.Status, &e.Location, &e.BlockedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blocked entity: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ Store = (*PostgresStore)(nil)
