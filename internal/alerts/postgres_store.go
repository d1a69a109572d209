package alerts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresStore persists alerts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, a *Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, alert_type, severity, message, source_user, target_receiver,
		                    tx_count, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.Type, a.Severity, a.Message, a.SourceUser, a.TargetReceiver,
		a.Count, decimal.NewFromFloat(a.Amount), a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Alert, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_type, severity, message, source_user, target_receiver,
		       tx_count, amount, status, created_at
		FROM alerts
		WHERE ($1 = '' OR alert_type = $1)
		  AND ($2 = '' OR source_user = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, f.Type, f.SourceUser, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		var a Alert
		var amount decimal.Decimal
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Message, &a.SourceUser, &a.TargetReceiver,
			&a.Count, &amount, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Amount = amount.InexactFloat64()
		result = append(result, &a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ Store = (*PostgresStore)(nil)
