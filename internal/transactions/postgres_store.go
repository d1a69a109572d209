package transactions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore persists transaction history in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, user_id, receiver_id, amount, tx_type, merchant_category, location, device,
	payment_channel, latitude, longitude, time_since_last, spending_deviation, velocity_score,
	geo_anomaly, rail, status, fraud_probability, anomaly_score, risk_level, is_blocked,
	reasoning, verdict, risk_score, created_at`

func (s *PostgresStore) Append(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	`,
		tx.ID, tx.UserID, tx.Receiver(), decimal.NewFromFloat(tx.Amount),
		tx.Type, tx.MerchantCategory, tx.Location, tx.Device, tx.PaymentChannel,
		tx.Latitude, tx.Longitude, tx.TimeSinceLast, tx.SpendingDeviation, tx.VelocityScore,
		tx.GeoAnomaly, string(tx.Rail), tx.Status,
		nullFloat(tx.FraudProbability), nullFloat(tx.AnomalyScore), nullString(tx.RiskLevel),
		tx.IsBlocked, tx.Reasoning, nullString(tx.Verdict), nullFloat(tx.RiskScore), tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	o := applyListOpts(opts)

	var (
		rows *sql.Rows
		err  error
	)
	if o.cursor != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+txColumns+`
			FROM transactions
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, o.cursor.CreatedAt, o.cursor.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+txColumns+`
			FROM transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

func (s *PostgresStore) SpendSince(ctx context.Context, userID string, rail Rail, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE user_id = $1 AND rail = $2 AND created_at >= $3
	`, userID, string(rail), since).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum spend: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) LastAt(ctx context.Context, userID string, rail Rail) (time.Time, bool, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM transactions WHERE user_id = $1 AND rail = $2
	`, userID, string(rail)).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last transaction time: %w", err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return last.Time, true, nil
}

func (s *PostgresStore) ActiveUsers(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM transactions WHERE created_at >= $1 ORDER BY user_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions by status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		tx         Transaction
		amount     decimal.Decimal
		rail       string
		prob       sql.NullFloat64
		anomaly    sql.NullFloat64
		riskLevel  sql.NullString
		verdict    sql.NullString
		riskScore  sql.NullFloat64
		receiverID string
	)
	err := row.Scan(
		&tx.ID, &tx.UserID, &receiverID, &amount, &tx.Type, &tx.MerchantCategory, &tx.Location,
		&tx.Device, &tx.PaymentChannel, &tx.Latitude, &tx.Longitude, &tx.TimeSinceLast,
		&tx.SpendingDeviation, &tx.VelocityScore, &tx.GeoAnomaly, &rail, &tx.Status,
		&prob, &anomaly, &riskLevel, &tx.IsBlocked, &tx.Reasoning, &verdict, &riskScore, &tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.ReceiverID = receiverID
	tx.Amount = amount.InexactFloat64()
	tx.Rail = Rail(rail)
	if prob.Valid {
		tx.FraudProbability = Float(prob.Float64)
	}
	if anomaly.Valid {
		tx.AnomalyScore = Float(anomaly.Float64)
	}
	if riskScore.Valid {
		tx.RiskScore = Float(riskScore.Float64)
	}
	tx.RiskLevel = riskLevel.String
	tx.Verdict = verdict.String
	return &tx, nil
}

func scanRows(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
