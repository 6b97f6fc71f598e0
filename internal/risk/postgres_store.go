package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/riskengine/internal/idgen"
	"github.com/mbd888/riskengine/internal/pagination"
)

// DefaultQueryTimeout bounds each store call.
const DefaultQueryTimeout = 5 * time.Second

// PostgresStore persists transactions, stats, devices, evaluations and audit
// records in PostgreSQL. The schema lives in migrations/.
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, timeout: DefaultQueryTimeout}
}

// WithQueryTimeout overrides the per-call deadline. Zero disables it.
func (s *PostgresStore) WithQueryTimeout(d time.Duration) *PostgresStore {
	s.timeout = d
	return s
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

const selectTransaction = `
	SELECT t.id, t.user_id, t.amount, t.payment_method,
	       COALESCE(t.device_id, ''), COALESCE(t.ip_address, ''),
	       t.status, t.risk_score, COALESCE(e.rules_triggered, ''),
	       t.created_at, t.updated_at
	FROM transactions t
	LEFT JOIN fraud_evaluations e ON e.transaction_id = t.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var rules string
	err := row.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.PaymentMethod,
		&tx.DeviceFingerprint, &tx.IPAddress, &tx.Status, &tx.RiskScore, &rules,
		&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		tx.RulesTriggered = SplitRules(rules)
	}
	return &tx, nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if tx.Status == "" {
		tx.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, amount, payment_method, device_id, ip_address, status, risk_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10)
	`,
		tx.ID,
		tx.UserID,
		tx.Amount,
		string(tx.PaymentMethod),
		tx.DeviceFingerprint,
		tx.IPAddress,
		string(tx.Status),
		tx.RiskScore,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	if !idgen.IsUUID(id) {
		return nil, ErrTransactionNotFound
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, selectTransaction+` WHERE t.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query := selectTransaction + `
		WHERE t.user_id = $1
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $2`
	args := []any{userID, limit}
	if before != nil {
		if !idgen.IsUUID(before.ID) {
			return nil, pagination.ErrInvalidCursor
		}
		query = selectTransaction + `
		WHERE t.user_id = $1 AND (t.created_at, t.id) < ($3, $4::uuid)
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $2`
		args = append(args, before.CreatedAt, before.ID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountByStatusSince(ctx context.Context, userID string, since time.Time) (map[Status]int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM transactions
		WHERE user_id = $1 AND created_at >= $2
		GROUP BY status
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) CountRecent(ctx context.Context, userID string, since time.Time) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE user_id = $1 AND created_at > $2
	`, userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent transactions: %w", err)
	}
	return n, nil
}

func scanStats(row rowScanner) (*UserStats, error) {
	var st UserStats
	var last sql.NullTime
	if err := row.Scan(&st.UserID, &st.TransactionCount, &st.TotalAmount, &st.AverageAmount, &last); err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		st.LastUpdatedAt = &t
	}
	return &st, nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, userID string) (*UserStats, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_transaction_stats (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("failed to create stats: %w", err)
	}
	st, err := scanStats(s.db.QueryRowContext(ctx, `
		SELECT user_id, transaction_count, total_amount, average_amount, last_updated_at
		FROM user_transaction_stats WHERE user_id = $1
	`, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) GetStats(ctx context.Context, userID string) (*UserStats, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	st, err := scanStats(s.db.QueryRowContext(ctx, `
		SELECT user_id, transaction_count, total_amount, average_amount, last_updated_at
		FROM user_transaction_stats WHERE user_id = $1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return st, nil
}

// ApplyAccept increments the row in a single statement so concurrent
// writers from other processes cannot lose updates.
func (s *PostgresStore) ApplyAccept(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_transaction_stats (user_id, transaction_count, total_amount, average_amount, last_updated_at)
		VALUES ($1, 1, $2, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			transaction_count = user_transaction_stats.transaction_count + 1,
			total_amount      = user_transaction_stats.total_amount + EXCLUDED.total_amount,
			average_amount    = ROUND((user_transaction_stats.total_amount + EXCLUDED.total_amount)
			                          / (user_transaction_stats.transaction_count + 1), 2),
			last_updated_at   = EXCLUDED.last_updated_at
	`, userID, amount, at)
	if err != nil {
		return fmt.Errorf("failed to apply accepted transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTrusted(ctx context.Context, userID string) (*TrustedDevice, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var d TrustedDevice
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, first_seen_at
		FROM devices
		WHERE user_id = $1 AND trusted
		ORDER BY first_seen_at
		LIMIT 1
	`, userID).Scan(&d.UserID, &d.Fingerprint, &d.FirstSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trusted device: %w", err)
	}
	return &d, nil
}

// Learn relies on idx_devices_one_trusted to keep a single trusted device
// per user when two processes race.
func (s *PostgresStore) Learn(ctx context.Context, userID, fingerprint string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (user_id, device_id, trusted, first_seen_at)
		SELECT $1, $2, TRUE, $3
		WHERE NOT EXISTS (SELECT 1 FROM devices WHERE user_id = $1 AND trusted)
		ON CONFLICT DO NOTHING
	`, userID, fingerprint, at)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("failed to learn device: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordEvaluation(ctx context.Context, rec *EvaluationRecord) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	eval := rec.Evaluation
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, risk_score = $3, updated_at = $4
		WHERE id = $1 AND status = 'PENDING'
	`, eval.TransactionID, string(rec.Status), eval.RiskScore, eval.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, eval.TransactionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check transaction: %w", err)
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrAlreadyEvaluated
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fraud_evaluations (id, transaction_id, risk_score, rules_triggered, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, eval.ID, eval.TransactionID, eval.RiskScore, JoinRules(eval.RulesTriggered), eval.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}

	if a := rec.Audit; a != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_logs (id, event_type, entity_type, entity_id, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, a.ID, a.EventType, a.EntityType, a.EntityID, a.Description, a.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert audit record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit evaluation: %w", err)
	}
	return nil
}

const selectEvaluation = `
	SELECT id, transaction_id, risk_score, rules_triggered, is_accurate,
	       COALESCE(user_feedback, ''), created_at, updated_at
	FROM fraud_evaluations`

func scanEvaluation(row rowScanner) (*Evaluation, error) {
	var e Evaluation
	var rules string
	var accurate sql.NullBool
	if err := row.Scan(&e.ID, &e.TransactionID, &e.RiskScore, &rules, &accurate,
		&e.UserFeedback, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.RulesTriggered = SplitRules(rules)
	if accurate.Valid {
		v := accurate.Bool
		e.IsAccurate = &v
	}
	return &e, nil
}

func (s *PostgresStore) GetEvaluationByTransaction(ctx context.Context, transactionID string) (*Evaluation, error) {
	if !idgen.IsUUID(transactionID) {
		return nil, ErrEvaluationNotFound
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	e, err := scanEvaluation(s.db.QueryRowContext(ctx, selectEvaluation+` WHERE transaction_id = $1`, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEvaluationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateFeedback(ctx context.Context, evaluationID string, fb Feedback, at time.Time) (*Evaluation, error) {
	if !idgen.IsUUID(evaluationID) {
		return nil, ErrEvaluationNotFound
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var accurate sql.NullBool
	if fb.IsAccurate != nil {
		accurate = sql.NullBool{Bool: *fb.IsAccurate, Valid: true}
	}
	var feedback sql.NullString
	if fb.UserFeedback != nil {
		feedback = sql.NullString{String: *fb.UserFeedback, Valid: true}
	}

	e, err := scanEvaluation(s.db.QueryRowContext(ctx, `
		UPDATE fraud_evaluations
		SET is_accurate   = COALESCE($2, is_accurate),
		    user_feedback = COALESCE($3, user_feedback),
		    updated_at    = $4
		WHERE id = $1
		RETURNING id, transaction_id, risk_score, rules_triggered, is_accurate,
		          COALESCE(user_feedback, ''), created_at, updated_at
	`, evaluationID, accurate, feedback, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEvaluationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update feedback: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, entityType, entityID string) ([]*AuditRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, entity_type, entity_id, description, created_at
		FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditRecord
	for rows.Next() {
		var a AuditRecord
		if err := rows.Scan(&a.ID, &a.EventType, &a.EntityType, &a.EntityID, &a.Description, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}
