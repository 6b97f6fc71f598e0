// Package risk scores financial transactions for fraud in real time.
//
// A submitted transaction is persisted as PENDING, then evaluated once:
// the user's rolling stats, trusted device and recent velocity feed a fixed,
// ordered rule table whose weights add up to a risk score. The score maps to
// a disposition (accept, flag, block) that is written back to the
// transaction together with an evaluation record and an audit entry.
// Accepted transactions update the user's stats and may teach the engine the
// user's first trusted device.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskengine/internal/pagination"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrEvaluationNotFound   = errors.New("evaluation not found")
	ErrAlreadyEvaluated     = errors.New("transaction already evaluated")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrFeedbackTooLong      = errors.New("feedback exceeds 500 characters")

	// ErrDependency marks failures reading stats, devices or velocity.
	// The transaction stays PENDING and the caller may retry.
	ErrDependency = errors.New("risk dependency unavailable")
	// ErrPersistence marks failures writing the evaluation or transaction
	// status. The transaction stays PENDING.
	ErrPersistence = errors.New("risk evaluation not persisted")
)

// MaxFeedbackLength bounds Evaluation.UserFeedback, in characters.
const MaxFeedbackLength = 500

// Status is the persisted state of a transaction.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFlagged Status = "FLAGGED"
	StatusBlocked Status = "BLOCKED"
)

// Disposition is the engine's verdict on a transaction.
type Disposition string

const (
	DispositionAccept Disposition = "accept"
	DispositionFlag   Disposition = "flag"
	DispositionBlock  Disposition = "block"
)

var dispositionStatus = map[Disposition]Status{
	DispositionAccept: StatusSuccess,
	DispositionFlag:   StatusFlagged,
	DispositionBlock:  StatusBlocked,
}

// Status returns the transaction status persisted for d. It panics on a
// disposition outside the closed set.
func (d Disposition) Status() Status {
	s, ok := dispositionStatus[d]
	if !ok {
		panic("risk: unknown disposition " + string(d))
	}
	return s
}

// PaymentMethod is how the user pays.
type PaymentMethod string

const (
	PaymentCard         PaymentMethod = "card"
	PaymentUPI          PaymentMethod = "upi"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentWallet       PaymentMethod = "wallet"
)

// PaymentMethods lists the accepted payment methods.
var PaymentMethods = []PaymentMethod{PaymentCard, PaymentUPI, PaymentBankTransfer, PaymentWallet}

// ParsePaymentMethod validates s. An empty string means card.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	if s == "" {
		return PaymentCard, nil
	}
	for _, m := range PaymentMethods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", ErrInvalidPaymentMethod
}

// Transaction is a payment submitted by a user. Status and RiskScore are
// written once, by the evaluation.
type Transaction struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	Amount            decimal.Decimal `json:"amount"`
	PaymentMethod     PaymentMethod   `json:"paymentMethod"`
	DeviceFingerprint string          `json:"deviceId,omitempty"`
	IPAddress         string          `json:"ipAddress,omitempty"`
	Status            Status          `json:"status"`
	RiskScore         int             `json:"riskScore"`
	RulesTriggered    []RuleCode      `json:"rulesTriggered,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// UserStats is a user's rolling aggregate over accepted transactions.
// AverageAmount is TotalAmount / TransactionCount rounded half away from
// zero to two decimals.
type UserStats struct {
	UserID           string          `json:"userId"`
	TransactionCount int64           `json:"transactionCount"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	AverageAmount    decimal.Decimal `json:"averageAmount"`
	LastUpdatedAt    *time.Time      `json:"lastUpdatedAt,omitempty"`
}

// averageOf returns total / count at the stats precision.
func averageOf(total decimal.Decimal, count int64) decimal.Decimal {
	if count <= 0 {
		return decimal.Zero
	}
	return total.DivRound(decimal.NewFromInt(count), 2)
}

// TrustedDevice is the first device fingerprint seen on an accepted
// transaction for a user.
type TrustedDevice struct {
	UserID      string    `json:"userId"`
	Fingerprint string    `json:"deviceId"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
}

// Evaluation is the scored outcome for one transaction. Only the feedback
// fields change after creation.
type Evaluation struct {
	ID             string     `json:"id"`
	TransactionID  string     `json:"transactionId"`
	RiskScore      int        `json:"riskScore"`
	RulesTriggered []RuleCode `json:"rulesTriggered"`
	IsAccurate     *bool      `json:"isAccurate"`
	UserFeedback   string     `json:"userFeedback,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Feedback is the owner's verdict on an evaluation. Nil fields are left
// unchanged.
type Feedback struct {
	IsAccurate   *bool   `json:"isAccurate"`
	UserFeedback *string `json:"userFeedback"`
}

// AuditRecord is an append-only disposition event.
type AuditRecord struct {
	ID          string    `json:"id"`
	EventType   string    `json:"eventType"`
	EntityType  string    `json:"entityType"`
	EntityID    string    `json:"entityId"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AuditEntityTransaction is the entity type of transaction audit records.
const AuditEntityTransaction = "Transaction"

// EvaluationRecord is everything one evaluation writes atomically: the
// evaluation, the transaction's status and score, and the audit entry.
type EvaluationRecord struct {
	Evaluation *Evaluation
	Status     Status
	Audit      *AuditRecord
}

// TransactionStore persists transactions.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// ListTransactions returns up to limit of the user's transactions
	// ordered by (created_at, id) descending, starting after before when it
	// is non-nil.
	ListTransactions(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error)
	CountByStatusSince(ctx context.Context, userID string, since time.Time) (map[Status]int, error)
}

// VelocityCounter counts a user's transactions created strictly after since.
type VelocityCounter interface {
	CountRecent(ctx context.Context, userID string, since time.Time) (int, error)
}

// StatsStore owns per-user rolling stats.
type StatsStore interface {
	// GetOrCreate returns the user's stats, creating a zero row if absent.
	GetOrCreate(ctx context.Context, userID string) (*UserStats, error)
	// GetStats returns nil, nil when the user has no stats yet.
	GetStats(ctx context.Context, userID string) (*UserStats, error)
	// ApplyAccept atomically adds one accepted transaction of amount.
	ApplyAccept(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error
}

// DeviceStore owns trusted devices.
type DeviceStore interface {
	// GetTrusted returns nil, nil when the user has no trusted device.
	GetTrusted(ctx context.Context, userID string) (*TrustedDevice, error)
	// Learn trusts fingerprint only if the user has no trusted device.
	Learn(ctx context.Context, userID, fingerprint string, at time.Time) error
}

// Recorder writes an evaluation's effects atomically. It returns
// ErrTransactionNotFound or ErrAlreadyEvaluated when the transaction is
// missing or no longer PENDING.
type Recorder interface {
	RecordEvaluation(ctx context.Context, rec *EvaluationRecord) error
}

// EvaluationStore reads evaluations and applies owner feedback.
type EvaluationStore interface {
	GetEvaluationByTransaction(ctx context.Context, transactionID string) (*Evaluation, error)
	UpdateFeedback(ctx context.Context, evaluationID string, fb Feedback, at time.Time) (*Evaluation, error)
}

// AuditLog reads audit records for an entity, oldest first.
type AuditLog interface {
	ListAudit(ctx context.Context, entityType, entityID string) ([]*AuditRecord, error)
}

// EngineStore is what the engine needs to evaluate a transaction.
type EngineStore interface {
	StatsStore
	DeviceStore
	VelocityCounter
	Recorder
}

// Store is the full persistence surface of the package.
type Store interface {
	TransactionStore
	EngineStore
	EvaluationStore
	AuditLog
}
