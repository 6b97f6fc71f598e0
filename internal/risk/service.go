package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskengine/internal/idgen"
	"github.com/mbd888/riskengine/internal/pagination"
)

// History limits.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// alertTimeout bounds a single blocked-transaction alert.
const alertTimeout = 30 * time.Second

// Alerter is told about blocked transactions. Errors are logged and never
// change the disposition.
type Alerter interface {
	TransactionBlocked(ctx context.Context, tx *Transaction, eval *Evaluation) error
}

// SubmitRequest is a user's payment request.
type SubmitRequest struct {
	Amount        string `json:"amount"`
	PaymentMethod string `json:"paymentMethod"`
	DeviceID      string `json:"deviceId"`
}

// Origin carries the client attributes used when no device ID is sent.
type Origin struct {
	UserAgent string
	IP        string
}

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	Transaction *Transaction `json:"transaction"`
	Disposition Disposition  `json:"disposition"`
	Evaluation  *Evaluation  `json:"evaluation"`
}

// History is one page of a user's transactions with their stats.
// NextCursor is empty on the last page.
type History struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	Stats        *UserStats     `json:"stats"`
}

// WeeklySummary counts a user's transactions by status over the last seven
// days.
type WeeklySummary struct {
	UserID string         `json:"userId"`
	From   time.Time      `json:"from"`
	To     time.Time      `json:"to"`
	Total  int            `json:"total"`
	Counts map[Status]int `json:"counts"`
	Stats  *UserStats     `json:"stats"`
}

// Service wires transaction submission and the read side around an Engine.
type Service struct {
	store   Store
	engine  *Engine
	alerter Alerter
	logger  *slog.Logger
	now     func() time.Time
	alerts  sync.WaitGroup
}

// NewService creates a service.
func NewService(store Store, engine *Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, engine: engine, logger: logger, now: time.Now}
}

// WithAlerter sets the blocked-transaction alerter.
func (s *Service) WithAlerter(a Alerter) *Service {
	s.alerter = a
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Engine returns the underlying engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Submit persists a PENDING transaction for userID and evaluates it.
func (s *Service) Submit(ctx context.Context, userID string, req SubmitRequest, origin Origin) (*SubmitResult, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() || !amount.Equal(amount.Truncate(2)) {
		return nil, ErrInvalidAmount
	}
	method, err := ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	now := s.now()
	tx := &Transaction{
		ID:                idgen.New(),
		UserID:            userID,
		Amount:            amount,
		PaymentMethod:     method,
		DeviceFingerprint: Fingerprint(req.DeviceID, origin.UserAgent, origin.IP),
		IPAddress:         origin.IP,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: create transaction: %w", ErrPersistence, err)
	}

	disposition, eval, err := s.engine.Evaluate(ctx, tx)
	if err != nil {
		return nil, err
	}
	if disposition == DispositionBlock && s.alerter != nil {
		s.alert(ctx, tx, eval)
	}
	return &SubmitResult{Transaction: tx, Disposition: disposition, Evaluation: eval}, nil
}

func (s *Service) alert(ctx context.Context, tx *Transaction, eval *Evaluation) {
	txCopy, evalCopy := copyTransaction(tx), copyEvaluation(eval)
	actx := context.WithoutCancel(ctx)
	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		actx, cancel := context.WithTimeout(actx, alertTimeout)
		defer cancel()
		if err := s.alerter.TransactionBlocked(actx, txCopy, evalCopy); err != nil {
			s.logger.Error("blocked transaction alert failed",
				"user_id", txCopy.UserID, "transaction_id", txCopy.ID, "error", err)
		}
	}()
}

// WaitAlerts blocks until in-flight alerts finish or ctx is done.
func (s *Service) WaitAlerts(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.alerts.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns a page of the user's transactions, newest first, and
// their stats. limit is clamped to [1, MaxHistoryLimit]; zero means
// DefaultHistoryLimit. An empty cursor starts at the newest transaction.
func (s *Service) History(ctx context.Context, userID, cursor string, limit int) (*History, error) {
	before, err := pagination.Parse(cursor)
	if err != nil {
		return nil, err
	}
	if before != nil && !idgen.IsUUID(before.ID) {
		return nil, pagination.ErrInvalidCursor
	}

	switch {
	case limit == 0:
		limit = DefaultHistoryLimit
	case limit < 1:
		limit = 1
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	txs, err := s.store.ListTransactions(ctx, userID, before, limit+1)
	if err != nil {
		return nil, err
	}
	txs, next := pagination.Trim(txs, limit, func(tx *Transaction) pagination.Cursor {
		return pagination.Cursor{CreatedAt: tx.CreatedAt, ID: tx.ID}
	})
	stats, err := s.Stats(ctx, userID)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	return &History{Transactions: txs, NextCursor: next, Stats: stats}, nil
}

// Stats returns the user's stats, zero-valued if none exist yet. It never
// creates a row.
func (s *Service) Stats(ctx context.Context, userID string) (*UserStats, error) {
	st, err := s.store.GetStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &UserStats{UserID: userID, TotalAmount: decimal.Zero, AverageAmount: decimal.Zero}
	}
	return st, nil
}

// ownedTransaction hides other users' transactions behind not found.
func (s *Service) ownedTransaction(ctx context.Context, userID, txID string) (*Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

// Evaluation returns the evaluation of one of the user's transactions.
func (s *Service) Evaluation(ctx context.Context, userID, txID string) (*Evaluation, error) {
	if _, err := s.ownedTransaction(ctx, userID, txID); err != nil {
		return nil, err
	}
	return s.store.GetEvaluationByTransaction(ctx, txID)
}

// SubmitFeedback records the owner's verdict on an evaluation.
func (s *Service) SubmitFeedback(ctx context.Context, userID, txID string, fb Feedback) (*Evaluation, error) {
	if fb.UserFeedback != nil && utf8.RuneCountInString(*fb.UserFeedback) > MaxFeedbackLength {
		return nil, ErrFeedbackTooLong
	}
	eval, err := s.Evaluation(ctx, userID, txID)
	if err != nil {
		return nil, err
	}
	return s.store.UpdateFeedback(ctx, eval.ID, fb, s.now())
}

// AuditTrail returns the audit records of one of the user's transactions.
func (s *Service) AuditTrail(ctx context.Context, userID, txID string) ([]*AuditRecord, error) {
	if _, err := s.ownedTransaction(ctx, userID, txID); err != nil {
		return nil, err
	}
	records, err := s.store.ListAudit(ctx, AuditEntityTransaction, txID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*AuditRecord{}
	}
	return records, nil
}

// WeeklySummary counts the user's transactions since the start of the UTC
// day seven days ago.
func (s *Service) WeeklySummary(ctx context.Context, userID string) (*WeeklySummary, error) {
	to := s.now().UTC()
	from := to.AddDate(0, 0, -7).Truncate(24 * time.Hour)

	counts, err := s.store.CountByStatusSince(ctx, userID, from)
	if err != nil {
		return nil, err
	}
	stats, err := s.Stats(ctx, userID)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return &WeeklySummary{UserID: userID, From: from, To: to, Total: total, Counts: counts, Stats: stats}, nil
}
