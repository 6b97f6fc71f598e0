package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskengine/internal/pagination"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	byUser       map[string][]string // userID → transaction IDs in insertion order
	stats        map[string]*UserStats
	devices      map[string]*TrustedDevice
	evaluations  map[string]*Evaluation // transactionID → evaluation
	evalByID     map[string]string      // evaluationID → transactionID
	audit        []*AuditRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		byUser:       make(map[string][]string),
		stats:        make(map[string]*UserStats),
		devices:      make(map[string]*TrustedDevice),
		evaluations:  make(map[string]*Evaluation),
		evalByID:     make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.Status == "" {
		tx.Status = StatusPending
	}
	s.transactions[tx.ID] = copyTransaction(tx)
	s.byUser[tx.UserID] = append(s.byUser[tx.UserID], tx.ID)
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	out := make([]*Transaction, 0, len(ids))
	for _, id := range ids {
		tx := s.transactions[id]
		if before != nil && !before.After(tx.CreatedAt, tx.ID) {
			continue
		}
		out = append(out, copyTransaction(tx))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatusSince(ctx context.Context, userID string, since time.Time) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int)
	for _, id := range s.byUser[userID] {
		tx := s.transactions[id]
		if !tx.CreatedAt.Before(since) {
			counts[tx.Status]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) CountRecent(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, id := range s.byUser[userID] {
		if s.transactions[id].CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, userID string) (*UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[userID]
	if !ok {
		st = &UserStats{UserID: userID, TotalAmount: decimal.Zero, AverageAmount: decimal.Zero}
		s.stats[userID] = st
	}
	return copyStats(st), nil
}

func (s *MemoryStore) GetStats(ctx context.Context, userID string) (*UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[userID]
	if !ok {
		return nil, nil
	}
	return copyStats(st), nil
}

func (s *MemoryStore) ApplyAccept(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[userID]
	if !ok {
		st = &UserStats{UserID: userID, TotalAmount: decimal.Zero}
		s.stats[userID] = st
	}
	st.TransactionCount++
	st.TotalAmount = st.TotalAmount.Add(amount)
	st.AverageAmount = averageOf(st.TotalAmount, st.TransactionCount)
	t := at
	st.LastUpdatedAt = &t
	return nil
}

func (s *MemoryStore) GetTrusted(ctx context.Context, userID string) (*TrustedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[userID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) Learn(ctx context.Context, userID, fingerprint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[userID]; ok {
		return nil
	}
	s.devices[userID] = &TrustedDevice{UserID: userID, Fingerprint: fingerprint, FirstSeenAt: at}
	return nil
}

func (s *MemoryStore) RecordEvaluation(ctx context.Context, rec *EvaluationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txID := rec.Evaluation.TransactionID
	tx, ok := s.transactions[txID]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return ErrAlreadyEvaluated
	}

	eval := copyEvaluation(rec.Evaluation)
	s.evaluations[txID] = eval
	s.evalByID[eval.ID] = txID

	tx.Status = rec.Status
	tx.RiskScore = eval.RiskScore
	tx.RulesTriggered = append([]RuleCode{}, eval.RulesTriggered...)
	tx.UpdatedAt = eval.CreatedAt

	if rec.Audit != nil {
		a := *rec.Audit
		s.audit = append(s.audit, &a)
	}
	return nil
}

func (s *MemoryStore) GetEvaluationByTransaction(ctx context.Context, transactionID string) (*Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.evaluations[transactionID]
	if !ok {
		return nil, ErrEvaluationNotFound
	}
	return copyEvaluation(e), nil
}

func (s *MemoryStore) UpdateFeedback(ctx context.Context, evaluationID string, fb Feedback, at time.Time) (*Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txID, ok := s.evalByID[evaluationID]
	if !ok {
		return nil, ErrEvaluationNotFound
	}
	e := s.evaluations[txID]
	if fb.IsAccurate != nil {
		v := *fb.IsAccurate
		e.IsAccurate = &v
	}
	if fb.UserFeedback != nil {
		e.UserFeedback = *fb.UserFeedback
	}
	e.UpdatedAt = at
	return copyEvaluation(e), nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, entityType, entityID string) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditRecord
	for _, a := range s.audit {
		if a.EntityType == entityType && a.EntityID == entityID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func copyTransaction(tx *Transaction) *Transaction {
	cp := *tx
	if tx.RulesTriggered != nil {
		cp.RulesTriggered = append([]RuleCode{}, tx.RulesTriggered...)
	}
	return &cp
}

func copyStats(st *UserStats) *UserStats {
	cp := *st
	if st.LastUpdatedAt != nil {
		t := *st.LastUpdatedAt
		cp.LastUpdatedAt = &t
	}
	return &cp
}

func copyEvaluation(e *Evaluation) *Evaluation {
	cp := *e
	cp.RulesTriggered = append([]RuleCode{}, e.RulesTriggered...)
	if e.IsAccurate != nil {
		v := *e.IsAccurate
		cp.IsAccurate = &v
	}
	return &cp
}
