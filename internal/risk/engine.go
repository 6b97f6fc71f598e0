package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/riskengine/internal/idgen"
	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/syncutil"
	"github.com/mbd888/riskengine/internal/traces"
	"go.opentelemetry.io/otel/trace"
)

// DefaultVelocityWindow is the trailing window used by the velocity rules.
const DefaultVelocityWindow = 60 * time.Second

// Engine evaluates pending transactions. Evaluations for the same user are
// serialized; different users proceed in parallel.
type Engine struct {
	store  EngineStore
	policy Policy
	window time.Duration
	locks  *syncutil.KeyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine with the default policy and velocity window.
func NewEngine(store EngineStore) *Engine {
	return &Engine{
		store:  store,
		policy: DefaultPolicy(),
		window: DefaultVelocityWindow,
		locks:  syncutil.NewKeyedMutex(0),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithPolicy overrides the disposition thresholds.
func (e *Engine) WithPolicy(p Policy) *Engine {
	e.policy = p
	return e
}

// WithVelocityWindow overrides the velocity window.
func (e *Engine) WithVelocityWindow(d time.Duration) *Engine {
	if d > 0 {
		e.window = d
	}
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithClock replaces the time source for record timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Evaluate scores a persisted PENDING transaction, records the outcome and,
// on accept, updates the user's stats and trusted device. tx.Status,
// tx.RiskScore and tx.RulesTriggered are updated in place on success.
//
// ctx only bounds waiting for the user's lock. Once the lock is held the
// evaluation runs to completion; deadlines are left to the store.
//
// The engine does not deduplicate: calling Evaluate twice for the same
// transaction fails with ErrAlreadyEvaluated only because the recorder
// refuses a non-PENDING transaction.
func (e *Engine) Evaluate(ctx context.Context, tx *Transaction) (Disposition, *Evaluation, error) {
	if tx.Status != "" && tx.Status != StatusPending {
		return "", nil, ErrAlreadyEvaluated
	}
	if !tx.Amount.IsPositive() {
		return "", nil, ErrInvalidAmount
	}

	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "risk.Evaluate",
		traces.UserID(tx.UserID),
		traces.TransactionID(tx.ID),
		traces.Amount(tx.Amount.StringFixed(2)),
	)
	defer span.End()

	unlock, err := e.locks.Lock(ctx, tx.UserID)
	if err != nil {
		traces.Fail(span, err)
		return "", nil, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	stats, err := e.store.GetOrCreate(ctx, tx.UserID)
	if err != nil {
		return "", nil, e.fail(ctx, span, "dependency", tx, fmt.Errorf("%w: load stats: %w", ErrDependency, err))
	}
	trusted, err := e.store.GetTrusted(ctx, tx.UserID)
	if err != nil {
		return "", nil, e.fail(ctx, span, "dependency", tx, fmt.Errorf("%w: load trusted device: %w", ErrDependency, err))
	}
	recent, err := e.store.CountRecent(ctx, tx.UserID, tx.CreatedAt.Add(-e.window))
	if err != nil {
		return "", nil, e.fail(ctx, span, "dependency", tx, fmt.Errorf("%w: count velocity: %w", ErrDependency, err))
	}

	result := EvaluateRules(tx, stats, recent, trusted)
	disposition := e.policy.Decide(result.Score)
	status := disposition.Status()

	now := e.now()
	eval := &Evaluation{
		ID:             idgen.New(),
		TransactionID:  tx.ID,
		RiskScore:      result.Score,
		RulesTriggered: result.Rules,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	audit := &AuditRecord{
		ID:          idgen.New(),
		EventType:   "TRANSACTION_" + string(status),
		EntityType:  AuditEntityTransaction,
		EntityID:    tx.ID,
		Description: "Triggered rules: " + JoinRules(result.Rules),
		CreatedAt:   now,
	}
	if err := e.store.RecordEvaluation(ctx, &EvaluationRecord{Evaluation: eval, Status: status, Audit: audit}); err != nil {
		class := "persistence"
		if errors.Is(err, ErrAlreadyEvaluated) || errors.Is(err, ErrTransactionNotFound) {
			class = "state"
		}
		return "", nil, e.fail(ctx, span, class, tx, fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	tx.Status = status
	tx.RiskScore = result.Score
	tx.RulesTriggered = result.Rules
	tx.UpdatedAt = now

	if disposition == DispositionAccept {
		e.learn(ctx, tx, trusted, now)
	}

	codes := result.Codes()
	metrics.ObserveEvaluation(string(disposition), result.Score, codes, time.Since(start))
	span.SetAttributes(traces.Disposition(string(disposition)), traces.Score(result.Score), traces.Rules(codes))
	e.log(ctx).Info("transaction evaluated",
		"user_id", tx.UserID,
		"transaction_id", tx.ID,
		"score", result.Score,
		"disposition", disposition,
		"rules", codes,
	)
	return disposition, eval, nil
}

// learn applies the accept-only follow-ups. Failures leave the recorded
// disposition in place and are only logged and counted.
func (e *Engine) learn(ctx context.Context, tx *Transaction, trusted *TrustedDevice, at time.Time) {
	if err := e.store.ApplyAccept(ctx, tx.UserID, tx.Amount, at); err != nil {
		metrics.LearningFailuresTotal.WithLabelValues("stats").Inc()
		e.log(ctx).Warn("stats update failed",
			"user_id", tx.UserID, "transaction_id", tx.ID, "error", err)
	}
	if trusted != nil || tx.DeviceFingerprint == "" {
		return
	}
	if err := e.store.Learn(ctx, tx.UserID, tx.DeviceFingerprint, at); err != nil {
		metrics.LearningFailuresTotal.WithLabelValues("device").Inc()
		e.log(ctx).Warn("trusted device update failed",
			"user_id", tx.UserID, "transaction_id", tx.ID, "error", err)
	}
}

func (e *Engine) fail(ctx context.Context, span trace.Span, class string, tx *Transaction, err error) error {
	metrics.EvaluationErrorsTotal.WithLabelValues(class).Inc()
	traces.Fail(span, err)
	e.log(ctx).Error("evaluation failed",
		"user_id", tx.UserID, "transaction_id", tx.ID, "class", class, "error", err)
	return err
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return e.logger.With("request_id", id)
	}
	return e.logger
}
