package risk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/pagination"
)

type recordingAlerter struct {
	mu      sync.Mutex
	blocked []*Transaction
	err     error
}

func (a *recordingAlerter) TransactionBlocked(_ context.Context, tx *Transaction, _ *Evaluation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocked = append(a.blocked, tx)
	return a.err
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocked)
}

func newTestService(store Store) (*Service, *fakeClock) {
	clock := &fakeClock{now: testStart}
	engine := NewEngine(store).WithLogger(quietLogger()).WithClock(clock.Now)
	return NewService(store, engine, quietLogger()).WithClock(clock.Now), clock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestService_SubmitFlow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc, clock := newTestService(store)
	alerter := &recordingAlerter{}
	svc.WithAlerter(alerter)
	origin := Origin{UserAgent: "test", IP: "10.0.0.1"}

	res, err := svc.Submit(ctx, "u1", SubmitRequest{Amount: "5000", DeviceID: "phone"}, origin)
	require.NoError(t, err)
	assert.Equal(t, DispositionAccept, res.Disposition)
	assert.Equal(t, PaymentCard, res.Transaction.PaymentMethod)
	assert.Equal(t, Fingerprint("phone", "", ""), res.Transaction.DeviceFingerprint)
	assert.Equal(t, "10.0.0.1", res.Transaction.IPAddress)

	clock.Advance(10 * time.Second)
	res, err = svc.Submit(ctx, "u1", SubmitRequest{Amount: "60000", PaymentMethod: "upi", DeviceID: "phone"}, origin)
	require.NoError(t, err)
	assert.Equal(t, DispositionBlock, res.Disposition)
	assert.Equal(t, 80, res.Evaluation.RiskScore)

	require.NoError(t, svc.WaitAlerts(ctx))
	assert.Equal(t, 1, alerter.count())

	clock.Advance(5 * time.Minute)
	res, err = svc.Submit(ctx, "u1", SubmitRequest{Amount: "300", DeviceID: "laptop"}, origin)
	require.NoError(t, err)
	assert.Equal(t, DispositionFlag, res.Disposition)

	history, err := svc.History(ctx, "u1", "", 0)
	require.NoError(t, err)
	require.Len(t, history.Transactions, 3)
	assert.Equal(t, StatusFlagged, history.Transactions[0].Status)
	assert.Equal(t, []RuleCode{RuleUntrustedDevice}, history.Transactions[0].RulesTriggered)
	assert.Equal(t, int64(1), history.Stats.TransactionCount)
}

func TestService_AlertFailureKeepsDisposition(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryStore())
	svc.WithAlerter(&recordingAlerter{err: errors.New("webhook down")})

	// 150000 on a first transaction without a device: 30 + 50.
	res, err := svc.Submit(ctx, "u1", SubmitRequest{Amount: "150000"}, Origin{})
	require.NoError(t, err)
	assert.Equal(t, DispositionBlock, res.Disposition)
	require.NoError(t, svc.WaitAlerts(ctx))
}

func TestService_SubmitValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryStore())

	for _, amount := range []string{"", "abc", "0", "-5", "1.234"} {
		_, err := svc.Submit(ctx, "u1", SubmitRequest{Amount: amount}, Origin{})
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", amount)
	}
	_, err := svc.Submit(ctx, "u1", SubmitRequest{Amount: "5", PaymentMethod: "cheque"}, Origin{})
	assert.ErrorIs(t, err, ErrInvalidPaymentMethod)
}

func TestService_HistoryClampsLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc, _ := newTestService(store)
	for i := 0; i < 3; i++ {
		pending(t, store, "u1", "1", "d", testStart.Add(time.Duration(i)*time.Minute))
	}

	h, err := svc.History(ctx, "u1", "", -4)
	require.NoError(t, err)
	assert.Len(t, h.Transactions, 1)

	h, err = svc.History(ctx, "u1", "", 1000)
	require.NoError(t, err)
	assert.Len(t, h.Transactions, 3)

	h, err = svc.History(ctx, "nobody", "", 0)
	require.NoError(t, err)
	assert.NotNil(t, h.Transactions)
	assert.Empty(t, h.Transactions)
	assert.Equal(t, "nobody", h.Stats.UserID)
}

func TestService_HistoryPages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc, _ := newTestService(store)

	want := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		tx := pending(t, store, "u1", "1", "d", testStart.Add(time.Duration(i)*time.Minute))
		want = append([]string{tx.ID}, want...)
	}
	// Same timestamp as the newest: ordered by ID descending.
	twin := pending(t, store, "u1", "1", "d", testStart.Add(4*time.Minute))
	if twin.ID > want[0] {
		want = append([]string{twin.ID}, want...)
	} else {
		want = append([]string{want[0], twin.ID}, want[1:]...)
	}

	var got []string
	cursor := ""
	for page := 0; page < 10; page++ {
		h, err := svc.History(ctx, "u1", cursor, 2)
		require.NoError(t, err)
		for _, tx := range h.Transactions {
			got = append(got, tx.ID)
		}
		if h.NextCursor == "" {
			break
		}
		cursor = h.NextCursor
	}
	assert.Equal(t, want, got)

	_, err := svc.History(ctx, "u1", "garbage!", 2)
	assert.ErrorIs(t, err, pagination.ErrInvalidCursor)
}

func TestService_StatsIsReadOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc, _ := newTestService(store)

	st, err := svc.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.TransactionCount)

	raw, _ := store.GetStats(ctx, "u1")
	assert.Nil(t, raw)
}

func TestService_FeedbackOwnership(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryStore())

	res, err := svc.Submit(ctx, "owner", SubmitRequest{Amount: "10", DeviceID: "d"}, Origin{})
	require.NoError(t, err)
	txID := res.Transaction.ID

	no := false
	note := "I made this payment"
	eval, err := svc.SubmitFeedback(ctx, "owner", txID, Feedback{IsAccurate: &no, UserFeedback: &note})
	require.NoError(t, err)
	require.NotNil(t, eval.IsAccurate)
	assert.False(t, *eval.IsAccurate)
	assert.Equal(t, note, eval.UserFeedback)

	_, err = svc.SubmitFeedback(ctx, "intruder", txID, Feedback{IsAccurate: &no})
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = svc.Evaluation(ctx, "intruder", txID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = svc.AuditTrail(ctx, "intruder", txID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	long := strings.Repeat("é", MaxFeedbackLength+1)
	_, err = svc.SubmitFeedback(ctx, "owner", txID, Feedback{UserFeedback: &long})
	assert.ErrorIs(t, err, ErrFeedbackTooLong)

	exact := strings.Repeat("é", MaxFeedbackLength)
	_, err = svc.SubmitFeedback(ctx, "owner", txID, Feedback{UserFeedback: &exact})
	assert.NoError(t, err)
}

func TestService_FeedbackWithoutEvaluation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc, _ := newTestService(store)
	tx := pending(t, store, "u1", "10", "d", testStart)

	yes := true
	_, err := svc.SubmitFeedback(ctx, "u1", tx.ID, Feedback{IsAccurate: &yes})
	assert.ErrorIs(t, err, ErrEvaluationNotFound)
}

func TestService_AuditTrail(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryStore())

	res, err := svc.Submit(ctx, "u1", SubmitRequest{Amount: "10"}, Origin{})
	require.NoError(t, err)

	records, err := svc.AuditTrail(ctx, "u1", res.Transaction.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "TRANSACTION_FLAGGED", records[0].EventType)
}

func TestService_WeeklySummary(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc, clock := newTestService(store)

	pending(t, store, "u1", "1", "d", testStart.AddDate(0, 0, -9))
	_, err := svc.Submit(ctx, "u1", SubmitRequest{Amount: "10", DeviceID: "d"}, Origin{})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = svc.Submit(ctx, "u1", SubmitRequest{Amount: "10"}, Origin{})
	require.NoError(t, err)

	sum, err := svc.WeeklySummary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Counts[StatusSuccess])
	assert.Equal(t, 1, sum.Counts[StatusFlagged])
	assert.Equal(t, time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC), sum.From)
	assert.Equal(t, int64(1), sum.Stats.TransactionCount)
}
