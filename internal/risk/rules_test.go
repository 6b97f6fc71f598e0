package risk

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func statsWith(count int64, avg string) *UserStats {
	return &UserStats{UserID: "u1", TransactionCount: count, AverageAmount: dec(avg), TotalAmount: dec(avg).Mul(decimal.NewFromInt(count))}
}

func txWith(amount, fp string) *Transaction {
	return &Transaction{ID: "t1", UserID: "u1", Amount: dec(amount), DeviceFingerprint: fp, Status: StatusPending}
}

func TestEvaluateRules(t *testing.T) {
	trusted := &TrustedDevice{UserID: "u1", Fingerprint: "dev-a"}

	tests := []struct {
		name    string
		tx      *Transaction
		stats   *UserStats
		recent  int
		trusted *TrustedDevice
		score   int
		rules   []RuleCode
	}{
		{
			name:  "new user small amount",
			tx:    txWith("5000", "dev-a"),
			stats: statsWith(0, "0"),
			score: 0,
			rules: []RuleCode{},
		},
		{
			name:  "first transaction above limit",
			tx:    txWith("100000.01", "dev-a"),
			stats: statsWith(0, "0"),
			score: 30,
			rules: []RuleCode{RuleFirstTransactionHighAmount},
		},
		{
			name:  "first transaction at limit",
			tx:    txWith("100000", "dev-a"),
			stats: statsWith(0, "0"),
			score: 0,
			rules: []RuleCode{},
		},
		{
			name:    "deviation high and rapid very large",
			tx:      txWith("60000", "dev-a"),
			stats:   statsWith(1, "5000"),
			recent:  2,
			trusted: trusted,
			score:   80,
			rules:   []RuleCode{RuleAmountDeviationHigh, RuleRapidVeryLargeAmount},
		},
		{
			name:   "deviation medium",
			tx:     txWith("500", "dev-a"),
			stats:  statsWith(3, "100"),
			recent: 1,
			score:  30,
			rules:  []RuleCode{RuleAmountDeviationMedium},
		},
		{
			name:   "deviation low",
			tx:     txWith("200", "dev-a"),
			stats:  statsWith(3, "100"),
			recent: 1,
			score:  20,
			rules:  []RuleCode{RuleAmountDeviationLow},
		},
		{
			name:   "below deviation",
			tx:     txWith("199.99", "dev-a"),
			stats:  statsWith(3, "100"),
			recent: 1,
			score:  0,
			rules:  []RuleCode{},
		},
		{
			name:   "rapid medium at band floor",
			tx:     txWith("1000", "dev-a"),
			stats:  statsWith(5, "1000"),
			recent: 4,
			score:  20,
			rules:  []RuleCode{RuleRapidMediumAmount},
		},
		{
			name:   "rapid medium below count",
			tx:     txWith("1000", "dev-a"),
			stats:  statsWith(5, "1000"),
			recent: 3,
			score:  0,
			rules:  []RuleCode{},
		},
		{
			name:   "rapid large",
			tx:     txWith("10000", "dev-a"),
			stats:  statsWith(5, "10000"),
			recent: 3,
			score:  30,
			rules:  []RuleCode{RuleRapidLargeAmount},
		},
		{
			name:   "large band upper bound is exclusive",
			tx:     txWith("49999.99", "dev-a"),
			stats:  statsWith(5, "40000"),
			recent: 2,
			score:  0,
			rules:  []RuleCode{},
		},
		{
			name:    "untrusted device",
			tx:      txWith("300", "dev-b"),
			stats:   statsWith(1, "5000"),
			recent:  1,
			trusted: trusted,
			score:   30,
			rules:   []RuleCode{RuleUntrustedDevice},
		},
		{
			name:  "missing device",
			tx:    txWith("10", ""),
			stats: statsWith(0, "0"),
			score: 50,
			rules: []RuleCode{RuleMissingDeviceID},
		},
		{
			name:    "missing device with trusted device fires both",
			tx:      txWith("10", ""),
			stats:   statsWith(1, "10"),
			recent:  1,
			trusted: trusted,
			score:   80,
			rules:   []RuleCode{RuleUntrustedDevice, RuleMissingDeviceID},
		},
		{
			name:   "nil stats",
			tx:     txWith("200000", "dev-a"),
			stats:  nil,
			score:  30,
			rules:  []RuleCode{RuleFirstTransactionHighAmount},
			recent: 1,
		},
		{
			name:    "score is uncapped",
			tx:      txWith("60000", ""),
			stats:   statsWith(2, "1000"),
			recent:  5,
			trusted: trusted,
			score:   40 + 40 + 30 + 50,
			rules:   []RuleCode{RuleAmountDeviationHigh, RuleRapidVeryLargeAmount, RuleUntrustedDevice, RuleMissingDeviceID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := EvaluateRules(tt.tx, tt.stats, tt.recent, tt.trusted)
			assert.Equal(t, tt.score, res.Score)
			assert.Equal(t, tt.rules, res.Rules)
		})
	}
}

func TestEvaluateRules_Pure(t *testing.T) {
	tx := txWith("60000", "dev-a")
	stats := statsWith(1, "5000")
	a := EvaluateRules(tx, stats, 2, nil)
	b := EvaluateRules(tx, stats, 2, nil)
	assert.Equal(t, a, b)
	assert.Equal(t, int64(1), stats.TransactionCount)
	assert.Equal(t, StatusPending, tx.Status)
}

func randomInput(r *rand.Rand) (*Transaction, *UserStats, int, *TrustedDevice) {
	// Cents up to 200k.
	amount := decimal.New(r.Int63n(20_000_000)+1, -2)
	fps := []string{"", "dev-a", "dev-b"}
	tx := &Transaction{Amount: amount, DeviceFingerprint: fps[r.Intn(len(fps))]}
	count := r.Int63n(4)
	avg := decimal.Zero
	if count > 0 {
		avg = decimal.New(r.Int63n(1_000_000)+1, -2)
	}
	stats := &UserStats{TransactionCount: count, AverageAmount: avg}
	var trusted *TrustedDevice
	if r.Intn(2) == 0 {
		trusted = &TrustedDevice{Fingerprint: "dev-a"}
	}
	return tx, stats, r.Intn(6), trusted
}

func TestEvaluateRules_Properties(t *testing.T) {
	weights := make(map[RuleCode]int, len(Rules))
	for _, r := range Rules {
		weights[r.Code] = r.Weight
	}
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		tx, stats, recent, trusted := randomInput(r)
		res := EvaluateRules(tx, stats, recent, trusted)

		fired := make(map[RuleCode]bool, len(res.Rules))
		sum := 0
		for _, c := range res.Rules {
			require.False(t, fired[c], "rule %s reported twice", c)
			fired[c] = true
			sum += weights[c]
		}
		require.Equal(t, sum, res.Score, "score must be the sum of fired weights")

		if stats.TransactionCount == 0 && tx.Amount.GreaterThan(FirstTransactionHighAmount) {
			require.True(t, fired[RuleFirstTransactionHighAmount])
			require.GreaterOrEqual(t, res.Score, 30)
		}

		tiers := 0
		for _, c := range []RuleCode{RuleAmountDeviationHigh, RuleAmountDeviationMedium, RuleAmountDeviationLow} {
			if fired[c] {
				tiers++
			}
		}
		require.LessOrEqual(t, tiers, 1, "deviation tiers are exclusive: %v", res.Rules)
		if stats.AverageAmount.IsPositive() && tx.Amount.GreaterThanOrEqual(stats.AverageAmount.Mul(decimal.NewFromInt(10))) {
			require.True(t, fired[RuleAmountDeviationHigh])
		}

		if tx.Amount.GreaterThanOrEqual(VeryLargeAmountFloor) && recent >= RapidVeryLargeMinCount {
			require.True(t, fired[RuleRapidVeryLargeAmount])
		}
		require.Equal(t, tx.DeviceFingerprint == "", fired[RuleMissingDeviceID])
	}
}

func TestVelocityIndependentOfDeviation(t *testing.T) {
	for _, stats := range []*UserStats{statsWith(0, "0"), statsWith(1, "5000"), statsWith(10, "59000")} {
		res := EvaluateRules(txWith("60000", "dev-a"), stats, 2, nil)
		assert.Contains(t, res.Rules, RuleRapidVeryLargeAmount)
	}
}

func TestJoinSplitRules(t *testing.T) {
	assert.Equal(t, "", JoinRules(nil))
	assert.Equal(t, []RuleCode{}, SplitRules(""))

	codes := []RuleCode{RuleAmountDeviationHigh, RuleRapidVeryLargeAmount}
	joined := JoinRules(codes)
	assert.Equal(t, "AMOUNT_DEVIATION_HIGH,RAPID_VERY_LARGE_AMOUNT", joined)
	assert.Equal(t, codes, SplitRules(joined))
}
