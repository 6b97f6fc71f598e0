package risk

import (
	"strings"

	"github.com/shopspring/decimal"
)

// RuleCode identifies a fired rule.
type RuleCode string

const (
	RuleFirstTransactionHighAmount RuleCode = "FIRST_TRANSACTION_HIGH_AMOUNT"
	RuleAmountDeviationHigh        RuleCode = "AMOUNT_DEVIATION_HIGH"
	RuleAmountDeviationMedium      RuleCode = "AMOUNT_DEVIATION_MEDIUM"
	RuleAmountDeviationLow         RuleCode = "AMOUNT_DEVIATION_LOW"
	RuleRapidMediumAmount          RuleCode = "RAPID_MEDIUM_AMOUNT"
	RuleRapidLargeAmount           RuleCode = "RAPID_LARGE_AMOUNT"
	RuleRapidVeryLargeAmount       RuleCode = "RAPID_VERY_LARGE_AMOUNT"
	RuleUntrustedDevice            RuleCode = "UNTRUSTED_DEVICE"
	RuleMissingDeviceID            RuleCode = "MISSING_DEVICE_ID"
)

// Amount thresholds, in the transaction currency.
var (
	FirstTransactionHighAmount = decimal.NewFromInt(100000)
	MediumAmountFloor          = decimal.NewFromInt(1000)
	LargeAmountFloor           = decimal.NewFromInt(10000)
	VeryLargeAmountFloor       = decimal.NewFromInt(50000)
)

// Velocity thresholds: minimum transactions in the window, current one included.
const (
	RapidMediumMinCount    = 4
	RapidLargeMinCount     = 3
	RapidVeryLargeMinCount = 2
)

// Deviation multipliers over the user's average amount.
var (
	deviationHigh   = decimal.NewFromInt(10)
	deviationMedium = decimal.NewFromInt(5)
	deviationLow    = decimal.NewFromInt(2)
)

// RuleInput is everything the rules look at.
type RuleInput struct {
	Amount      decimal.Decimal
	Fingerprint string
	Count       int64           // accepted transactions so far
	Average     decimal.Decimal // average accepted amount
	RecentCount int             // transactions in the velocity window
	Trusted     *TrustedDevice
}

// Rule is one additive scoring rule.
type Rule struct {
	Code    RuleCode
	Weight  int
	Applies func(in *RuleInput) bool
}

// Rules is the rule table in evaluation order. The deviation tiers and the
// velocity bands are each mutually exclusive through their predicates.
var Rules = []Rule{
	{RuleFirstTransactionHighAmount, 30, func(in *RuleInput) bool {
		return in.Count == 0 && in.Amount.GreaterThan(FirstTransactionHighAmount)
	}},
	{RuleAmountDeviationHigh, 40, func(in *RuleInput) bool {
		return deviationTier(in) == 3
	}},
	{RuleAmountDeviationMedium, 30, func(in *RuleInput) bool {
		return deviationTier(in) == 2
	}},
	{RuleAmountDeviationLow, 20, func(in *RuleInput) bool {
		return deviationTier(in) == 1
	}},
	{RuleRapidMediumAmount, 20, func(in *RuleInput) bool {
		return inBand(in.Amount, MediumAmountFloor, LargeAmountFloor) && in.RecentCount >= RapidMediumMinCount
	}},
	{RuleRapidLargeAmount, 30, func(in *RuleInput) bool {
		return inBand(in.Amount, LargeAmountFloor, VeryLargeAmountFloor) && in.RecentCount >= RapidLargeMinCount
	}},
	{RuleRapidVeryLargeAmount, 40, func(in *RuleInput) bool {
		return in.Amount.GreaterThanOrEqual(VeryLargeAmountFloor) && in.RecentCount >= RapidVeryLargeMinCount
	}},
	{RuleUntrustedDevice, 30, func(in *RuleInput) bool {
		return in.Trusted != nil && in.Trusted.Fingerprint != in.Fingerprint
	}},
	{RuleMissingDeviceID, 50, func(in *RuleInput) bool {
		return in.Fingerprint == ""
	}},
}

// RuleResult is the immutable output of EvaluateRules.
type RuleResult struct {
	Score int
	Rules []RuleCode
}

// Codes returns the fired rule codes as strings.
func (r RuleResult) Codes() []string {
	out := make([]string, len(r.Rules))
	for i, c := range r.Rules {
		out[i] = string(c)
	}
	return out
}

// EvaluateRules scores tx against the user's stats snapshot, the number of
// transactions in the velocity window and the trusted device (nil if none).
// It has no side effects. The score is the uncapped sum of fired weights.
func EvaluateRules(tx *Transaction, stats *UserStats, recentCount int, trusted *TrustedDevice) RuleResult {
	in := &RuleInput{
		Amount:      tx.Amount,
		Fingerprint: tx.DeviceFingerprint,
		RecentCount: recentCount,
		Trusted:     trusted,
		Average:     decimal.Zero,
	}
	if stats != nil {
		in.Count = stats.TransactionCount
		in.Average = stats.AverageAmount
	}
	return Apply(Rules, in)
}

// Apply runs rules over in, in order.
func Apply(rules []Rule, in *RuleInput) RuleResult {
	res := RuleResult{Rules: []RuleCode{}}
	for _, r := range rules {
		if r.Applies(in) {
			res.Score += r.Weight
			res.Rules = append(res.Rules, r.Code)
		}
	}
	return res
}

// deviationTier returns 3, 2 or 1 for the highest deviation multiple the
// amount reaches over a positive average, or 0.
func deviationTier(in *RuleInput) int {
	if !in.Average.IsPositive() {
		return 0
	}
	switch {
	case in.Amount.GreaterThanOrEqual(in.Average.Mul(deviationHigh)):
		return 3
	case in.Amount.GreaterThanOrEqual(in.Average.Mul(deviationMedium)):
		return 2
	case in.Amount.GreaterThanOrEqual(in.Average.Mul(deviationLow)):
		return 1
	}
	return 0
}

// inBand reports lo <= amount < hi.
func inBand(amount, lo, hi decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(lo) && amount.LessThan(hi)
}

// JoinRules serializes codes as stored in evaluations: comma separated, in order.
func JoinRules(codes []RuleCode) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

// SplitRules parses JoinRules output.
func SplitRules(s string) []RuleCode {
	if s == "" {
		return []RuleCode{}
	}
	parts := strings.Split(s, ",")
	out := make([]RuleCode, len(parts))
	for i, p := range parts {
		out[i] = RuleCode(p)
	}
	return out
}
