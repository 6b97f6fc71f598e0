package risk

import "fmt"

// Default disposition thresholds.
const (
	DefaultBlockAbove  = 70
	DefaultFlagAtLeast = 30
)

// Policy maps a score to a disposition: above BlockAbove blocks, at least
// FlagAtLeast flags, anything lower accepts.
type Policy struct {
	BlockAbove  int
	FlagAtLeast int
}

// DefaultPolicy returns the 70/30 policy.
func DefaultPolicy() Policy {
	return Policy{BlockAbove: DefaultBlockAbove, FlagAtLeast: DefaultFlagAtLeast}
}

// Validate rejects thresholds that would make flagging unreachable from below.
func (p Policy) Validate() error {
	if p.FlagAtLeast < 0 || p.BlockAbove < p.FlagAtLeast {
		return fmt.Errorf("risk: invalid policy block>%d flag>=%d", p.BlockAbove, p.FlagAtLeast)
	}
	return nil
}

// Decide returns the disposition for score.
func (p Policy) Decide(score int) Disposition {
	switch {
	case score > p.BlockAbove:
		return DispositionBlock
	case score >= p.FlagAtLeast:
		return DispositionFlag
	default:
		return DispositionAccept
	}
}
