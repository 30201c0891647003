package types

import "recambio/pkg/orders"

// Result is the normalized output of one extraction call. Skipped counts
// answer items dropped because they did not fit the order shape.
type Result struct {
	Candidates []orders.CandidateOrder
	Skipped    int
	Metadata   Metadata
}

// Metadata carries provider/model identity and optional usage accounting.
type Metadata struct {
	Provider string
	Model    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	ReasoningTokens     int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 &&
		u.OutputTokens == 0 &&
		u.TotalTokens == 0 &&
		u.ReasoningTokens == 0 &&
		u.CacheCreationTokens == 0 &&
		u.CacheReadTokens == 0
}

// UsagePtr returns nil for zero usage so callers can omit it.
func UsagePtr(u TokenUsage) *TokenUsage {
	if u.IsZero() {
		return nil
	}
	return &u
}
