package models

import "math/big"

// AttributionResult is the outcome of one attribution pass over a block
// range: exact per-payer totals plus observability counters. Amounts
// stay in minor units (wei) as big integers; conversion to a decimal
// representation happens only at presentation boundaries.
type AttributionResult struct {
	Totals       map[string]*big.Int
	ValidCount   int
	SkippedCount int
}

func NewAttributionResult() *AttributionResult {
	return &AttributionResult{Totals: make(map[string]*big.Int)}
}

// Add accumulates one attributed payment.
func (r *AttributionResult) Add(payer string, amount *big.Int) {
	cur, ok := r.Totals[payer]
	if !ok {
		cur = new(big.Int)
		r.Totals[payer] = cur
	}
	cur.Add(cur, amount)
}

// Merge folds another result into this one additively.
func (r *AttributionResult) Merge(other *AttributionResult) {
	for payer, amount := range other.Totals {
		r.Add(payer, amount)
	}
	r.ValidCount += other.ValidCount
	r.SkippedCount += other.SkippedCount
}

// TotalAmount sums all attributed payments.
func (r *AttributionResult) TotalAmount() *big.Int {
	total := new(big.Int)
	for _, amount := range r.Totals {
		total.Add(total, amount)
	}
	return total
}
