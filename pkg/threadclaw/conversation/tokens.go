// Package conversation – tokens.go implements the token accountant: cost
// estimation for turns and the trim policy that keeps a working context
// under its configured budget before the model's context limit is hit.
package conversation

// Estimator returns an estimated token cost for a turn.
type Estimator interface {
	Estimate(t Turn) int
}

// HeuristicEstimator approximates tokens from byte length (~4 bytes per
// token for mixed chat text). It deliberately overestimates so the budget
// is exceeded in the accountant, never upstream.
type HeuristicEstimator struct{}

// assetReferenceCost is the flat surcharge for turns that reference a
// generated asset instead of carrying platform text.
const assetReferenceCost = 64

// Estimate implements Estimator.
func (HeuristicEstimator) Estimate(t Turn) int {
	tokens := len(t.Content)/4 + len(t.Role)/4
	if t.Source == SourceAsset {
		tokens += assetReferenceCost
	}
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// Accountant enforces a token budget over a turn sequence. Trimming removes
// the oldest turns in fixed batches once the estimated total crosses
// CleanupThreshold × Budget, and stops when the total is back under the
// threshold or only MinRetained turns remain. The most recent turn is never
// removed: a single turn that cannot fit the budget alone is reported as
// ErrOversizedTurn. Given the same inputs the result is always the same.
type Accountant struct {
	// Budget is the maximum estimated token cost the turns may occupy.
	Budget int

	// CleanupThreshold is the trim trigger ratio in (0, 1]; trimming
	// starts once the total exceeds CleanupThreshold × Budget.
	CleanupThreshold float64

	// BatchSize is how many oldest turns are removed per trim step.
	BatchSize int

	// MinRetained is the minimum window of newest turns that trimming
	// always preserves. Never less than 1.
	MinRetained int

	estimator Estimator
}

// NewAccountant builds an Accountant with the given policy. A nil estimator
// falls back to the heuristic one. Out-of-range parameters are clamped to
// usable values rather than rejected, matching how the rest of the config
// surface treats partial YAML.
func NewAccountant(budget int, cleanupThreshold float64, batchSize, minRetained int, est Estimator) *Accountant {
	if est == nil {
		est = HeuristicEstimator{}
	}
	if cleanupThreshold <= 0 || cleanupThreshold > 1 {
		cleanupThreshold = 0.8
	}
	if batchSize < 1 {
		batchSize = 1
	}
	if minRetained < 1 {
		minRetained = 1
	}
	return &Accountant{
		Budget:           budget,
		CleanupThreshold: cleanupThreshold,
		BatchSize:        batchSize,
		MinRetained:      minRetained,
		estimator:        est,
	}
}

// EstimateTurn fills in the Tokens field when it is unset and returns the
// cost. Pre-counted turns keep their recorded cost so rebuild and append
// agree on totals.
func (a *Accountant) EstimateTurn(t *Turn) int {
	if t.Tokens == 0 {
		t.Tokens = a.estimator.Estimate(*t)
	}
	return t.Tokens
}

// Estimate returns the estimated total token cost of a turn sequence.
func (a *Accountant) Estimate(turns []Turn) int {
	total := 0
	for i := range turns {
		total += a.EstimateTurn(&turns[i])
	}
	return total
}

// Trim applies the trim policy in place and returns the surviving turns,
// the number of removed turns, and ErrOversizedTurn when the retained
// window still exceeds the budget. Asset ledger entries are metadata-only
// and are never touched here.
func (a *Accountant) Trim(turns []Turn) ([]Turn, int, error) {
	total := a.Estimate(turns)
	threshold := int(float64(a.Budget) * a.CleanupThreshold)

	removed := 0
	for total > threshold && len(turns) > a.MinRetained {
		n := a.BatchSize
		if avail := len(turns) - a.MinRetained; n > avail {
			n = avail
		}
		for _, t := range turns[:n] {
			total -= t.Tokens
		}
		turns = turns[n:]
		removed += n
	}

	if total > a.Budget {
		// Only the retained window is left and it still does not fit.
		return turns, removed, ErrOversizedTurn
	}
	return turns, removed, nil
}
