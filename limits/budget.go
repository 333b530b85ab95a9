package limits

import (
	"sync"

	"goa.design/runloop/fault"
)

// Budget tracks per-run model spend in USD against a per-run limit. A zero
// limit disables the bound.
type Budget struct {
	mu     sync.Mutex
	limits map[string]float64
	spent  map[string]float64
}

// NewBudget returns an empty budget tracker.
func NewBudget() *Budget {
	return &Budget{limits: make(map[string]float64), spent: make(map[string]float64)}
}

// Register sets the spend limit for a run.
func (b *Budget) Register(runID string, limitUSD float64) {
	b.mu.Lock()
	b.limits[runID] = limitUSD
	b.mu.Unlock()
}

// Spend records usd of spend for runID and returns the new total. It returns
// a budget_exhausted fault when the total crosses the run's limit; the spend
// is still recorded so the total stays truthful.
func (b *Budget) Spend(runID string, usd float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spent[runID] += usd
	total := b.spent[runID]
	if limit := b.limits[runID]; limit > 0 && total > limit {
		return total, fault.Newf(fault.KindBudgetExhausted, "run %s spent %.4f USD over limit %.4f", runID, total, limit)
	}
	return total, nil
}

// Spent returns the total recorded spend for runID.
func (b *Budget) Spent(runID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent[runID]
}

// Forget drops the run's entries once it is terminal.
func (b *Budget) Forget(runID string) {
	b.mu.Lock()
	delete(b.limits, runID)
	delete(b.spent, runID)
	b.mu.Unlock()
}
