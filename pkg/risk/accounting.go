package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/keel-labs/keel/pkg/contracts"
)

// Budget bounds the per-call risk cost of one action and weights its
// contribution to the aggregate window.
type Budget struct {
	ActionID string  `json:"action_id"`
	MaxCost  float64 `json:"max_cost"`
	Weight   float64 `json:"weight"`
}

type chargeEvent struct {
	actionID string
	cost     float64
	at       time.Time
}

// Accountant tracks weighted risk cost over a sliding window, so a
// burst of individually cheap calls cannot slip past a per-call check.
// CheckAndRecord is fail-closed: exceeding either bound is an error and
// nothing is recorded.
type Accountant struct {
	mu           sync.Mutex
	budgets      map[string]Budget
	events       []chargeEvent
	window       time.Duration
	maxAggregate float64
	clock        func() time.Time
}

// NewAccountant creates an accountant with the given window and
// aggregate ceiling.
func NewAccountant(window time.Duration, maxAggregate float64) *Accountant {
	return &Accountant{
		budgets:      make(map[string]Budget),
		window:       window,
		maxAggregate: maxAggregate,
		clock:        time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Accountant) WithClock(clock func() time.Time) *Accountant {
	a.clock = clock
	return a
}

// SetBudget installs or replaces the budget for one action.
func (a *Accountant) SetBudget(b Budget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budgets[b.ActionID] = b
}

// CheckAndRecord admits a charge if it fits both the per-action budget
// and the windowed aggregate, then records it.
func (a *Accountant) CheckAndRecord(actionID string, cost float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()

	budget, bounded := a.budgets[actionID]
	if bounded && cost > budget.MaxCost {
		return fmt.Errorf("action %q risk cost %.2f exceeds budget max %.2f", actionID, cost, budget.MaxCost)
	}

	weighted := cost
	if bounded && budget.Weight > 0 {
		weighted = cost * budget.Weight
	}

	aggregate := a.windowTotalLocked(now)
	if aggregate+weighted > a.maxAggregate {
		return fmt.Errorf("aggregate risk %.2f + %.2f exceeds window max %.2f", aggregate, weighted, a.maxAggregate)
	}

	a.events = append(a.events, chargeEvent{actionID: actionID, cost: cost, at: now})
	return nil
}

// WindowTotal returns the current weighted aggregate in the window.
func (a *Accountant) WindowTotal() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowTotalLocked(a.clock())
}

func (a *Accountant) windowTotalLocked(now time.Time) float64 {
	start := now.Add(-a.window)
	var total float64
	for _, e := range a.events {
		if !e.at.After(start) {
			continue
		}
		weight := 1.0
		if b, ok := a.budgets[e.actionID]; ok && b.Weight > 0 {
			weight = b.Weight
		}
		total += e.cost * weight
	}
	return total
}

// CostForClass maps a contract risk class to a default charge.
func CostForClass(class contracts.RiskClass) float64 {
	switch class {
	case contracts.RiskClassLow:
		return 1
	case contracts.RiskClassMedium:
		return 5
	case contracts.RiskClassHigh:
		return 20
	case contracts.RiskClassCritical:
		return 100
	}
	return 5
}
