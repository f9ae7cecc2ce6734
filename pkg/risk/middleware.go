package risk

import (
	"context"

	"github.com/keel-labs/keel/pkg/contracts"
	"github.com/keel-labs/keel/pkg/pipeline"
)

// AccountingMiddleware charges the accountant before the executor runs,
// costed by the contract's risk class. A rejected charge fails the call
// as a policy error before any business logic executes.
func AccountingMiddleware(accountant *Accountant) pipeline.Middleware {
	return pipeline.Middleware{
		Name: "risk-accounting",
		Before: func(_ context.Context, call *pipeline.Call) (any, error) {
			contract := call.Contract()
			cost := CostForClass(contract.RiskClass)
			if err := accountant.CheckAndRecord(contract.ActionID, cost); err != nil {
				return nil, contracts.NewPolicyError("RISK_BUDGET_EXCEEDED", err.Error(),
					map[string]any{"action_id": contract.ActionID, "cost": cost})
			}
			return nil, nil
		},
	}
}
