package kernel

import (
	"time"

	"github.com/aria-run/aria/pkg/types"
)

// budgetCheck is the payload recorded with every BUDGET_CHECK audit
// record, whether or not the check passed.
type budgetCheck struct {
	Step           uint64  `json:"step"`
	MaxSteps       int     `json:"max_steps"`
	Cost           float64 `json:"cost"`
	MaxCost        float64 `json:"max_cost"`
	DeadlinePassed bool    `json:"deadline_passed"`
	Violation      string  `json:"violation,omitempty"`
}

// checkBudgets evaluates the three hard limits in the order the step loop
// contract specifies: steps, then cost, then deadline, against the
// step-scoped snapshot in stepCtx. It returns the BUDGET_CHECK payload
// (always, for audit) and a fatal-to-the-session error if any limit was
// crossed.
func checkBudgets(stepCtx types.ExecutionContext, now time.Time) (budgetCheck, error) {
	limits := stepCtx.Limits
	bc := budgetCheck{Step: stepCtx.StepNumber, MaxSteps: limits.MaxSteps, Cost: stepCtx.Cost, MaxCost: limits.MaxCost}

	if limits.MaxSteps > 0 && stepCtx.StepNumber >= uint64(limits.MaxSteps) {
		bc.Violation = string(types.KindStepLimitExceeded)
		return bc, types.New(types.KindStepLimitExceeded, "step count reached max_steps")
	}
	if limits.MaxCost > 0 && stepCtx.Cost >= limits.MaxCost {
		bc.Violation = string(types.KindCostLimitExceeded)
		return bc, types.New(types.KindCostLimitExceeded, "cumulative cost reached max_cost")
	}
	if !limits.Deadline.IsZero() && now.After(limits.Deadline) {
		bc.DeadlinePassed = true
		bc.Violation = string(types.KindDeadlineExceeded)
		return bc, types.New(types.KindDeadlineExceeded, "deadline has passed")
	}
	return bc, nil
}
