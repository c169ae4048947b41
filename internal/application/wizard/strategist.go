package wizard

import (
	"fmt"

	"github.com/study-hub/study-hub/internal/domain/wizard"
)

// DefaultBatchThreshold is the largest milestone count still executed one
// transaction per item. Above it a single batched transaction is used.
const DefaultBatchThreshold = 6

// ExecutionMode is the milestone execution strategy, chosen once per run.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeBatch      ExecutionMode = "batch"
)

// BatchPlan is the working plan for the milestone step. It is recomputed from
// form data on every resume; only the cursor and accumulated hashes come from
// persisted mid-step progress.
type BatchPlan struct {
	Items        []wizard.MilestoneItem
	Mode         ExecutionMode
	CurrentIndex int
	Hashes       []string
	ChainID      string
}

// ChooseMode selects the execution strategy for an item count. The threshold
// is sequential-inclusive.
func ChooseMode(count, threshold int) ExecutionMode {
	if threshold <= 0 {
		threshold = DefaultBatchThreshold
	}
	if count <= threshold {
		return ModeSequential
	}
	return ModeBatch
}

// PlanBatch builds the milestone plan, restoring sequential progress when a
// prior run was interrupted mid-step.
func PlanBatch(items []wizard.MilestoneItem, threshold int, progress *wizard.MilestoneProgress) (*BatchPlan, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("at least one milestone is required")
	}
	plan := &BatchPlan{
		Items: append([]wizard.MilestoneItem(nil), items...),
		Mode:  ChooseMode(len(items), threshold),
	}
	if plan.Mode == ModeSequential && progress != nil {
		if progress.CurrentIndex > len(items) {
			return nil, fmt.Errorf("milestone progress index %d beyond %d items", progress.CurrentIndex, len(items))
		}
		plan.CurrentIndex = progress.CurrentIndex
		plan.Hashes = append([]string(nil), progress.Hashes...)
		plan.ChainID = progress.ChainID
	}
	return plan, nil
}

// SumRewards totals the milestone rewards in token base units.
func SumRewards(items []wizard.MilestoneItem) int64 {
	var sum int64
	for _, m := range items {
		sum += m.Reward
	}
	return sum
}

// ValidateBudget checks that milestone rewards do not exceed the total
// funding captured at the escrow step. Pure validation, no side effects;
// re-checked on every edit, not only at submission.
func ValidateBudget(items []wizard.MilestoneItem, totalFunding int64) error {
	sum := SumRewards(items)
	if sum > totalFunding {
		return fmt.Errorf("rewards total %d against funding %d: %w", sum, totalFunding, wizard.ErrBudgetExceeded)
	}
	return nil
}
