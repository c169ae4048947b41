package wizard

import (
	"fmt"

	"github.com/Knetic/govaluate"

	"github.com/study-hub/study-hub/internal/domain/wizard"
)

// sampleParticipant supplies one value per supported eligibility attribute,
// used to smoke-evaluate an expression before it is committed on chain.
func sampleParticipant(form *wizard.CriteriaForm) map[string]interface{} {
	age := form.MinAge
	if age == 0 {
		age = 18
	}
	return map[string]interface{}{
		"age":       age,
		"diagnosis": "none",
		"consented": true,
		"sex":       "unspecified",
	}
}

// ValidateCriteriaExpression compiles the eligibility expression and
// evaluates it against a sample participant. The expression must reference
// only supported attributes and evaluate to a boolean.
func ValidateCriteriaExpression(form *wizard.CriteriaForm) error {
	expr, err := govaluate.NewEvaluableExpression(form.Expression)
	if err != nil {
		return fmt.Errorf("invalid eligibility expression: %w", err)
	}
	result, err := expr.Evaluate(sampleParticipant(form))
	if err != nil {
		return fmt.Errorf("eligibility expression references unsupported attributes: %w", err)
	}
	if _, ok := result.(bool); !ok {
		return fmt.Errorf("eligibility expression must evaluate to a boolean")
	}
	return nil
}
