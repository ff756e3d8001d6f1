package workflow

import (
	"math"

	"plans/models"
)

// AllocationTolerance is the absolute amount by which the allocation sum may
// deviate from the declared total, in currency units.
const AllocationTolerance = 0.01

type BudgetValidation struct {
	Valid      bool    `json:"valid"`
	Difference float64 `json:"difference"`
}

// ValidateAllocations checks that the line-items sum to the declared total
// within AllocationTolerance. An empty allocation list against a zero total
// is valid here; submission completeness rejects it separately.
func ValidateAllocations(totalAmount float64, allocations []models.Allocation) BudgetValidation {
	var sum float64
	for _, a := range allocations {
		sum += a.Amount
	}
	diff := sum - totalAmount
	return BudgetValidation{
		Valid:      math.Abs(diff) <= AllocationTolerance,
		Difference: diff,
	}
}
