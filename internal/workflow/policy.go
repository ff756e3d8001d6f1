package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"plans/internal/apperr"
	"plans/models"
)

// ThresholdBand is one approval tier in a department's policy: plans whose
// total reaches Threshold require sign-off from this band's approvers.
type ThresholdBand struct {
	Name      string   `json:"name"`
	Threshold float64  `json:"threshold"`
	Approvers []string `json:"approvers"`
}

// ApprovalPolicy maps departments onto their threshold bands. It is loaded
// once at startup and never mutated afterwards; policy changes ship as a new
// file and a restart.
type ApprovalPolicy struct {
	Departments map[string][]ThresholdBand `json:"departments"`
	Default     []ThresholdBand            `json:"default"`
}

// LoadPolicy reads and validates an ApprovalPolicy from a JSON file.
func LoadPolicy(path string) (ApprovalPolicy, error) {
	var p ApprovalPolicy
	data, err := os.ReadFile(path)
	if err != nil {
		return p, apperr.Wrap(err, apperr.CodeConfiguration, "cannot read approval policy")
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, apperr.Wrap(err, apperr.CodeConfiguration, "cannot parse approval policy")
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks every band list: non-empty, a base band at threshold 0,
// strictly increasing thresholds, and approvers on every band.
func (p ApprovalPolicy) Validate() error {
	if err := validateBands("default", p.Default); err != nil {
		return err
	}
	for dept, bands := range p.Departments {
		if err := validateBands(dept, bands); err != nil {
			return err
		}
	}
	return nil
}

func validateBands(scope string, bands []ThresholdBand) error {
	if len(bands) == 0 {
		return apperr.Configuration(fmt.Sprintf("approval policy %q has no threshold bands", scope))
	}
	if bands[0].Threshold != 0 {
		return apperr.Configuration(fmt.Sprintf("approval policy %q must start with a zero-threshold band", scope))
	}
	for i, b := range bands {
		if len(b.Approvers) == 0 {
			return apperr.Configuration(fmt.Sprintf("approval policy %q band %q has no approvers", scope, b.Name))
		}
		if i > 0 && b.Threshold <= bands[i-1].Threshold {
			return apperr.Configuration(fmt.Sprintf("approval policy %q thresholds must be strictly increasing", scope))
		}
	}
	return nil
}

// bandsFor returns the department's bands, falling back to the default set.
func (p ApprovalPolicy) bandsFor(department string) []ThresholdBand {
	if bands, ok := p.Departments[department]; ok {
		return bands
	}
	return p.Default
}

// Route derives the ordered approval levels for a plan. Every band whose
// threshold is <= totalAmount is selected, ascending. Non-nil declared
// levels (from compliance configuration) override the policy bands but must
// themselves be strictly threshold-ordered.
func (p ApprovalPolicy) Route(totalAmount float64, department string, declared []models.ApprovalLevel) ([]models.ApprovalLevel, error) {
	if declared != nil {
		if len(declared) == 0 {
			return nil, apperr.Configuration("declared approval levels are empty")
		}
		if !sort.SliceIsSorted(declared, func(i, j int) bool {
			return declared[i].Threshold < declared[j].Threshold
		}) || hasDuplicateThresholds(declared) {
			return nil, apperr.Configuration("declared approval levels must be strictly ordered by threshold")
		}
		for _, l := range declared {
			if len(l.Approvers) == 0 {
				return nil, apperr.Configuration("declared approval levels must each have approvers")
			}
		}
		out := make([]models.ApprovalLevel, len(declared))
		copy(out, declared)
		for i := range out {
			out[i].Level = i + 1
		}
		return out, nil
	}

	bands := p.bandsFor(department)
	var levels []models.ApprovalLevel
	for _, b := range bands {
		if b.Threshold > totalAmount {
			break
		}
		approvers := make([]string, len(b.Approvers))
		copy(approvers, b.Approvers)
		levels = append(levels, models.ApprovalLevel{
			Level:     len(levels) + 1,
			Name:      b.Name,
			Threshold: b.Threshold,
			Approvers: approvers,
		})
	}
	return levels, nil
}

func hasDuplicateThresholds(levels []models.ApprovalLevel) bool {
	for i := 1; i < len(levels); i++ {
		if levels[i].Threshold == levels[i-1].Threshold {
			return true
		}
	}
	return false
}
