package workflow

import "plans/models"

// Risk weights. Unknown probability/impact values fall back to the middle
// of the scale rather than failing the whole assessment.
var probabilityWeights = map[string]float64{
	"rare":           1,
	"unlikely":       2,
	"possible":       3,
	"likely":         4,
	"almost_certain": 5,
}

var impactWeights = map[string]float64{
	"negligible": 1,
	"minor":      2,
	"moderate":   3,
	"major":      4,
	"severe":     5,
}

const maxRiskCell = 25 // highest probability * highest impact

type RiskAssessment struct {
	TotalScore float64 `json:"totalScore"`
	Level      string  `json:"level"`
}

// AssessRisks sums probability*impact per risk and normalizes the total to a
// 0-100 band. Level banding: low <25, medium <60, high <85, critical >=85.
func AssessRisks(risks []models.Risk) RiskAssessment {
	if len(risks) == 0 {
		return RiskAssessment{TotalScore: 0, Level: "low"}
	}

	var total float64
	for _, r := range risks {
		total += weightOf(probabilityWeights, r.Probability) * weightOf(impactWeights, r.Impact)
	}
	score := total / (maxRiskCell * float64(len(risks))) * 100

	return RiskAssessment{TotalScore: score, Level: riskLevel(score)}
}

func riskLevel(score float64) string {
	switch {
	case score < 25:
		return "low"
	case score < 60:
		return "medium"
	case score < 85:
		return "high"
	default:
		return "critical"
	}
}

func weightOf(table map[string]float64, key string) float64 {
	if w, ok := table[key]; ok {
		return w
	}
	return 3
}

// EvaluateCompliance derives the plan's compliance status from its
// declarations. Status is compliant only when every regulation carries a
// non-empty declaration and every audit requirement has verified evidence;
// unverified evidence downgrades to pending_review, anything missing to
// non_compliant.
func EvaluateCompliance(declarations []models.ComplianceDeclaration) (string, []models.ComplianceIssue) {
	var issues []models.ComplianceIssue
	pending := false

	for _, d := range declarations {
		if d.Declaration == "" {
			issues = append(issues, models.ComplianceIssue{
				Regulation: d.Regulation,
				Detail:     "declaration is empty",
			})
			continue
		}
		if d.AuditRequired {
			if d.Evidence == "" {
				issues = append(issues, models.ComplianceIssue{
					Regulation: d.Regulation,
					Detail:     "audit evidence is missing",
				})
			} else if !d.Verified {
				pending = true
			}
		}
	}

	if len(issues) > 0 {
		return models.ComplianceNonCompliant, issues
	}
	if pending {
		return models.CompliancePendingReview, nil
	}
	return models.ComplianceCompliant, nil
}
