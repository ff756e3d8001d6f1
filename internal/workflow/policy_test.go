package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"plans/internal/apperr"
	"plans/internal/workflow"
	"plans/models"
)

func testPolicy() workflow.ApprovalPolicy {
	return workflow.ApprovalPolicy{
		Default: []workflow.ThresholdBand{
			{Name: "department_head", Threshold: 0, Approvers: []string{"alice"}},
			{Name: "finance_director", Threshold: 50000, Approvers: []string{"frank"}},
			{Name: "board", Threshold: 500000, Approvers: []string{"brenda"}},
		},
		Departments: map[string][]workflow.ThresholdBand{
			"it": {
				{Name: "cto", Threshold: 0, Approvers: []string{"carol"}},
			},
		},
	}
}

func TestRouteSelectsBandsUpToAmount(t *testing.T) {
	levels, err := testPolicy().Route(100000, "ops", nil)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	require.Equal(t, 1, levels[0].Level)
	require.Equal(t, "department_head", levels[0].Name)
	require.Equal(t, "finance_director", levels[1].Name)
	require.Equal(t, []string{"frank"}, levels[1].Approvers)
}

func TestRouteSmallAmountSingleLevel(t *testing.T) {
	levels, err := testPolicy().Route(10000, "ops", nil)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	require.Equal(t, "department_head", levels[0].Name)
}

func TestRouteUsesDepartmentBands(t *testing.T) {
	levels, err := testPolicy().Route(1000000, "it", nil)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	require.Equal(t, "cto", levels[0].Name)
}

func TestRouteDeclaredLevelsOverride(t *testing.T) {
	declared := []models.ApprovalLevel{
		{Threshold: 0, Approvers: []string{"x"}},
		{Threshold: 1000, Approvers: []string{"y"}},
	}
	levels, err := testPolicy().Route(100, "ops", declared)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	require.Equal(t, 1, levels[0].Level)
	require.Equal(t, 2, levels[1].Level)
}

func TestRouteDeclaredLevelsMustBeOrdered(t *testing.T) {
	declared := []models.ApprovalLevel{
		{Threshold: 1000, Approvers: []string{"x"}},
		{Threshold: 0, Approvers: []string{"y"}},
	}
	_, err := testPolicy().Route(100, "ops", declared)
	require.Error(t, err)
	require.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(err))

	duplicated := []models.ApprovalLevel{
		{Threshold: 100, Approvers: []string{"x"}},
		{Threshold: 100, Approvers: []string{"y"}},
	}
	_, err = testPolicy().Route(100, "ops", duplicated)
	require.Error(t, err)
	require.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(err))
}

func TestRouteDeclaredLevelsNeedApprovers(t *testing.T) {
	declared := []models.ApprovalLevel{
		{Threshold: 0, Approvers: []string{"x"}},
		{Threshold: 1000},
	}
	_, err := testPolicy().Route(100, "ops", declared)
	require.Error(t, err)
	require.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(err))
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, testPolicy().Validate())

	noBase := workflow.ApprovalPolicy{
		Default: []workflow.ThresholdBand{
			{Name: "x", Threshold: 100, Approvers: []string{"a"}},
		},
	}
	require.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(noBase.Validate()))

	notIncreasing := workflow.ApprovalPolicy{
		Default: []workflow.ThresholdBand{
			{Name: "x", Threshold: 0, Approvers: []string{"a"}},
			{Name: "y", Threshold: 0, Approvers: []string{"b"}},
		},
	}
	require.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(notIncreasing.Validate()))

	noApprovers := workflow.ApprovalPolicy{
		Default: []workflow.ThresholdBand{
			{Name: "x", Threshold: 0},
		},
	}
	require.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(noApprovers.Validate()))

	empty := workflow.ApprovalPolicy{}
	require.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(empty.Validate()))
}
