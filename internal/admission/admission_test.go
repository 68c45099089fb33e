package admission

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wjm/workstation-job-manager/internal/config"
	"github.com/wjm/workstation-job-manager/internal/model"
)

func TestEvaluateRefusesAtConcurrentJobLimit(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxConcurrentJobs = 2
	snap := Snapshot{RunningCount: 2}
	d := Evaluate(cfg, snap, Candidate{Weight: 10})
	require.False(t, d.Admit)
	require.Contains(t, d.Reason, "concurrent")
}

func TestEvaluateRefusesWhenWeightWouldExceedTotal(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxTotalWeight = 100
	snap := Snapshot{RunningWeight: 80}
	d := Evaluate(cfg, snap, Candidate{Weight: 40})
	require.False(t, d.Admit)
}

func TestEvaluateAdmitsWithinWeightBudget(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxTotalWeight = 100
	snap := Snapshot{RunningWeight: 40}
	d := Evaluate(cfg, snap, Candidate{Weight: 40})
	require.True(t, d.Admit)
}

func TestEvaluateRefusesOnGPUOverlap(t *testing.T) {
	cfg := config.Defaults()
	snap := Snapshot{Allocated: map[int]bool{0: true}}
	cand := Candidate{GPU: model.GPUSpec{Mode: model.GPUModeList, IDs: []int{0}}}
	d := Evaluate(cfg, snap, cand)
	require.False(t, d.Admit)
}

func TestEvaluateResolvesAutoGPU(t *testing.T) {
	cfg := config.Defaults()
	snap := Snapshot{FreeGPUs: []int{1, 2}}
	cand := Candidate{GPU: model.GPUSpec{Mode: model.GPUModeAuto, Count: 1}}
	d := Evaluate(cfg, snap, cand)
	require.True(t, d.Admit)
	require.Equal(t, []int{1}, d.ResolvedGPU.IDs)
}

func TestEvaluateRefusesOnIncompleteDependency(t *testing.T) {
	cfg := config.Defaults()
	snap := Snapshot{Completed: map[string]bool{"job_001": true}}
	cand := Candidate{Dependencies: []string{"job_002"}}
	d := Evaluate(cfg, snap, cand)
	require.False(t, d.Admit)
}

func TestEvaluateAdmitsWhenUnlimited(t *testing.T) {
	cfg := config.Defaults()
	d := Evaluate(cfg, Snapshot{RunningCount: 500}, Candidate{Weight: 1})
	require.True(t, d.Admit)
}
