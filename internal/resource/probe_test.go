package resource

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wjm/workstation-job-manager/internal/model"
)

func TestAllocatedGPUsUnionsOnlyResolvedIDs(t *testing.T) {
	running := []*model.JobRecord{
		{GPU: model.GPUSpec{Mode: model.GPUModeList, IDs: []int{0, 1}}},
		{GPU: model.GPUSpec{Mode: model.GPUModeAuto, Count: 1}},
		{GPU: model.GPUSpec{Mode: model.GPUModeList, IDs: []int{2}}},
	}
	allocated := AllocatedGPUs(running)
	require.True(t, allocated[0])
	require.True(t, allocated[1])
	require.True(t, allocated[2])
	require.Len(t, allocated, 3)
}

func TestFreeGPUsExcludesAllocated(t *testing.T) {
	all := []GPUInfo{{ID: 0}, {ID: 1}, {ID: 2}, {ID: 3}}
	allocated := map[int]bool{1: true, 3: true}
	free := FreeGPUs(all, allocated)
	require.Equal(t, []int{0, 2}, free)
}

func TestResolveAutoPicksLowestIndexedFreeIDs(t *testing.T) {
	spec := model.GPUSpec{Mode: model.GPUModeAuto, Count: 2}
	resolved, err := ResolveAuto(spec, []int{0, 2, 3})
	require.NoError(t, err)
	require.Equal(t, model.GPUModeList, resolved.Mode)
	require.Equal(t, []int{0, 2}, resolved.IDs)
}

func TestResolveAutoFailsWhenInsufficientFreeGPUs(t *testing.T) {
	spec := model.GPUSpec{Mode: model.GPUModeAuto, Count: 3}
	_, err := ResolveAuto(spec, []int{0})
	require.ErrorIs(t, err, ErrInsufficientGPUs)
}

func TestResolveAutoPassesThroughNonAutoSpecs(t *testing.T) {
	spec := model.GPUSpec{Mode: model.GPUModeList, IDs: []int{5}}
	resolved, err := ResolveAuto(spec, []int{0, 1})
	require.NoError(t, err)
	require.Equal(t, spec, resolved)
}
