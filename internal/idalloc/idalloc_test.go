package idalloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wjm/workstation-job-manager/internal/lockmgr"
	"github.com/wjm/workstation-job-manager/internal/store"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	root := t.TempDir()
	layout := store.Layout{
		JobDir:     root + "/jobs",
		QueueDir:   root + "/queue",
		ArchiveDir: root + "/archive",
		LogDir:     root + "/logs",
	}
	require.NoError(t, layout.EnsureDirs())
	s := store.New(layout)
	lm := lockmgr.New(layout.StateDir())
	return New(s, lm)
}

func TestAllocateIsGapFreeAndSequential(t *testing.T) {
	a := newTestAllocator(t)
	first, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, "job_001", first)

	second, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, "job_002", second)
}

func TestAllocateFillsGapAfterRemoval(t *testing.T) {
	a := newTestAllocator(t)
	first, err := a.Allocate()
	require.NoError(t, err)
	require.NoError(t, a.store.RemoveJobRecordDir(first))

	second, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, "job_001", second)
}

func TestAllocateConcurrentIsUnique(t *testing.T) {
	a := newTestAllocator(t)
	const n = 20
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = a.Allocate()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.False(t, seen[ids[i]], "duplicate id allocated: %s", ids[i])
		seen[ids[i]] = true
	}
}
