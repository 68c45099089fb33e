package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wjm/workstation-job-manager/internal/model"
)

func newArchiveTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	layout := Layout{
		JobDir:     filepath.Join(root, "jobs"),
		QueueDir:   filepath.Join(root, "queue"),
		ArchiveDir: filepath.Join(root, "archive"),
		LogDir:     filepath.Join(root, "logs"),
	}
	require.NoError(t, layout.EnsureDirs())
	return New(layout)
}

func TestArchiveJobsMovesDirectoryIntoNewBatch(t *testing.T) {
	s := newArchiveTestStore(t)
	require.NoError(t, s.CreateJobRecordDir("job_001"))

	moved, err := s.ArchiveJobs([]*model.JobRecord{{ID: "job_001"}}, 0)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	_, err = os.Stat(s.Layout.ArchiveJobDir(0, "job_001"))
	require.NoError(t, err)
	_, err = os.Stat(s.Layout.JobRecordDir("job_001"))
	require.True(t, os.IsNotExist(err))
}

func TestArchiveJobsRollsOldestBatchOff(t *testing.T) {
	s := newArchiveTestStore(t)

	for i := 0; i < 3; i++ {
		id := "job_00" + string(rune('1'+i))
		require.NoError(t, s.CreateJobRecordDir(id))
		_, err := s.ArchiveJobs([]*model.JobRecord{{ID: id}}, 2)
		require.NoError(t, err)
	}

	batches, err := s.Layout.ListExistingArchiveBatches()
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, []int{1, 2}, batches)
}
