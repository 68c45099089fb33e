package supervisor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	root := t.TempDir()
	layout := store.Layout{
		JobDir:     root + "/jobs",
		QueueDir:   root + "/queue",
		ArchiveDir: root + "/archive",
		LogDir:     root + "/logs",
	}
	require.NoError(t, layout.EnsureDirs())
	return store.New(layout)
}

func waitForTerminal(t *testing.T, s *store.Store, jobID string) *model.JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, _, err := s.ReadJobRecord(jobID)
		require.NoError(t, err)
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func TestDispatchCompletesSuccessfulJob(t *testing.T) {
	s := newTestStore(t)
	sup := &Supervisor{Store: s, Log: zerolog.Nop()}

	require.NoError(t, s.CreateJobRecordDir("job_001"))
	require.NoError(t, s.WriteCommandScript("job_001", "true\n"))
	rec := &model.JobRecord{ID: "job_001", Status: model.StatusQueued}
	require.NoError(t, sup.Dispatch(rec))

	final := waitForTerminal(t, s, "job_001")
	require.Equal(t, model.StatusCompleted, final.Status)
	require.Equal(t, 0, final.ExitCode)
}

func TestDispatchRetriesOnMatchingExitCode(t *testing.T) {
	s := newTestStore(t)
	sup := &Supervisor{Store: s, Log: zerolog.Nop()}

	require.NoError(t, s.CreateJobRecordDir("job_002"))
	require.NoError(t, s.WriteCommandScript("job_002", "exit 7\n"))
	rec := &model.JobRecord{
		ID:     "job_002",
		Status: model.StatusQueued,
		Retry: model.RetryPolicy{
			Max:        2,
			DelaySecs:  0,
			ExitCodes:  map[int]struct{}{7: {}},
		},
	}
	require.NoError(t, sup.Dispatch(rec))

	final := waitForTerminal(t, s, "job_002")
	require.Equal(t, model.StatusFailed, final.Status)
	require.Equal(t, 2, final.RetryCount)
	require.Equal(t, model.FailReasonNonZeroExit, final.FailReason)
}

func TestDispatchFailsPreHookWithoutRunningBody(t *testing.T) {
	s := newTestStore(t)
	sup := &Supervisor{Store: s, Log: zerolog.Nop()}

	require.NoError(t, s.CreateJobRecordDir("job_003"))
	require.NoError(t, s.WriteCommandScript("job_003", "true\n"))
	rec := &model.JobRecord{
		ID:     "job_003",
		Status: model.StatusQueued,
		Hooks:  model.Hooks{Pre: "exit 1"},
	}
	require.NoError(t, sup.Dispatch(rec))

	final, _, err := s.ReadJobRecord("job_003")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, final.Status)
	require.Equal(t, model.FailReasonPreHookFailed, final.FailReason)
}

func TestPauseRejectsNonRunningJob(t *testing.T) {
	s := newTestStore(t)
	sup := &Supervisor{Store: s, Log: zerolog.Nop()}

	require.NoError(t, s.CreateJobRecordDir("job_004"))
	rec := &model.JobRecord{ID: "job_004", Status: model.StatusQueued}
	require.NoError(t, s.WriteJobRecord(rec))

	err := sup.Pause("job_004")
	require.Error(t, err)
}

func TestKillRunningJobFinalizesKilledNotRetried(t *testing.T) {
	s := newTestStore(t)
	sup := &Supervisor{Store: s, Log: zerolog.Nop()}

	require.NoError(t, s.CreateJobRecordDir("job_005"))
	require.NoError(t, s.WriteCommandScript("job_005", "trap 'exit 0' TERM; sleep 5\n"))
	rec := &model.JobRecord{
		ID:     "job_005",
		Status: model.StatusQueued,
		Retry:  model.RetryPolicy{Max: 5, DelaySecs: 0},
	}
	require.NoError(t, sup.Dispatch(rec))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.ReadPID("job_005"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, sup.Kill("job_005"))

	final := waitForTerminal(t, s, "job_005")
	require.Equal(t, model.StatusKilled, final.Status)
	require.Equal(t, 0, final.RetryCount)
}

func TestKillQueuedJobRemovesQueueEntry(t *testing.T) {
	s := newTestStore(t)
	sup := &Supervisor{Store: s, Log: zerolog.Nop()}

	entry := &model.QueueEntry{JobID: "job_006", Name: "queued"}
	require.NoError(t, s.WriteQueueEntry(entry, "true\n"))
	require.True(t, s.IsQueued("job_006"))

	require.NoError(t, sup.Kill("job_006"))
	require.False(t, s.IsQueued("job_006"))
}

func TestParseSignalAcceptsNameAndNumber(t *testing.T) {
	sig, err := parseSignal("KILL")
	require.NoError(t, err)
	require.Equal(t, "killed", sig.String())

	sig, err = parseSignal("9")
	require.NoError(t, err)
	require.Equal(t, "killed", sig.String())

	_, err = parseSignal("NOTASIGNAL")
	require.Error(t, err)
}
