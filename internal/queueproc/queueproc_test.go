package queueproc

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wjm/workstation-job-manager/internal/admission"
	"github.com/wjm/workstation-job-manager/internal/config"
	"github.com/wjm/workstation-job-manager/internal/lockmgr"
	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/store"
)

func TestEntryHeapOrdersByPriorityThenSubmitTime(t *testing.T) {
	now := time.Now()
	h := &entryHeap{}
	heap.Init(h)
	heap.Push(h, &model.QueueEntry{JobID: "job_001", Priority: model.PriorityLow, SubmitTime: now})
	heap.Push(h, &model.QueueEntry{JobID: "job_002", Priority: model.PriorityUrgent, SubmitTime: now.Add(time.Second)})
	heap.Push(h, &model.QueueEntry{JobID: "job_003", Priority: model.PriorityUrgent, SubmitTime: now})

	first := heap.Pop(h).(*model.QueueEntry)
	second := heap.Pop(h).(*model.QueueEntry)
	third := heap.Pop(h).(*model.QueueEntry)

	require.Equal(t, "job_003", first.JobID)
	require.Equal(t, "job_002", second.JobID)
	require.Equal(t, "job_001", third.JobID)
}

type recordingDispatcher struct {
	dispatched []*model.JobRecord
}

func (d *recordingDispatcher) Dispatch(rec *model.JobRecord) error {
	d.dispatched = append(d.dispatched, rec)
	return nil
}

func newTestProcessor(t *testing.T, cfg *config.Config, disp Dispatcher) (*Processor, *store.Store) {
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
	return &Processor{
		Config:     cfg,
		Store:      s,
		LockMgr:    lm,
		Admission:  &admission.Controller{Config: cfg, Store: s, LockMgr: lm},
		Dispatcher: disp,
	}, s
}

func TestDrainDispatchesEligibleEntryAndRemovesQueueFiles(t *testing.T) {
	cfg := config.Defaults()
	disp := &recordingDispatcher{}
	p, s := newTestProcessor(t, cfg, disp)

	entry := &model.QueueEntry{JobID: "job_001", Weight: 10, Priority: model.PriorityNormal, SubmitTime: time.Now()}
	require.NoError(t, s.WriteQueueEntry(entry, "echo hi\n"))

	require.NoError(t, p.Drain())

	require.Len(t, disp.dispatched, 1)
	require.Equal(t, "job_001", disp.dispatched[0].ID)

	ids, err := s.Layout.ListQueueEntryIDs()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestDrainBackfillsLowerPriorityWhenHigherBlockedOnWeight(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxTotalWeight = 50
	disp := &recordingDispatcher{}
	p, s := newTestProcessor(t, cfg, disp)

	high := &model.QueueEntry{JobID: "job_001", Weight: 100, Priority: model.PriorityUrgent, SubmitTime: time.Now()}
	low := &model.QueueEntry{JobID: "job_002", Weight: 20, Priority: model.PriorityLow, SubmitTime: time.Now()}
	require.NoError(t, s.WriteQueueEntry(high, "echo hi\n"))
	require.NoError(t, s.WriteQueueEntry(low, "echo hi\n"))

	require.NoError(t, p.Drain())

	require.Len(t, disp.dispatched, 1)
	require.Equal(t, "job_002", disp.dispatched[0].ID)
}

func TestDrainNoopsWhenAlreadyHeld(t *testing.T) {
	cfg := config.Defaults()
	disp := &recordingDispatcher{}
	p, _ := newTestProcessor(t, cfg, disp)

	lk, err := p.LockMgr.TryAcquire(lockmgr.QueueDrain)
	require.NoError(t, err)
	defer lk.Release(p.LockMgr)

	require.NoError(t, p.Drain())
	require.Empty(t, disp.dispatched)
}
