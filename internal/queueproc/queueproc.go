// Package queueproc implements the Queue Processor (spec §4.7): a
// non-blocking drain pass that orders queue entries by priority using
// a container/heap, then re-validates each against the Admission
// Controller, backfilling lower-priority entries the higher-priority
// ones don't block.
package queueproc

import (
	"container/heap"
	"time"

	"github.com/wjm/workstation-job-manager/internal/admission"
	"github.com/wjm/workstation-job-manager/internal/config"
	"github.com/wjm/workstation-job-manager/internal/lockmgr"
	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/store"
)

// markerMaxAge is how long a `.run.processed` marker survives before
// cleanup (spec §4.7 step 2).
const markerMaxAge = 24 * time.Hour

// entryHeap orders queue entries by priority descending; ties break
// by submit time ascending so filesystem/submission order is
// preserved within a priority band (spec §4.7 step 5).
type entryHeap []*model.QueueEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].SubmitTime.Before(h[j].SubmitTime)
}
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*model.QueueEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Dispatcher starts an admitted job; implemented by internal/supervisor.
type Dispatcher interface {
	Dispatch(rec *model.JobRecord) error
}

// Processor runs drain passes.
type Processor struct {
	Config     *config.Config
	Store      *store.Store
	LockMgr    *lockmgr.Manager
	Admission  *admission.Controller
	Dispatcher Dispatcher
}

// Drain runs one pass of the algorithm in spec §4.7. It returns
// immediately (no error) if QueueDrain is already held elsewhere —
// drains are best-effort and a concurrent one simply no-ops.
func (p *Processor) Drain() error {
	lk, err := p.LockMgr.TryAcquire(lockmgr.QueueDrain)
	if err != nil {
		if err == lockmgr.ErrWouldBlock {
			return nil
		}
		return err
	}
	defer lk.Release(p.LockMgr)

	if err := p.Store.CleanStaleProcessedMarkers(markerMaxAge); err != nil {
		return err
	}

	snap, err := admission.Snapshotter(p.Store)
	if err != nil {
		return err
	}
	if p.Config.MaxConcurrentJobs > 0 && snap.RunningCount >= p.Config.MaxConcurrentJobs {
		return nil
	}

	ids, err := p.Store.Layout.ListQueueEntryIDs()
	if err != nil {
		return err
	}

	h := &entryHeap{}
	heap.Init(h)
	for _, id := range ids {
		e, err := p.Store.ReadQueueEntry(id)
		if err != nil {
			continue
		}
		heap.Push(h, e)
	}

	for h.Len() > 0 {
		e := heap.Pop(h).(*model.QueueEntry)

		cand := admission.Candidate{Weight: e.Weight, GPU: e.GPU, Dependencies: e.Dependencies}
		decision := admission.Evaluate(p.Config, snap, cand)
		if !decision.Admit {
			continue // backfill: try the next, lower-priority entry
		}

		if err := p.dispatchFromQueue(e, decision); err != nil {
			return err
		}

		// Step 7: re-read running_count/running_weight after each
		// dispatch and stop the pass once capacity is exhausted.
		snap, err = admission.Snapshotter(p.Store)
		if err != nil {
			return err
		}
		if p.Config.MaxConcurrentJobs > 0 && snap.RunningCount >= p.Config.MaxConcurrentJobs {
			return nil
		}
	}
	return nil
}

func (p *Processor) dispatchFromQueue(e *model.QueueEntry, decision admission.Decision) error {
	body, err := p.Store.ReadQueueScript(e.JobID)
	if err != nil {
		return err
	}
	if err := p.Store.CreateJobRecordDir(e.JobID); err != nil {
		return err
	}
	rec := &model.JobRecord{
		ID:           e.JobID,
		Name:         e.Name,
		Weight:       e.Weight,
		GPU:          decision.ResolvedGPU,
		Priority:     e.Priority,
		Dependencies: e.Dependencies,
		SubmitTime:   e.SubmitTime,
		QueueTime:    e.SubmitTime,
		Status:       model.StatusQueued,
	}
	if err := p.Store.WriteCommandScript(e.JobID, body); err != nil {
		return err
	}
	if err := p.Dispatcher.Dispatch(rec); err != nil {
		return err
	}
	return p.Store.RemoveQueueEntry(e.JobID)
}
