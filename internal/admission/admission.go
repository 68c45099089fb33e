// Package admission implements the Admission Controller (spec §4.6):
// the capacity/weight/GPU/dependency eligibility test, and the
// claim-then-verify-then-commit-or-roll-back contract around it.
package admission

import (
	"time"

	"github.com/wjm/workstation-job-manager/internal/config"
	"github.com/wjm/workstation-job-manager/internal/lockmgr"
	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/resource"
	"github.com/wjm/workstation-job-manager/internal/store"
)

// Candidate is what the controller decides admission for: either a
// fresh submission or a requeued entry.
type Candidate struct {
	Weight       int
	GPU          model.GPUSpec
	Dependencies []string
}

// Snapshot is the running-state view the decision is made against.
type Snapshot struct {
	RunningCount  int
	RunningWeight int
	Allocated     map[int]bool
	FreeGPUs      []int
	Completed     map[string]bool // job_id -> is COMPLETED
}

// Decision is the result of Evaluate.
type Decision struct {
	Admit       bool
	Reason      string // populated when !Admit, human readable (queue_reason)
	ResolvedGPU model.GPUSpec
}

// Evaluate runs the four eligibility checks from spec §4.6 in the
// order concurrency, weight, dependencies, GPUs, returning the first
// violated reason when refused.
func Evaluate(cfg *config.Config, snap Snapshot, c Candidate) Decision {
	if cfg.MaxConcurrentJobs > 0 && snap.RunningCount >= cfg.MaxConcurrentJobs {
		return Decision{Reason: "max concurrent jobs reached"}
	}
	if cfg.MaxTotalWeight > 0 && snap.RunningWeight+c.Weight > cfg.MaxTotalWeight {
		return Decision{Reason: "insufficient weight headroom"}
	}
	for _, dep := range c.Dependencies {
		if !snap.Completed[dep] {
			return Decision{Reason: "dependency " + dep + " not completed"}
		}
	}

	resolved := c.GPU
	switch c.GPU.Mode {
	case model.GPUModeList:
		for _, id := range c.GPU.IDs {
			if snap.Allocated[id] {
				return Decision{Reason: "requested GPU already allocated"}
			}
		}
	case model.GPUModeAuto:
		r, err := resource.ResolveAuto(c.GPU, snap.FreeGPUs)
		if err != nil {
			return Decision{Reason: "insufficient free GPUs for auto request"}
		}
		resolved = r
	}

	return Decision{Admit: true, ResolvedGPU: resolved}
}

// Snapshotter builds a Snapshot from live store state; separated from
// Evaluate so the pure decision logic stays trivially testable without
// a filesystem.
func Snapshotter(s *store.Store) (Snapshot, error) {
	running, err := s.ListRunning()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Allocated: resource.AllocatedGPUs(running), Completed: map[string]bool{}}
	for _, r := range running {
		snap.RunningCount++
		snap.RunningWeight += r.Weight
	}
	ids, err := s.ListAllJobIDs()
	if err != nil {
		return Snapshot{}, err
	}
	for _, id := range ids {
		rec, stale, err := s.ReadJobRecord(id)
		if err != nil || stale {
			continue
		}
		if rec.Status == model.StatusCompleted {
			snap.Completed[id] = true
		}
	}
	return snap, nil
}

// Controller owns the lock discipline around Evaluate + commit/queue.
type Controller struct {
	Config  *config.Config
	Store   *store.Store
	LockMgr *lockmgr.Manager
}

// Admit runs the full decision-plus-dispatch critical section (spec
// §4.6). When fromQueue is true the caller already holds Scheduler
// (it is mid-drain) and reacquisition is skipped to avoid deadlock.
// onAdmit is invoked while still holding Scheduler to perform the
// actual dispatch (Supervisor start); onRefuse records the queue
// entry. Both run under the same lock as the decision so the
// candidate's resource commitment is atomic with the decision.
func (c *Controller) Admit(cand Candidate, fromQueue bool, onAdmit func(Decision) error, onRefuse func(Decision) error) error {
	if !fromQueue {
		lk, err := c.LockMgr.Acquire(lockmgr.Scheduler, 30*time.Second)
		if err != nil {
			return err
		}
		defer lk.Release(c.LockMgr)
	}

	snap, err := Snapshotter(c.Store)
	if err != nil {
		return err
	}
	decision := Evaluate(c.Config, snap, cand)
	if decision.Admit {
		return onAdmit(decision)
	}
	return onRefuse(decision)
}
