// Package procctl wraps a single child process the way the Job
// Supervisor needs (spec §4.8): its own process group, an optional
// memory ulimit set in the shell before the body runs, optional CPU
// affinity applied to the child right after it starts (best-effort),
// a timed SIGTERM then SIGKILL escalation, and group-wide signal
// delivery for pause/resume/kill.
package procctl

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wjm/workstation-job-manager/internal/model"
)

// sigkillGrace is the interval between SIGTERM and the follow-up
// SIGKILL once a timeout fires (spec §4.8 / S3: "2s SIGTERM + 10s
// SIGKILL grace").
const sigkillGrace = 10 * time.Second

// ExitOutcome classifies how the process ended.
type ExitOutcome struct {
	ExitCode   int
	TimedOut   bool
	Signaled   bool
	Signal     syscall.Signal
}

// Spec describes one invocation of a wrapped command.
type Spec struct {
	Command string // shell command, executed via "sh -c"
	Dir     string
	Env     []string
	CPU     model.CPUSpec
	Memory  model.MemorySpec
	Timeout time.Duration // zero means no timeout
}

// Handle is a running or finished wrapped child.
type Handle struct {
	cmd     *exec.Cmd
	mu      sync.Mutex
	timedOut bool
}

// Start launches the command in its own process group (so pause/
// resume/kill can signal the whole group, not just the leader pid) and
// arranges the CPU affinity, memory ulimit and timeout escalation
// described in spec §4.8 step 3.
func Start(spec Spec) (*Handle, error) {
	body := spec.Command
	if spec.Memory.Set {
		// ulimit must take effect before exec, which rules out
		// applying it to the process after Start: splice it into the
		// same shell invocation instead, ahead of the real command.
		limitKB, err := memoryLimitKB(spec.Memory)
		if err != nil {
			return nil, err
		}
		body = fmt.Sprintf("ulimit -v %d; exec %s", limitKB, spec.Command)
	}

	cmd := exec.Command("sh", "-c", body)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procctl: starting command: %w", err)
	}

	h := &Handle{cmd: cmd}

	if spec.CPU.Set {
		if err := applyAffinity(cmd.Process.Pid, spec.CPU); err != nil {
			// best-effort: a lost race with the child's own exec is
			// the only expected failure mode here.
			_ = err
		}
	}
	if spec.Timeout > 0 {
		go h.enforceTimeout(spec.Timeout)
	}
	return h, nil
}

// memoryLimitKB converts a MemorySpec to the KB value ulimit -v
// expects. Percent specs must already be resolved to bytes by the
// caller (the Resource Probe knows total system memory; this package
// does not).
func memoryLimitKB(mem model.MemorySpec) (int64, error) {
	if mem.IsPercent {
		return 0, fmt.Errorf("procctl: percent memory limits must be resolved to bytes before Start")
	}
	return mem.Bytes / 1024, nil
}

// PID is the process-group leader's pid.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Wait blocks for the child to exit and classifies the outcome,
// recognizing exit codes 124/137 and the timedOut flag set by a prior
// escalation as timeout outcomes (spec §4.8: "Exit codes 124 ...and
// 137... are recognized as timeout outcomes").
func (h *Handle) Wait() ExitOutcome {
	err := h.cmd.Wait()
	outcome := ExitOutcome{}
	if err == nil {
		outcome.ExitCode = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				outcome.Signaled = true
				outcome.Signal = status.Signal()
				outcome.ExitCode = 128 + int(status.Signal())
			} else {
				outcome.ExitCode = status.ExitStatus()
			}
		} else {
			outcome.ExitCode = 1
		}
	} else {
		outcome.ExitCode = 1
	}

	h.mu.Lock()
	timedOut := h.timedOut
	h.mu.Unlock()
	if timedOut || outcome.ExitCode == 124 || outcome.ExitCode == 137 {
		outcome.TimedOut = true
	}
	return outcome
}

// enforceTimeout sends SIGTERM to the process group at the timeout
// deadline and SIGKILL sigkillGrace later if it hasn't exited.
func (h *Handle) enforceTimeout(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	<-timer.C

	h.mu.Lock()
	h.timedOut = true
	h.mu.Unlock()

	pgid := h.PID()
	_ = Signal(pgid, syscall.SIGTERM)

	killTimer := time.NewTimer(sigkillGrace)
	defer killTimer.Stop()
	<-killTimer.C
	_ = Signal(pgid, syscall.SIGKILL)
}

// Signal delivers sig to the process group led by pid, falling back
// to the single pid if group delivery fails (spec §4.8: "sends ...
// to the child's process group (falling back to the single pid)").
func Signal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// Pause sends SIGSTOP to the group (spec §4.8 Pause/Resume).
func Pause(pid int) error { return Signal(pid, syscall.SIGSTOP) }

// Resume sends SIGCONT to the group.
func Resume(pid int) error { return Signal(pid, syscall.SIGCONT) }

// applyAffinity restricts pid to the requested core set using
// SchedSetaffinity; a bare count is expanded to cores 0..count-1
// (spec §4.8: "range 0..count-1 if a bare count was given").
func applyAffinity(pid int, cpu model.CPUSpec) error {
	ids := cpu.IDs
	if len(ids) == 0 && cpu.Count > 0 {
		ids = make([]int, cpu.Count)
		for i := range ids {
			ids[i] = i
		}
	}
	var set unix.CPUSet
	set.Zero()
	for _, id := range ids {
		set.Set(id)
	}
	return unix.SchedSetaffinity(pid, &set)
}
