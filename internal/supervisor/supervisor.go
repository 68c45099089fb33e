// Package supervisor implements the Job Supervisor protocol (spec
// §4.8): setup, pre-hook, body wrapping, retry loop, finalize, and the
// pause/resume/kill/signal primitives the Command Surface calls into.
// It is the runtime every RUNNING job is wrapped in, generalized from
// the teacher's worker retry/backoff loop to the full hook/timeout/
// CPU-affinity/GPU-env protocol.
package supervisor

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/procctl"
	"github.com/wjm/workstation-job-manager/internal/store"
)

// Drainer is invoked once a job finishes, to free queued capacity
// (spec §4.8 step 5: "Invoke Queue Processor to drain the freed
// capacity"). Implemented by internal/queueproc.Processor.
type Drainer interface {
	Drain() error
}

// Supervisor runs one job's full lifecycle.
type Supervisor struct {
	Store   *store.Store
	Log     zerolog.Logger
	Drainer Drainer

	mu            sync.Mutex
	killRequested map[string]bool
}

// markKillRequested flags jobID so runBodyWithRetry finalizes it as
// KILLED on its current attempt's exit instead of entering the retry
// loop or finalizing FAILED (spec §4.8 Kill: escalation/retry must not
// follow a kill).
func (s *Supervisor) markKillRequested(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killRequested == nil {
		s.killRequested = make(map[string]bool)
	}
	s.killRequested[jobID] = true
}

// consumeKillRequested reports and clears whether jobID was killed
// while its current attempt was running.
func (s *Supervisor) consumeKillRequested(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.killRequested[jobID] {
		return false
	}
	delete(s.killRequested, jobID)
	return true
}

// Dispatch starts rec's body in a detached goroutine and returns once
// the process is confirmed RUNNING with its pid persisted (spec §5:
// "becomes externally observable as RUNNING only after its pid file
// exists"). The goroutine continues the hook/retry/finalize protocol
// after Dispatch returns, so the caller (Admission Controller or
// Queue Processor) can release Scheduler promptly.
func (s *Supervisor) Dispatch(rec *model.JobRecord) error {
	rec.Status = model.StatusRunning
	rec.StartTime = time.Now()
	if err := s.Store.WriteJobRecord(rec); err != nil {
		return err
	}

	if rec.Hooks.Pre != "" {
		if err := s.runHookSync(rec, "pre", rec.Hooks.Pre); err != nil {
			rec.Status = model.StatusFailed
			rec.FailReason = model.FailReasonPreHookFailed
			rec.EndTime = time.Now()
			if werr := s.Store.WriteJobRecord(rec); werr != nil {
				return werr
			}
			s.runHookBestEffort(rec, "post", rec.Hooks.Post)
			s.drain()
			return nil
		}
	}

	body, err := s.Store.ReadCommandScript(rec.ID)
	if err != nil {
		return err
	}

	go s.runBodyWithRetry(rec, body)
	return nil
}

func (s *Supervisor) runBodyWithRetry(rec *model.JobRecord, body string) {
	for {
		outcome := s.runOnce(rec, body)

		if err := s.Store.WritePID(rec.ID, 0); err != nil {
			s.Log.Warn().Err(err).Str("job", rec.ID).Msg("clearing pid file after attempt")
		}

		if s.consumeKillRequested(rec.ID) {
			s.finalize(rec, outcome, model.StatusKilled, model.FailReasonNone)
			return
		}

		if outcome.ExitCode == 0 {
			s.finalize(rec, outcome, model.StatusCompleted, model.FailReasonNone)
			return
		}

		reason := model.FailReasonNonZeroExit
		if outcome.TimedOut {
			reason = model.FailReasonTimeout
		}

		if rec.RetryCount < rec.Retry.Max && rec.Retry.Matches(outcome.ExitCode) {
			rec.RetryCount++
			if err := s.Store.WriteJobRecord(rec); err != nil {
				s.Log.Warn().Err(err).Str("job", rec.ID).Msg("persisting retry count")
			}
			s.Log.Info().Str("job", rec.ID).Int("attempt", rec.RetryCount).Msg("retrying job")
			time.Sleep(time.Duration(rec.Retry.DelaySecs) * time.Second)
			continue
		}

		s.finalize(rec, outcome, model.StatusFailed, reason)
		return
	}
}

// runOnce executes the job body exactly once, with CPU affinity,
// memory limit and timeout applied per spec §4.8 step 3, and
// CUDA_VISIBLE_DEVICES exported from the resolved GPU spec.
func (s *Supervisor) runOnce(rec *model.JobRecord, body string) procctl.ExitOutcome {
	env := append([]string{}, gpuEnv(rec.GPU)...)
	env = append(env, arrayEnv(rec)...)

	h, err := procctl.Start(procctl.Spec{
		Command: body,
		CPU:     rec.CPU,
		Memory:  rec.Memory,
		Timeout: rec.Timeout,
		Env:     append(envDefaults(), env...),
	})
	if err != nil {
		return procctl.ExitOutcome{ExitCode: 1}
	}
	if err := s.Store.WritePID(rec.ID, h.PID()); err != nil {
		s.Log.Warn().Err(err).Str("job", rec.ID).Msg("writing pid")
	}
	return h.Wait()
}

func envDefaults() []string { return nil }

func gpuEnv(gpu model.GPUSpec) []string {
	if gpu.Mode != model.GPUModeList || len(gpu.IDs) == 0 {
		return nil
	}
	ids := make([]string, len(gpu.IDs))
	for i, id := range gpu.IDs {
		ids[i] = strconv.Itoa(id)
	}
	return []string{"CUDA_VISIBLE_DEVICES=" + strings.Join(ids, ",")}
}

func arrayEnv(rec *model.JobRecord) []string {
	if rec.Unknown == nil {
		return nil
	}
	var env []string
	if v, ok := rec.Unknown["WJM_ARRAY_INDEX"]; ok {
		env = append(env, "WJM_ARRAY_INDEX="+v)
	}
	if v, ok := rec.Unknown["WJM_ARRAY_ID"]; ok {
		env = append(env, "WJM_ARRAY_ID="+v)
	}
	if v, ok := rec.Unknown["WJM_ARRAY_SIZE"]; ok {
		env = append(env, "WJM_ARRAY_SIZE="+v)
	}
	return env
}

func (s *Supervisor) finalize(rec *model.JobRecord, outcome procctl.ExitOutcome, status model.Status, reason model.FailReason) {
	rec.EndTime = time.Now()
	rec.ExitCode = outcome.ExitCode
	rec.HasExitCode = true
	rec.Status = status
	rec.FailReason = reason

	if err := s.Store.WriteExitCode(rec.ID, outcome.ExitCode); err != nil {
		s.Log.Warn().Err(err).Str("job", rec.ID).Msg("writing exit code")
	}

	if status == model.StatusCompleted && rec.Hooks.OnSuccess != "" {
		s.runHookBestEffort(rec, "on_success", rec.Hooks.OnSuccess)
	}
	if status == model.StatusFailed && rec.Hooks.OnFail != "" {
		s.runHookBestEffort(rec, "on_fail", rec.Hooks.OnFail)
	}
	if rec.Hooks.Post != "" {
		s.runHookBestEffort(rec, "post", rec.Hooks.Post)
	}

	if err := s.Store.WriteJobRecord(rec); err != nil {
		s.Log.Error().Err(err).Str("job", rec.ID).Msg("writing final record")
	}
	if err := s.Store.RemovePID(rec.ID); err != nil {
		s.Log.Warn().Err(err).Str("job", rec.ID).Msg("removing pid file")
	}

	s.drain()
}

func (s *Supervisor) drain() {
	if s.Drainer == nil {
		return
	}
	if err := s.Drainer.Drain(); err != nil {
		s.Log.Warn().Err(err).Msg("post-completion drain failed")
	}
}

func (s *Supervisor) runHookSync(rec *model.JobRecord, kind, script string) error {
	cmd := exec.Command("sh", "-c", script)
	cmd.Env = append(cmd.Env, "WJM_JOB_ID="+rec.ID, "WJM_HOOK_TYPE="+kind)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("supervisor: %s hook: %w", kind, err)
	}
	return nil
}

// runHookBestEffort runs post/on_success/on_fail hooks: their
// failures warn-only (spec §7: "post/success/fail hooks are
// best-effort").
func (s *Supervisor) runHookBestEffort(rec *model.JobRecord, kind, script string) {
	if err := s.runHookSync(rec, kind, script); err != nil {
		s.Log.Warn().Err(err).Str("job", rec.ID).Str("hook", kind).Msg("hook failed")
	}
}

// Pause sends SIGSTOP to the job's process group and flips status to
// PAUSED (spec §4.8 Pause/Resume).
func (s *Supervisor) Pause(jobID string) error {
	rec, _, err := s.Store.ReadJobRecord(jobID)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusRunning {
		return fmt.Errorf("supervisor: job %s is not RUNNING", jobID)
	}
	pid, err := s.Store.ReadPID(jobID)
	if err != nil {
		return err
	}
	if err := procctl.Pause(pid); err != nil {
		return err
	}
	rec.Status = model.StatusPaused
	return s.Store.WriteJobRecord(rec)
}

// Resume sends SIGCONT and flips status back to RUNNING.
func (s *Supervisor) Resume(jobID string) error {
	rec, _, err := s.Store.ReadJobRecord(jobID)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusPaused {
		return fmt.Errorf("supervisor: job %s is not PAUSED", jobID)
	}
	pid, err := s.Store.ReadPID(jobID)
	if err != nil {
		return err
	}
	if err := procctl.Resume(pid); err != nil {
		return err
	}
	rec.Status = model.StatusRunning
	return s.Store.WriteJobRecord(rec)
}

// Kill sends SIGTERM to the job's process group, or, for a job that is
// still QUEUED, removes its queue entry and sidecars outright (spec
// §4.8 Kill: "Writes status=KILLED, end_time, removes pid file. Owning
// queue entries with matching id are removed (sidecars too)").
// Escalation to SIGKILL is not automatic here — only the timeout
// facility auto-escalates (spec §5). The terminal KILLED write for a
// RUNNING/PAUSED job happens in runBodyWithRetry once the signaled
// process exits, so it never gets retried or finalized FAILED.
func (s *Supervisor) Kill(jobID string) error {
	rec, _, err := s.Store.ReadJobRecord(jobID)
	if err != nil {
		if s.Store.IsQueued(jobID) {
			return s.killQueued(jobID)
		}
		return err
	}

	switch rec.Status {
	case model.StatusRunning, model.StatusPaused:
		s.markKillRequested(jobID)
		pid, err := s.Store.ReadPID(jobID)
		if err != nil {
			return err
		}
		return procctl.Signal(pid, signalTERM)
	case model.StatusQueued:
		return s.killQueued(jobID)
	default:
		return fmt.Errorf("supervisor: job %s is not killable (status %s)", jobID, rec.Status)
	}
}

// killQueued removes a queued job's entry/sidecars and records it
// KILLED without ever having a pid to signal.
func (s *Supervisor) killQueued(jobID string) error {
	if err := s.Store.RemoveQueueEntry(jobID); err != nil {
		return err
	}
	rec, _, err := s.Store.ReadJobRecord(jobID)
	if err != nil {
		return nil
	}
	rec.Status = model.StatusKilled
	rec.EndTime = time.Now()
	return s.Store.WriteJobRecord(rec)
}

// Signal delivers an arbitrary named signal to the job's process
// group, reserving SIGSTOP/SIGCONT for the dedicated Pause/Resume
// paths so ad-hoc `signal` calls can't desync the status field.
func (s *Supervisor) Signal(jobID string, sig string) error {
	if sig == "STOP" || sig == "CONT" || sig == "SIGSTOP" || sig == "SIGCONT" {
		return fmt.Errorf("supervisor: use pause/resume for SIGSTOP/SIGCONT")
	}
	pid, err := s.Store.ReadPID(jobID)
	if err != nil {
		return err
	}
	num, err := parseSignal(sig)
	if err != nil {
		return err
	}
	if num == syscall.SIGSTOP || num == syscall.SIGCONT {
		return fmt.Errorf("supervisor: use pause/resume for SIGSTOP/SIGCONT")
	}
	return procctl.Signal(pid, num)
}
