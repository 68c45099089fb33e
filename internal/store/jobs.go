package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/recordio"
)

// Store is the single entry point every component uses to read and
// mutate the on-disk job tree. It has no in-memory cache: every call
// reflects the current disk state, since there is no long-running
// daemon to keep one in sync (spec §5).
type Store struct {
	Layout Layout
}

func New(l Layout) *Store { return &Store{Layout: l} }

// ReadJobRecord loads job.info for jobID. It centralizes the
// self-healing described in spec §7 *Stale*: if status is RUNNING or
// PAUSED but job.pid is absent, the record is stale and the caller
// observes a process that is no longer really running. ReadJobRecord
// itself does not rewrite the file (only WriteJobRecord and the
// dedicated SelfHeal path do); it just reports Stale via the second
// return value so every observer shares one source of truth (§9).
func (s *Store) ReadJobRecord(jobID string) (rec *model.JobRecord, stale bool, err error) {
	data, err := os.ReadFile(s.Layout.JobInfoPath(jobID))
	if err != nil {
		return nil, false, err
	}
	rec, err = recordio.DecodeJobRecord(data)
	if err != nil {
		return nil, false, fmt.Errorf("job %s: %w", jobID, err)
	}
	if rec.Status == model.StatusRunning || rec.Status == model.StatusPaused {
		if _, statErr := os.Stat(s.Layout.PIDFilePath(jobID)); os.IsNotExist(statErr) {
			stale = true
		}
	}
	return rec, stale, nil
}

// SelfHeal clears a stale pid-less RUNNING/PAUSED record: per spec §3
// invariant and §7, a record with no pid file is treated as
// terminated-unknown by the next status scan. We record this as
// FAILED with fail_reason "stale_no_pid": "stale" is not a terminal
// state name the lifecycle graph defines, so the safest terminal
// classification is FAILED with a reason noting detection, preserving
// whatever exit/timestamps already exist.
func (s *Store) SelfHeal(rec *model.JobRecord) error {
	if rec.Status != model.StatusRunning && rec.Status != model.StatusPaused {
		return nil
	}
	rec.Status = model.StatusFailed
	rec.FailReason = "stale_no_pid"
	if rec.EndTime.IsZero() {
		rec.EndTime = time.Now()
	}
	return s.WriteJobRecord(rec)
}

// WriteJobRecord commits job.info via temp+rename.
func (s *Store) WriteJobRecord(rec *model.JobRecord) error {
	fields := recordio.EncodeJobRecord(rec)
	return recordio.WriteFileAtomic(s.Layout.JobInfoPath(rec.ID), recordio.EncodeKV(fields), 0o644)
}

// CreateJobRecordDir exclusively creates the job_NNN directory; used
// by the ID Allocator as its atomic test-and-set primitive (spec
// §4.3).
func (s *Store) CreateJobRecordDir(jobID string) error {
	return recordio.CreateExclusive(s.Layout.JobRecordDir(jobID))
}

// RemoveJobRecordDir deletes a job directory outright — used when
// admission decides to queue instead of run (spec §4.6: "The record
// directory created by the ID Allocator is removed").
func (s *Store) RemoveJobRecordDir(jobID string) error {
	return os.RemoveAll(s.Layout.JobRecordDir(jobID))
}

// WriteCommandScript writes the metadata-stripped script body.
func (s *Store) WriteCommandScript(jobID, body string) error {
	return recordio.WriteFileAtomic(s.Layout.CommandScriptPath(jobID), []byte(body), 0o755)
}

func (s *Store) ReadCommandScript(jobID string) (string, error) {
	data, err := os.ReadFile(s.Layout.CommandScriptPath(jobID))
	return string(data), err
}

// WritePID records the running pid; its presence is the invariant
// that "a record has a live pid file iff status = RUNNING or PAUSED"
// (spec §3).
func (s *Store) WritePID(jobID string, pid int) error {
	return recordio.WriteFileAtomic(s.Layout.PIDFilePath(jobID), []byte(strconv.Itoa(pid)), 0o644)
}

func (s *Store) ReadPID(jobID string) (int, error) {
	data, err := os.ReadFile(s.Layout.PIDFilePath(jobID))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (s *Store) RemovePID(jobID string) error {
	err := os.Remove(s.Layout.PIDFilePath(jobID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Store) WriteExitCode(jobID string, code int) error {
	return recordio.WriteFileAtomic(s.Layout.ExitCodePath(jobID), []byte(strconv.Itoa(code)), 0o644)
}

// ListAllJobIDs enumerates every job_NNN directory that has a
// readable job.info (directories lacking one are transient allocation
// artifacts and are skipped, per the open-question resolution in
// SPEC_FULL.md §5.1).
func (s *Store) ListAllJobIDs() ([]string, error) {
	dirs, err := s.Layout.ListJobRecordDirs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range dirs {
		if _, err := os.Stat(s.Layout.JobInfoPath(d)); err == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// IsQueued reports whether jobID currently has a queue script — i.e.
// it was admitted with allow_queue and has no job record directory of
// its own yet (submitOne removes that directory when it queues).
func (s *Store) IsQueued(jobID string) bool {
	_, err := os.Stat(s.Layout.QueueScriptPath(jobID))
	return err == nil
}

// ListRunning returns every job record currently in RUNNING or PAUSED
// state, self-healing stale entries it encounters along the way.
func (s *Store) ListRunning() ([]*model.JobRecord, error) {
	ids, err := s.ListAllJobIDs()
	if err != nil {
		return nil, err
	}
	var out []*model.JobRecord
	for _, id := range ids {
		rec, stale, err := s.ReadJobRecord(id)
		if err != nil {
			continue
		}
		if stale {
			_ = s.SelfHeal(rec)
			continue
		}
		if rec.Status == model.StatusRunning || rec.Status == model.StatusPaused {
			out = append(out, rec)
		}
	}
	return out, nil
}
