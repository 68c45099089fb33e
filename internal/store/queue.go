package store

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/recordio"
)

const (
	sidecarWeight       = "weight"
	sidecarGPU          = "gpu"
	sidecarPriority     = "priority"
	sidecarDependencies = "depends"
	sidecarSubmitTime   = "submit_time"
	sidecarName         = "name"
	sidecarReason       = "reason"
)

// WriteQueueEntry persists the queue script plus its sidecar files
// (spec §4.6: "writes a queue entry plus sidecars"). The script body
// has already had its directive header stripped by the caller.
func (s *Store) WriteQueueEntry(e *model.QueueEntry, scriptBody string) error {
	l := s.Layout
	if err := recordio.WriteFileAtomic(l.QueueScriptPath(e.JobID), []byte(scriptBody), 0o755); err != nil {
		return err
	}
	sidecars := map[string]string{
		sidecarWeight:       strconv.Itoa(e.Weight),
		sidecarGPU:          recordio.EncodeGPUSpec(e.GPU),
		sidecarPriority:     strconv.Itoa(int(e.Priority)),
		sidecarDependencies: strings.Join(e.Dependencies, ","),
		sidecarSubmitTime:   e.SubmitTime.Format(time.RFC3339Nano),
		sidecarName:         e.Name,
		sidecarReason:       e.QueueReason,
	}
	for attr, val := range sidecars {
		if err := recordio.WriteFileAtomic(l.SidecarPath(e.JobID, attr), []byte(val), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// ReadQueueEntry reconstructs a QueueEntry from its script + sidecars.
func (s *Store) ReadQueueEntry(jobID string) (*model.QueueEntry, error) {
	e := &model.QueueEntry{JobID: jobID}

	if v, err := s.readSidecar(jobID, sidecarWeight); err == nil {
		e.Weight, _ = strconv.Atoi(v)
	}
	if v, err := s.readSidecar(jobID, sidecarGPU); err == nil {
		gpu, err := recordio.ParseGPUSpec(v)
		if err == nil {
			e.GPU = gpu
		}
	}
	if v, err := s.readSidecar(jobID, sidecarPriority); err == nil {
		n, _ := strconv.Atoi(v)
		e.Priority = model.Priority(n)
	}
	if v, err := s.readSidecar(jobID, sidecarDependencies); err == nil && v != "" {
		e.Dependencies = strings.Split(v, ",")
	}
	if v, err := s.readSidecar(jobID, sidecarSubmitTime); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.SubmitTime = t
		}
	}
	if v, err := s.readSidecar(jobID, sidecarName); err == nil {
		e.Name = v
	}
	if v, err := s.readSidecar(jobID, sidecarReason); err == nil {
		e.QueueReason = v
	}
	return e, nil
}

func (s *Store) readSidecar(jobID, attr string) (string, error) {
	data, err := os.ReadFile(s.Layout.SidecarPath(jobID, attr))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadQueueScript reads the queued script body.
func (s *Store) ReadQueueScript(jobID string) (string, error) {
	data, err := os.ReadFile(s.Layout.QueueScriptPath(jobID))
	return string(data), err
}

// RemoveQueueEntry deletes the script and every sidecar for jobID
// (spec §4.7: "queue entry and sidecars are removed" on dispatch).
func (s *Store) RemoveQueueEntry(jobID string) error {
	l := s.Layout
	for _, attr := range []string{sidecarWeight, sidecarGPU, sidecarPriority, sidecarDependencies, sidecarSubmitTime, sidecarName, sidecarReason} {
		_ = os.Remove(l.SidecarPath(jobID, attr))
	}
	if err := os.Remove(l.QueueScriptPath(jobID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(l.QueueProcessedMarkerPath(jobID))
	return nil
}

// MarkQueueEntryProcessed drops a `.run.processed` marker next to a
// dispatched entry's former script path, used to distinguish
// already-handled entries from ones still awaiting a drain pass
// during the brief window between dispatch decision and removal.
func (s *Store) MarkQueueEntryProcessed(jobID string) error {
	return recordio.WriteFileAtomic(s.Layout.QueueProcessedMarkerPath(jobID), []byte(time.Now().Format(time.RFC3339Nano)), 0o644)
}

// CleanStaleProcessedMarkers removes `.run.processed` markers older
// than maxAge (spec §4.7 step 2: "clean processed-marker files older
// than 24 hours").
func (s *Store) CleanStaleProcessedMarkers(maxAge time.Duration) error {
	entries, err := os.ReadDir(s.Layout.QueueDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".run.processed") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(s.Layout.QueueDir, e.Name()))
		}
	}
	return nil
}
