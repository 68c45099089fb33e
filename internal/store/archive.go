package store

import (
	"os"

	"github.com/wjm/workstation-job-manager/internal/model"
)

// ArchiveJobs moves every record in recs into a single new archive
// batch directory and rolls the oldest batch off once the configured
// MAX_ARCHIVE_BATCHES is exceeded (spec §6: "Archive batch index is
// zero-padded three digits, monotonically increasing"). It returns
// the number of jobs actually moved.
func (s *Store) ArchiveJobs(recs []*model.JobRecord, maxBatches int) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	existing, err := s.Layout.ListExistingArchiveBatches()
	if err != nil {
		return 0, err
	}
	next := 0
	if len(existing) > 0 {
		next = existing[len(existing)-1] + 1
	}

	batchDir := s.Layout.ArchiveBatchDir(next)
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return 0, err
	}

	moved := 0
	for _, rec := range recs {
		src := s.Layout.JobRecordDir(rec.ID)
		dst := s.Layout.ArchiveJobDir(next, rec.ID)
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return moved, err
		}
		moved++
	}

	if maxBatches > 0 {
		batches, err := s.Layout.ListExistingArchiveBatches()
		if err != nil {
			return moved, err
		}
		for len(batches) > maxBatches {
			oldest := batches[0]
			if err := os.RemoveAll(s.Layout.ArchiveBatchDir(oldest)); err != nil {
				return moved, err
			}
			batches = batches[1:]
		}
	}

	return moved, nil
}
