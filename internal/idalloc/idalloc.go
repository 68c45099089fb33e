// Package idalloc implements the gap-free job_NNN allocator described
// in spec §4.3: scan existing record directories for the highest
// numeric suffix, then exclusive-create the next one while holding
// IdGen.
package idalloc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wjm/workstation-job-manager/internal/lockmgr"
	"github.com/wjm/workstation-job-manager/internal/recordio"
	"github.com/wjm/workstation-job-manager/internal/store"
)

const (
	maxID        = 999
	idPrefix     = "job_"
	maxCollision = 1000
	collisionGap = 100 * time.Millisecond
)

// ErrExhausted is returned once every id up to 999 is in use.
var ErrExhausted = fmt.Errorf("idalloc: id space exhausted")

type Allocator struct {
	store   *store.Store
	lockmgr *lockmgr.Manager
}

func New(s *store.Store, lm *lockmgr.Manager) *Allocator {
	return &Allocator{store: s, lockmgr: lm}
}

// Allocate runs the full algorithm from spec §4.3 and returns the new
// id with its record directory already created.
func (a *Allocator) Allocate() (string, error) {
	lk, err := a.lockmgr.Acquire(lockmgr.IdGen, 30*time.Second)
	if err != nil {
		return "", fmt.Errorf("idalloc: %w", err)
	}
	defer lk.Release(a.lockmgr)

	existing, err := a.store.Layout.ListJobRecordDirs()
	if err != nil {
		return "", err
	}
	max := 0
	for _, name := range existing {
		n, ok := trailingNumber(name)
		if ok && n > max {
			max = n
		}
	}
	candidate := max + 1
	if candidate > maxID {
		return "", ErrExhausted
	}
	id := fmt.Sprintf("%s%03d", idPrefix, candidate)

	for attempt := 0; attempt < maxCollision; attempt++ {
		err := a.store.CreateJobRecordDir(id)
		if err == nil {
			return id, nil
		}
		if !recordio.IsExist(err) {
			return "", err
		}
		// Defensive only: must not occur while IdGen is held.
		time.Sleep(collisionGap)
		candidate++
		if candidate > maxID {
			return "", ErrExhausted
		}
		id = fmt.Sprintf("%s%03d", idPrefix, candidate)
	}
	return "", fmt.Errorf("idalloc: exceeded %d collision retries", maxCollision)
}

func trailingNumber(name string) (int, bool) {
	name = strings.TrimPrefix(name, idPrefix)
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}
	return n, true
}
