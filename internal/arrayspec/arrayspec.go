// Package arrayspec expands a `--array START-END[:STEP]` submission
// into a sequence of independent job specs, each stamped with its
// array index so the Job Supervisor can inject WJM_ARRAY_INDEX/
// WJM_ARRAY_ID/WJM_ARRAY_SIZE at dispatch. Expansion happens entirely
// at submission time: every element then passes through the ordinary
// Admission Controller on its own, so the core engine never
// special-cases arrays.
package arrayspec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wjm/workstation-job-manager/internal/model"
)

// Element is one job produced by expanding an array spec, carrying
// the original submission's fields plus its position in the array.
type Element struct {
	Index int // 0-based position within this array
	Size  int // total element count
	Name  string
	Body  string
}

// Parse reads a `START-END` or `START-END:STEP` spec. STEP defaults
// to 1 and must be positive; it need not divide END-START evenly.
func Parse(spec string) (start, end, step int, err error) {
	step = 1
	rangePart := spec
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		rangePart = spec[:i]
		step, err = strconv.Atoi(spec[i+1:])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("arrayspec: invalid step in %q: %w", spec, err)
		}
	}

	parts := strings.SplitN(rangePart, "-", 2)
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("arrayspec: expected START-END, got %q", spec)
	}
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("arrayspec: invalid start in %q: %w", spec, err)
	}
	end, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("arrayspec: invalid end in %q: %w", spec, err)
	}
	if end < start {
		return 0, 0, 0, fmt.Errorf("arrayspec: end %d before start %d", end, start)
	}
	if step <= 0 {
		return 0, 0, 0, fmt.Errorf("arrayspec: step must be positive, got %d", step)
	}
	return start, end, step, nil
}

// Expand turns one script body plus a baseName/spec pair into the
// ordered sequence of array elements, one per admission pass. Each
// element's Name gets a `-<arrayID>` suffix so listings stay
// distinguishable.
func Expand(spec, baseName, body string) ([]Element, error) {
	ids, err := IDs(spec)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("arrayspec: spec %q produced no elements", spec)
	}

	elems := make([]Element, len(ids))
	for i, arrayID := range ids {
		name := baseName
		if name != "" {
			name = fmt.Sprintf("%s-%d", baseName, arrayID)
		}
		elems[i] = Element{Index: i, Size: len(ids), Name: name, Body: body}
	}
	return elems, nil
}

// EnvFor returns the WJM_ARRAY_* environment lines for one element,
// keyed by its position among the expanded array IDs (spec §6
// *Environment injected into children*).
func EnvFor(arrayIDs []int, index int) []string {
	if index < 0 || index >= len(arrayIDs) {
		return nil
	}
	return []string{
		fmt.Sprintf("WJM_ARRAY_INDEX=%d", index),
		fmt.Sprintf("WJM_ARRAY_ID=%d", arrayIDs[index]),
		fmt.Sprintf("WJM_ARRAY_SIZE=%d", len(arrayIDs)),
	}
}

// IDs returns the expanded array-id sequence for a spec, used by the
// Command Surface to pass WJM_ARRAY_ID values and by tests.
func IDs(spec string) ([]int, error) {
	start, end, step, err := Parse(spec)
	if err != nil {
		return nil, err
	}
	var ids []int
	for v := start; v <= end; v += step {
		ids = append(ids, v)
	}
	return ids, nil
}

// Annotate stamps job-record Unknown fields with the array env values
// so internal/supervisor's arrayEnv helper can recover them without a
// dedicated JobRecord field (they are submission-time derived, not
// part of the persisted directive set).
func Annotate(rec *model.JobRecord, arrayIDs []int, index int) {
	if rec.Unknown == nil {
		rec.Unknown = map[string]string{}
	}
	rec.Unknown["WJM_ARRAY_INDEX"] = strconv.Itoa(index)
	rec.Unknown["WJM_ARRAY_ID"] = strconv.Itoa(arrayIDs[index])
	rec.Unknown["WJM_ARRAY_SIZE"] = strconv.Itoa(len(arrayIDs))
}
