package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wjm/workstation-job-manager/internal/admission"
	"github.com/wjm/workstation-job-manager/internal/arrayspec"
	"github.com/wjm/workstation-job-manager/internal/directive"
	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/wjmerr"
)

// submitFlags holds the submission flags shared by submit-now and
// submit-queued (spec §6: "Flags mirror directives").
type submitFlags struct {
	name       string
	priority   string
	preset     string
	weight     string
	gpu        string
	cpu        string
	memory     string
	timeout    string
	retry      string
	project    string
	dependsOn  string
	array      string
}

func addSubmitFlags(cmd *cobra.Command, f *submitFlags) {
	cmd.Flags().StringVar(&f.name, "name", "", "friendly job name")
	cmd.Flags().StringVar(&f.priority, "priority", "", "urgent|high|normal|low")
	cmd.Flags().StringVar(&f.preset, "preset", "", "named preset from the config file")
	cmd.Flags().StringVar(&f.weight, "weight", "", "integer weight 1-1000")
	cmd.Flags().StringVar(&f.gpu, "gpu", "", "N/A, comma list, auto, auto:K, or any")
	cmd.Flags().StringVar(&f.cpu, "cpu", "", "core count or a-b / a,b,c list")
	cmd.Flags().StringVar(&f.memory, "memory", "", "<num><K|M|G|T|%>")
	cmd.Flags().StringVar(&f.timeout, "timeout", "", "<num>[smhd]")
	cmd.Flags().StringVar(&f.retry, "retry", "", "max[:delay_seconds[:codes|any]]")
	cmd.Flags().StringVar(&f.project, "project", "", "project label")
	cmd.Flags().StringVar(&f.dependsOn, "depends-on", "", "comma-separated job_ids")
	cmd.Flags().StringVar(&f.array, "array", "", "START-END[:STEP]")
}

// overlayFlags turns the set submission flags into the directive
// overlay's highest-precedence layer, keyed by directive name.
func (f *submitFlags) overlayFlags() (map[string]string, error) {
	out := map[string]string{}
	if f.weight != "" {
		out["WEIGHT"] = f.weight
	}
	if f.gpu != "" {
		out["GPU"] = f.gpu
	}
	if f.priority != "" {
		out["PRIORITY"] = f.priority
	}
	if f.timeout != "" {
		out["TIMEOUT"] = f.timeout
	}
	if f.cpu != "" {
		out["CPU"] = f.cpu
	}
	if f.memory != "" {
		out["MEMORY"] = f.memory
	}
	if f.project != "" {
		out["PROJECT"] = f.project
	}
	if f.retry != "" {
		parts := strings.SplitN(f.retry, ":", 3)
		out["RETRY"] = parts[0]
		if len(parts) > 1 {
			out["RETRY_DELAY"] = parts[1]
		}
		if len(parts) > 2 {
			out["RETRY_ON"] = parts[2]
		}
	}
	return out, nil
}

func (f *submitFlags) dependencies() []string {
	if f.dependsOn == "" {
		return nil
	}
	var deps []string
	for _, d := range strings.Split(f.dependsOn, ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			deps = append(deps, d)
		}
	}
	return deps
}

func submitNowCmd() *cobra.Command {
	f := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit-now <script>",
		Short: "Submit a script, failing if it cannot run immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			return runSubmit(a, args[0], f, false)
		},
	}
	addSubmitFlags(cmd, f)
	return cmd
}

func submitQueuedCmd() *cobra.Command {
	f := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit-queued <script>",
		Short: "Submit a script, enqueueing it if it cannot run immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			return runSubmit(a, args[0], f, true)
		},
	}
	addSubmitFlags(cmd, f)
	return cmd
}

// runSubmit implements the submission data flow from spec §2/§4.6:
// parse directives, resolve the overlay, allocate an id, and either
// dispatch now or enqueue, per allowQueue.
func runSubmit(a *app, scriptPath string, f *submitFlags, allowQueue bool) error {
	scriptBytes, err := os.ReadFile(scriptPath)
	if err != nil {
		return wjmerr.Wrap(wjmerr.Validation, err, "reading script").WithField("script")
	}

	raw, err := directive.Parse(scriptBytes)
	if err != nil {
		return wjmerr.Wrap(wjmerr.Validation, err, "parsing directives")
	}

	flagOverlay, err := f.overlayFlags()
	if err != nil {
		return err
	}
	if f.name != "" {
		flagOverlay["NAME"] = f.name
	}

	preset := a.Config.Presets[f.preset]

	baseName := f.name
	if baseName == "" {
		baseName = raw.Values["NAME"]
	}

	if f.array == "" {
		resolved, err := directive.Apply(a.Config, directive.Overlay{Preset: preset, Directives: raw.Values, Flags: flagOverlay})
		if err != nil {
			return err
		}
		if err := resolvePercentMemory(a, resolved); err != nil {
			return err
		}
		return submitOne(a, submitted{
			name:    baseName,
			body:    raw.Body,
			base:    filepath.Base(scriptPath),
			deps:    f.dependencies(),
			resolve: resolved,
		}, allowQueue)
	}

	ids, err := arrayspec.IDs(f.array)
	if err != nil {
		return wjmerr.Wrap(wjmerr.Validation, err, "ARRAY").WithField("ARRAY")
	}
	elements, err := arrayspec.Expand(f.array, baseName, raw.Body)
	if err != nil {
		return wjmerr.Wrap(wjmerr.Validation, err, "ARRAY").WithField("ARRAY")
	}
	for i, elem := range elements {
		resolved, err := directive.Apply(a.Config, directive.Overlay{Preset: preset, Directives: raw.Values, Flags: flagOverlay})
		if err != nil {
			return err
		}
		if err := resolvePercentMemory(a, resolved); err != nil {
			return err
		}
		if err := submitOne(a, submitted{
			name:     elem.Name,
			body:     elem.Body,
			base:     filepath.Base(scriptPath),
			deps:     f.dependencies(),
			resolve:  resolved,
			arrayIDs: ids,
			arrayIdx: i,
		}, allowQueue); err != nil {
			return err
		}
	}
	return nil
}

type submitted struct {
	name     string
	body     string
	base     string
	deps     []string
	resolve  *directive.Resolved
	arrayIDs []int
	arrayIdx int
}

// resolvedFromRecord reconstructs a Resolved spec straight from a
// terminal job record's already-resolved fields, for resubmit (spec
// §4.9: "reconstructs a synthetic script from the stored body plus
// directives and re-enters submission").
func resolvedFromRecord(rec *model.JobRecord) *directive.Resolved {
	return &directive.Resolved{
		Weight:   rec.Weight,
		GPU:      rec.GPU,
		Priority: rec.Priority,
		Timeout:  rec.Timeout,
		Retry:    model.RetryPolicy{Max: rec.Retry.Max, DelaySecs: rec.Retry.DelaySecs, ExitCodes: rec.Retry.ExitCodes},
		CPU:      rec.CPU,
		Memory:   rec.Memory,
		Project:  rec.Project,
		Group:    rec.Group,
		Hooks:    rec.Hooks,
	}
}

func resolvePercentMemory(a *app, r *directive.Resolved) error {
	if !r.Memory.Set || !r.Memory.IsPercent {
		return nil
	}
	mem, err := a.Probe.Memory()
	if err != nil {
		return wjmerr.Wrap(wjmerr.Runtime, err, "resolving percent memory")
	}
	r.Memory.Bytes = int64(float64(mem.TotalBytes) * r.Memory.Percent / 100)
	r.Memory.IsPercent = false
	return nil
}

func submitOne(a *app, s submitted, allowQueue bool) error {
	id, err := a.IDAlloc.Allocate()
	if err != nil {
		return wjmerr.Wrap(wjmerr.Capacity, err, "allocating job id")
	}

	if err := a.Store.WriteCommandScript(id, s.body); err != nil {
		return err
	}

	rec := &model.JobRecord{
		ID:             id,
		Name:           s.name,
		User:           currentUser(),
		Command:        s.body,
		ScriptBasename: s.base,
		Weight:         s.resolve.Weight,
		GPU:            s.resolve.GPU,
		CPU:            s.resolve.CPU,
		Memory:         s.resolve.Memory,
		Priority:       s.resolve.Priority,
		Timeout:        s.resolve.Timeout,
		Dependencies:   s.deps,
		Retry:          s.resolve.Retry,
		Hooks:          s.resolve.Hooks,
		Project:        s.resolve.Project,
		Group:          s.resolve.Group,
		SubmitTime:     time.Now(),
		Status:         model.StatusQueued,
	}
	if len(s.arrayIDs) > 0 {
		arrayspec.Annotate(rec, s.arrayIDs, s.arrayIdx)
	}

	cand := admission.Candidate{Weight: rec.Weight, GPU: rec.GPU, Dependencies: rec.Dependencies}

	return a.Admission.Admit(cand, false,
		func(decision admission.Decision) error {
			rec.GPU = decision.ResolvedGPU
			if err := a.Supervisor.Dispatch(rec); err != nil {
				return err
			}
			fmt.Printf("%s running\n", rec.ID)
			return nil
		},
		func(decision admission.Decision) error {
			if !allowQueue {
				_ = a.Store.RemoveJobRecordDir(id)
				return wjmerr.New(wjmerr.Capacity, "cannot run now: %s", decision.Reason).WithJob(id)
			}
			entry := &model.QueueEntry{
				JobID:        id,
				Weight:       rec.Weight,
				GPU:          rec.GPU,
				Priority:     rec.Priority,
				Dependencies: rec.Dependencies,
				SubmitTime:   rec.SubmitTime,
				Name:         rec.Name,
				QueueReason:  decision.Reason,
			}
			if err := a.Store.WriteQueueEntry(entry, s.body); err != nil {
				return err
			}
			if err := a.Store.RemoveJobRecordDir(id); err != nil {
				return err
			}
			fmt.Printf("%s queued: %s\n", id, decision.Reason)
			return nil
		},
	)
}
