// Package directive parses the `# NAME: VALUE` header lines a
// submitted script may carry (spec §4.4), applies preset defaults and
// CLI-flag overrides, and validates the result into a Resolved spec
// ready for admission.
package directive

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wjm/workstation-job-manager/internal/config"
	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/recordio"
	"github.com/wjm/workstation-job-manager/internal/wjmerr"
)

// knownDirectives lists the names parseDirectiveLine accepts in a
// "# NAME: VALUE" line — case-sensitive name, one space after '#';
// whitespace around the value is trimmed.
var knownDirectives = map[string]bool{
	"WEIGHT": true, "GPU": true, "PRIORITY": true, "TIMEOUT": true,
	"RETRY": true, "RETRY_DELAY": true, "RETRY_ON": true,
	"CPU": true, "CORES": true, "MEMORY": true,
	"PROJECT": true, "GROUP": true,
	"PRE_HOOK": true, "POST_HOOK": true, "ON_FAIL": true, "ON_SUCCESS": true,
	"NAME": true,
}

// Raw is the directive set extracted from a script header, before
// preset/override application.
type Raw struct {
	Values map[string]string
	Body   string
}

// Parse reads script header lines until the first non-directive,
// non-empty, non-shebang comment line. Everything from that line on
// (inclusive) is the script body.
func Parse(script []byte) (*Raw, error) {
	raw := &Raw{Values: map[string]string{}}
	sc := bufio.NewScanner(bytes.NewReader(script))
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var bodyLines []string
	inHeader := true
	lineNo := 0
	for sc.Scan() {
		line := sc.Text()
		lineNo++
		if inHeader {
			if lineNo == 1 && strings.HasPrefix(line, "#!") {
				continue
			}
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if name, value, ok := parseDirectiveLine(line); ok {
				raw.Values[name] = value
				continue
			}
			inHeader = false
		}
		bodyLines = append(bodyLines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	raw.Body = strings.Join(bodyLines, "\n")
	if len(bodyLines) > 0 {
		raw.Body += "\n"
	}
	return raw, nil
}

func parseDirectiveLine(line string) (name, value string, ok bool) {
	if !strings.HasPrefix(line, "# ") {
		return "", "", false
	}
	rest := line[2:]
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return "", "", false
	}
	name = rest[:idx]
	if !knownDirectives[name] {
		return "", "", false
	}
	value = strings.TrimSpace(rest[idx+1:])
	return name, value, true
}

// Overlay applies preset-then-directive-then-flag layering (lowest to
// highest precedence, per spec §4.4: "CLI flags override directives;
// presets supply defaults before directives"); Apply validates the
// result into a Resolved spec.
type Overlay struct {
	Preset     config.Preset
	Directives map[string]string
	Flags      map[string]string
}

func resolve(o Overlay, name string) (string, bool) {
	if v, ok := o.Flags[name]; ok {
		return v, true
	}
	if v, ok := o.Directives[name]; ok {
		return v, true
	}
	switch name {
	case "WEIGHT":
		if o.Preset.Weight != 0 {
			return strconv.Itoa(o.Preset.Weight), true
		}
	case "PRIORITY":
		if o.Preset.Priority != "" {
			return o.Preset.Priority, true
		}
	case "GPU":
		if o.Preset.GPU != "" {
			return o.Preset.GPU, true
		}
	}
	return "", false
}

// Resolved is the validated result of applying an Overlay.
type Resolved struct {
	Weight       int
	GPU          model.GPUSpec
	Priority     model.Priority
	Timeout      time.Duration
	Retry        model.RetryPolicy
	CPU          model.CPUSpec
	Memory       model.MemorySpec
	Project      string
	Group        string
	Hooks        model.Hooks
}

// Apply validates the overlaid directive set into a Resolved spec,
// reporting the first violated field via wjmerr.Validation (spec §4.4:
// "the parser reports the specific field and the violated rule").
func Apply(cfg *config.Config, o Overlay) (*Resolved, error) {
	r := &Resolved{}

	weightStr, _ := resolve(o, "WEIGHT")
	if weightStr == "" {
		r.Weight = cfg.DefaultJobWeight
	} else {
		w, err := strconv.Atoi(weightStr)
		if err != nil || w < 1 || w > 1000 {
			return nil, wjmerr.New(wjmerr.Validation, "WEIGHT must be a positive integer <= 1000, got %q", weightStr).WithField("WEIGHT")
		}
		r.Weight = w
	}

	gpuStr, hasGPU := resolve(o, "GPU")
	if !hasGPU {
		gpuStr = "N/A"
	}
	gpu, err := recordio.ParseGPUSpec(gpuStr)
	if err != nil {
		return nil, wjmerr.Wrap(wjmerr.Validation, err, "GPU").WithField("GPU")
	}
	r.GPU = gpu

	priorityStr, hasPriority := resolve(o, "PRIORITY")
	if !hasPriority {
		priorityStr = cfg.DefaultJobPriority
	}
	pr, err := model.ParsePriority(priorityStr)
	if err != nil {
		return nil, wjmerr.Wrap(wjmerr.Validation, err, "PRIORITY").WithField("PRIORITY")
	}
	r.Priority = pr

	if t, ok := resolve(o, "TIMEOUT"); ok {
		d, err := parseTimeout(t)
		if err != nil {
			return nil, wjmerr.Wrap(wjmerr.Validation, err, "TIMEOUT").WithField("TIMEOUT")
		}
		r.Timeout = d
	}

	retry := model.RetryPolicy{Max: 0, DelaySecs: 60}
	if v, ok := resolve(o, "RETRY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 10 {
			return nil, wjmerr.New(wjmerr.Validation, "RETRY must be 0-10, got %q", v).WithField("RETRY")
		}
		retry.Max = n
	}
	if v, ok := resolve(o, "RETRY_DELAY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, wjmerr.New(wjmerr.Validation, "RETRY_DELAY must be a non-negative integer, got %q", v).WithField("RETRY_DELAY")
		}
		retry.DelaySecs = n
	}
	if v, ok := resolve(o, "RETRY_ON"); ok {
		codes, any, err := parseRetryOn(v)
		if err != nil {
			return nil, wjmerr.Wrap(wjmerr.Validation, err, "RETRY_ON").WithField("RETRY_ON")
		}
		if !any {
			retry.ExitCodes = make(map[int]struct{}, len(codes))
			for _, c := range codes {
				retry.ExitCodes[c] = struct{}{}
			}
		}
	}
	r.Retry = retry

	cpuStr, hasCPU := resolve(o, "CPU")
	if !hasCPU {
		cpuStr, hasCPU = resolve(o, "CORES")
	}
	if hasCPU {
		cpu, err := recordio.ParseCPUSpec(cpuStr)
		if err != nil {
			return nil, wjmerr.Wrap(wjmerr.Validation, err, "CPU").WithField("CPU")
		}
		r.CPU = cpu
	}

	if v, ok := resolve(o, "MEMORY"); ok {
		mem, err := recordio.ParseMemorySpec(v)
		if err != nil {
			return nil, wjmerr.Wrap(wjmerr.Validation, err, "MEMORY").WithField("MEMORY")
		}
		r.Memory = mem
	}

	if v, ok := resolve(o, "PROJECT"); ok {
		if err := validateIdentifier(v); err != nil {
			return nil, wjmerr.Wrap(wjmerr.Validation, err, "PROJECT").WithField("PROJECT")
		}
		r.Project = v
	}
	if v, ok := resolve(o, "GROUP"); ok {
		if err := validateIdentifier(v); err != nil {
			return nil, wjmerr.Wrap(wjmerr.Validation, err, "GROUP").WithField("GROUP")
		}
		r.Group = v
	}

	if v, ok := resolve(o, "PRE_HOOK"); ok {
		r.Hooks.Pre = v
	}
	if v, ok := resolve(o, "POST_HOOK"); ok {
		r.Hooks.Post = v
	}
	if v, ok := resolve(o, "ON_FAIL"); ok {
		r.Hooks.OnFail = v
	}
	if v, ok := resolve(o, "ON_SUCCESS"); ok {
		r.Hooks.OnSuccess = v
	}

	return r, nil
}

// parseTimeout parses "<num>[smhd]?", defaulting to seconds when no
// unit suffix is given.
func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	unit := s[len(s)-1]
	numPart := s
	var mult time.Duration
	switch unit {
	case 's':
		numPart, mult = s[:len(s)-1], time.Second
	case 'm':
		numPart, mult = s[:len(s)-1], time.Minute
	case 'h':
		numPart, mult = s[:len(s)-1], time.Hour
	case 'd':
		numPart, mult = s[:len(s)-1], 24*time.Hour
	default:
		mult = time.Second
	}
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration %q, expected <num>[smhd]?", s)
	}
	return time.Duration(n) * mult, nil
}

func parseRetryOn(s string) (codes []int, any bool, err error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "any") {
		return nil, true, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, false, fmt.Errorf("invalid exit code %q", part)
		}
		codes = append(codes, n)
	}
	return codes, false, nil
}

func validateIdentifier(s string) error {
	if len(s) == 0 || len(s) > 50 {
		return fmt.Errorf("must be 1-50 characters, got %d", len(s))
	}
	if strings.ContainsAny(s, "/\\") {
		return fmt.Errorf("must not contain path separators")
	}
	return nil
}
