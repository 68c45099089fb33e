package recordio

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wjm/workstation-job-manager/internal/model"
)

// Known job.info keys, in the order they are written. Anything read
// back that isn't in this list is preserved in JobRecord.Unknown and
// re-emitted after the known keys, per spec §6's forward-compatible
// unknown-key contract.
const (
	kID           = "JOB_ID"
	kName         = "NAME"
	kUser         = "USER"
	kScriptBase   = "SCRIPT_BASENAME"
	kWeight       = "WEIGHT"
	kGPU          = "GPU"
	kCPU          = "CPU"
	kMemory       = "MEMORY"
	kPriority     = "PRIORITY"
	kTimeout      = "TIMEOUT"
	kDependencies = "DEPENDENCIES"
	kRetryMax     = "RETRY_MAX"
	kRetryDelay   = "RETRY_DELAY_SECONDS"
	kRetryOn      = "RETRY_ON"
	kRetryCount   = "RETRY_COUNT"
	kPreHook      = "PRE_HOOK"
	kPostHook     = "POST_HOOK"
	kOnFail       = "ON_FAIL"
	kOnSuccess    = "ON_SUCCESS"
	kProject      = "PROJECT"
	kGroup        = "GROUP"
	kSubmitTime   = "SUBMIT_TIME"
	kQueueTime    = "QUEUE_TIME"
	kStartTime    = "START_TIME"
	kEndTime      = "END_TIME"
	kPID          = "PID"
	kStatus       = "STATUS"
	kExitCode     = "EXIT_CODE"
	kFailReason   = "FAIL_REASON"
)

var knownJobKeys = map[string]bool{
	kID: true, kName: true, kUser: true, kScriptBase: true, kWeight: true,
	kGPU: true, kCPU: true, kMemory: true, kPriority: true, kTimeout: true,
	kDependencies: true, kRetryMax: true, kRetryDelay: true, kRetryOn: true,
	kRetryCount: true, kPreHook: true, kPostHook: true, kOnFail: true,
	kOnSuccess: true, kProject: true, kGroup: true, kSubmitTime: true,
	kQueueTime: true, kStartTime: true, kEndTime: true, kPID: true,
	kStatus: true, kExitCode: true, kFailReason: true,
}

const timeLayout = time.RFC3339Nano
const naValue = "N/A"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return naValue
	}
	return t.Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" || s == naValue {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// EncodeGPUSpec renders a GPUSpec back to directive grammar.
func EncodeGPUSpec(g model.GPUSpec) string {
	switch g.Mode {
	case model.GPUModeNone:
		return naValue
	case model.GPUModeAuto:
		if g.Count <= 0 {
			return "auto"
		}
		return fmt.Sprintf("auto:%d", g.Count)
	case model.GPUModeList:
		parts := make([]string, len(g.IDs))
		for i, id := range g.IDs {
			parts[i] = strconv.Itoa(id)
		}
		return strings.Join(parts, ",")
	default:
		return naValue
	}
}

// ParseGPUSpec parses the GPU directive/flag grammar: N/A, auto,
// auto:K, or a comma list (spaces tolerated).
func ParseGPUSpec(s string) (model.GPUSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == naValue || strings.EqualFold(s, "none") {
		return model.GPUSpec{Mode: model.GPUModeNone}, nil
	}
	if strings.EqualFold(s, "auto") || strings.EqualFold(s, "any") {
		return model.GPUSpec{Mode: model.GPUModeAuto, Count: 1}, nil
	}
	if strings.HasPrefix(strings.ToLower(s), "auto:") {
		n, err := strconv.Atoi(strings.TrimSpace(s[len("auto:"):]))
		if err != nil || n <= 0 {
			return model.GPUSpec{}, fmt.Errorf("invalid GPU auto count in %q", s)
		}
		return model.GPUSpec{Mode: model.GPUModeAuto, Count: n}, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil {
			return model.GPUSpec{}, fmt.Errorf("invalid GPU id %q in %q", p, s)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return model.GPUSpec{Mode: model.GPUModeNone}, nil
	}
	return model.GPUSpec{Mode: model.GPUModeList, IDs: ids}, nil
}

// EncodeCPUSpec renders a CPUSpec back to directive grammar.
func EncodeCPUSpec(c model.CPUSpec) string {
	if !c.Set {
		return naValue
	}
	if len(c.IDs) > 0 {
		parts := make([]string, len(c.IDs))
		for i, id := range c.IDs {
			parts[i] = strconv.Itoa(id)
		}
		return strings.Join(parts, ",")
	}
	return strconv.Itoa(c.Count)
}

// ParseCPUSpec parses count, range ("a-b"), list ("a,b,c"), or N/A.
func ParseCPUSpec(s string) (model.CPUSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == naValue {
		return model.CPUSpec{}, nil
	}
	if strings.Contains(s, "-") && !strings.Contains(s, ",") {
		parts := strings.SplitN(s, "-", 2)
		a, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		b, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil || b < a {
			return model.CPUSpec{}, fmt.Errorf("invalid CPU range %q", s)
		}
		ids := make([]int, 0, b-a+1)
		for i := a; i <= b; i++ {
			ids = append(ids, i)
		}
		return model.CPUSpec{Set: true, IDs: ids}, nil
	}
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		ids := make([]int, 0, len(parts))
		for _, p := range parts {
			id, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return model.CPUSpec{}, fmt.Errorf("invalid CPU id %q in %q", p, s)
			}
			ids = append(ids, id)
		}
		return model.CPUSpec{Set: true, IDs: ids}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return model.CPUSpec{}, fmt.Errorf("invalid CPU count %q", s)
	}
	return model.CPUSpec{Set: true, Count: n}, nil
}

// EncodeMemorySpec renders a MemorySpec back to directive grammar.
func EncodeMemorySpec(m model.MemorySpec) string {
	if !m.Set {
		return naValue
	}
	if m.IsPercent {
		return fmt.Sprintf("%g%%", m.Percent)
	}
	return fmt.Sprintf("%dB", m.Bytes)
}

var memUnits = map[byte]int64{
	'K': 1 << 10, 'M': 1 << 20, 'G': 1 << 30, 'T': 1 << 40,
}

// ParseMemorySpec parses `<num><K|M|G|T|%>` optionally followed by
// `B`, or N/A.
func ParseMemorySpec(s string) (model.MemorySpec, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == naValue {
		return model.MemorySpec{}, nil
	}
	if strings.HasSuffix(s, "%") {
		numStr := strings.TrimSuffix(s, "%")
		pct, err := strconv.ParseFloat(numStr, 64)
		if err != nil || pct <= 0 || pct > 100 {
			return model.MemorySpec{}, fmt.Errorf("invalid memory percent %q", s)
		}
		return model.MemorySpec{Set: true, IsPercent: true, Percent: pct}, nil
	}
	body := strings.TrimSuffix(s, "B")
	if body == "" {
		return model.MemorySpec{}, fmt.Errorf("invalid memory value %q", s)
	}
	unit := body[len(body)-1]
	mult, hasUnit := memUnits[unit]
	numStr := body
	if hasUnit {
		numStr = body[:len(body)-1]
	} else {
		mult = 1
	}
	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil || n <= 0 {
		return model.MemorySpec{}, fmt.Errorf("invalid memory value %q", s)
	}
	return model.MemorySpec{Set: true, Bytes: int64(n * float64(mult))}, nil
}

// EncodeJobRecord turns a JobRecord into its on-disk field
// representation, preserving any unknown keys the record carried from
// a prior read.
func EncodeJobRecord(r *model.JobRecord) *Fields {
	f := NewFields()
	f.Set(kID, r.ID)
	f.Set(kName, r.Name)
	f.Set(kUser, r.User)
	f.Set(kScriptBase, r.ScriptBasename)
	f.Set(kWeight, strconv.Itoa(r.Weight))
	f.Set(kGPU, EncodeGPUSpec(r.GPU))
	f.Set(kCPU, EncodeCPUSpec(r.CPU))
	f.Set(kMemory, EncodeMemorySpec(r.Memory))
	if r.Priority != 0 {
		f.Set(kPriority, r.Priority.String())
	} else {
		f.Set(kPriority, "")
	}
	if r.Timeout > 0 {
		f.Set(kTimeout, r.Timeout.String())
	} else {
		f.Set(kTimeout, naValue)
	}
	f.Set(kDependencies, strings.Join(r.Dependencies, ","))
	f.Set(kRetryMax, strconv.Itoa(r.Retry.Max))
	f.Set(kRetryDelay, strconv.Itoa(r.Retry.DelaySecs))
	f.Set(kRetryOn, encodeExitCodes(r.Retry.ExitCodes))
	f.Set(kRetryCount, strconv.Itoa(r.RetryCount))
	f.Set(kPreHook, orNA(r.Hooks.Pre))
	f.Set(kPostHook, orNA(r.Hooks.Post))
	f.Set(kOnFail, orNA(r.Hooks.OnFail))
	f.Set(kOnSuccess, orNA(r.Hooks.OnSuccess))
	f.Set(kProject, orNA(r.Project))
	f.Set(kGroup, orNA(r.Group))
	f.Set(kSubmitTime, formatTime(r.SubmitTime))
	f.Set(kQueueTime, formatTime(r.QueueTime))
	f.Set(kStartTime, formatTime(r.StartTime))
	f.Set(kEndTime, formatTime(r.EndTime))
	if r.PID > 0 {
		f.Set(kPID, strconv.Itoa(r.PID))
	} else {
		f.Set(kPID, "")
	}
	f.Set(kStatus, string(r.Status))
	if r.HasExitCode {
		f.Set(kExitCode, strconv.Itoa(r.ExitCode))
	} else {
		f.Set(kExitCode, "")
	}
	f.Set(kFailReason, string(r.FailReason))
	for _, k := range sortedKeys(r.Unknown) {
		f.Set(k, r.Unknown[k])
	}
	return f
}

func orNA(s string) string {
	if s == "" {
		return naValue
	}
	return s
}

func naToEmpty(s string) string {
	if s == naValue {
		return ""
	}
	return s
}

func encodeExitCodes(codes map[int]struct{}) string {
	if len(codes) == 0 {
		return "any"
	}
	parts := make([]string, 0, len(codes))
	for c := range codes {
		parts = append(parts, strconv.Itoa(c))
	}
	return strings.Join(parts, ",")
}

func parseExitCodes(s string) (map[int]struct{}, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "any") {
		return nil, nil
	}
	out := make(map[int]struct{})
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exit code %q in RETRY_ON=%q", p, s)
		}
		out[n] = struct{}{}
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// DecodeJobRecord parses a job.info byte stream into a JobRecord,
// stashing anything it doesn't recognize in Unknown.
func DecodeJobRecord(data []byte) (*model.JobRecord, error) {
	f, err := DecodeKV(data)
	if err != nil {
		return nil, err
	}
	r := &model.JobRecord{Unknown: make(map[string]string)}

	get := func(k string) string { v, _ := f.Get(k); return v }

	r.ID = get(kID)
	r.Name = get(kName)
	r.User = get(kUser)
	r.ScriptBasename = get(kScriptBase)

	if v := get(kWeight); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEIGHT %q: %w", v, err)
		}
		r.Weight = n
	}
	if r.GPU, err = ParseGPUSpec(get(kGPU)); err != nil {
		return nil, err
	}
	if r.CPU, err = ParseCPUSpec(get(kCPU)); err != nil {
		return nil, err
	}
	if r.Memory, err = ParseMemorySpec(get(kMemory)); err != nil {
		return nil, err
	}
	if v := get(kPriority); v != "" {
		if r.Priority, err = model.ParsePriority(v); err != nil {
			return nil, err
		}
	}
	if v := get(kTimeout); v != "" && v != naValue {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMEOUT %q: %w", v, err)
		}
		r.Timeout = d
	}
	if v := get(kDependencies); v != "" {
		r.Dependencies = splitNonEmpty(v, ",")
	}
	if v := get(kRetryMax); v != "" {
		if r.Retry.Max, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid RETRY_MAX %q: %w", v, err)
		}
	}
	if v := get(kRetryDelay); v != "" {
		if r.Retry.DelaySecs, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid RETRY_DELAY_SECONDS %q: %w", v, err)
		}
	}
	if r.Retry.ExitCodes, err = parseExitCodes(get(kRetryOn)); err != nil {
		return nil, err
	}
	if v := get(kRetryCount); v != "" {
		if r.RetryCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid RETRY_COUNT %q: %w", v, err)
		}
	}
	r.Hooks.Pre = naToEmpty(get(kPreHook))
	r.Hooks.Post = naToEmpty(get(kPostHook))
	r.Hooks.OnFail = naToEmpty(get(kOnFail))
	r.Hooks.OnSuccess = naToEmpty(get(kOnSuccess))
	r.Project = naToEmpty(get(kProject))
	r.Group = naToEmpty(get(kGroup))

	if r.SubmitTime, err = parseTime(get(kSubmitTime)); err != nil {
		return nil, err
	}
	if r.QueueTime, err = parseTime(get(kQueueTime)); err != nil {
		return nil, err
	}
	if r.StartTime, err = parseTime(get(kStartTime)); err != nil {
		return nil, err
	}
	if r.EndTime, err = parseTime(get(kEndTime)); err != nil {
		return nil, err
	}
	if v := get(kPID); v != "" {
		if r.PID, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid PID %q: %w", v, err)
		}
	}
	r.Status = model.Status(get(kStatus))
	if v := get(kExitCode); v != "" {
		if r.ExitCode, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid EXIT_CODE %q: %w", v, err)
		}
		r.HasExitCode = true
	}
	r.FailReason = model.FailReason(get(kFailReason))

	for _, k := range f.Keys() {
		if !knownJobKeys[k] {
			v, _ := f.Get(k)
			r.Unknown[k] = v
		}
	}
	return r, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
