// Package resource implements the Resource Probe (spec §4.5): host
// CPU/memory/GPU inventory plus the allocated/free GPU views derived
// from currently RUNNING records rather than stored anywhere durable.
package resource

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/wjm/workstation-job-manager/internal/model"
)

// CPUInfo reports logical/physical CPU counts.
type CPUInfo struct {
	Logical  int
	Physical int
}

// MemInfo reports total/available memory in bytes.
type MemInfo struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// GPUInfo describes one GPU as reported by the discovery command.
type GPUInfo struct {
	ID          int
	Name        string
	MemoryMB    int
	Utilization int
}

// Probe queries live host state. FS is a procfs.FS opened once at
// startup; GPUDiscoveryCmd is the external command (e.g.
// "nvidia-smi"-shaped) that emits one CSV line per GPU, or empty if
// no GPU inventory is available on this host.
type Probe struct {
	FS              procfs.FS
	GPUDiscoveryCmd string
}

// New opens the default procfs mount ("/proc").
func New(gpuDiscoveryCmd string) (*Probe, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("resource: opening procfs: %w", err)
	}
	return &Probe{FS: fs, GPUDiscoveryCmd: gpuDiscoveryCmd}, nil
}

// CPU reports logical count from runtime.NumCPU (already topology
// aware on Linux) and physical count derived from /proc/cpuinfo's
// distinct physical-id/core-id pairs.
func (p *Probe) CPU() (CPUInfo, error) {
	info := CPUInfo{Logical: runtime.NumCPU()}
	cpuinfo, err := p.FS.CPUInfo()
	if err != nil {
		info.Physical = info.Logical
		return info, nil
	}
	seen := map[string]bool{}
	for _, c := range cpuinfo {
		key := c.PhysicalID + "/" + c.CoreID
		if !seen[key] {
			seen[key] = true
		}
	}
	if len(seen) > 0 {
		info.Physical = len(seen)
	} else {
		info.Physical = info.Logical
	}
	return info, nil
}

// Memory reports total/available bytes from /proc/meminfo.
func (p *Probe) Memory() (MemInfo, error) {
	mi, err := p.FS.Meminfo()
	if err != nil {
		return MemInfo{}, fmt.Errorf("resource: reading meminfo: %w", err)
	}
	m := MemInfo{}
	if mi.MemTotal != nil {
		m.TotalBytes = *mi.MemTotal * 1024
	}
	if mi.MemAvailable != nil {
		m.AvailableBytes = *mi.MemAvailable * 1024
	} else if mi.MemFree != nil {
		m.AvailableBytes = *mi.MemFree * 1024
	}
	return m, nil
}

// GPUs runs the configured discovery command and parses its CSV
// output ("id,name,memory_mb,utilization_pct" per line). Returns an
// empty slice, not an error, when no discovery command is configured
// so callers can treat "no GPUs" uniformly whether by absence of
// hardware or absence of tooling.
func (p *Probe) GPUs() ([]GPUInfo, error) {
	if p.GPUDiscoveryCmd == "" {
		return nil, nil
	}
	fields := strings.Fields(p.GPUDiscoveryCmd)
	cmd := exec.Command(fields[0], fields[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("resource: GPU discovery command failed: %w", err)
	}
	var gpus []GPUInfo
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		memMB, _ := strconv.Atoi(strings.TrimSpace(parts[2]))
		util, _ := strconv.Atoi(strings.TrimSpace(parts[3]))
		gpus = append(gpus, GPUInfo{
			ID:          id,
			Name:        strings.TrimSpace(parts[1]),
			MemoryMB:    memMB,
			Utilization: util,
		})
	}
	return gpus, nil
}

// AllocatedGPUs is the union of gpu ids over every RUNNING record
// (spec §4.5). Only concrete (resolved) ids count; an unresolved
// "auto" spec contributes nothing until drain-time resolution assigns
// it real ids.
func AllocatedGPUs(running []*model.JobRecord) map[int]bool {
	allocated := map[int]bool{}
	for _, r := range running {
		if r.GPU.Mode == model.GPUModeList {
			for _, id := range r.GPU.IDs {
				allocated[id] = true
			}
		}
	}
	return allocated
}

// FreeGPUs is every discovered GPU id not in allocated, ascending.
func FreeGPUs(all []GPUInfo, allocated map[int]bool) []int {
	var free []int
	for _, g := range all {
		if !allocated[g.ID] {
			free = append(free, g.ID)
		}
	}
	sort.Ints(free)
	return free
}

// ErrInsufficientGPUs is returned by ResolveAuto when fewer free GPUs
// exist than requested; the caller (Admission Controller) treats this
// as a reason to queue rather than a hard error (spec §4.5: "job is
// queued with gpu_spec preserved symbolically").
var ErrInsufficientGPUs = fmt.Errorf("resource: insufficient free GPUs")

// ResolveAuto picks the K lowest-indexed free ids for an
// auto/auto:K request. The symbolic spec itself is left untouched by
// the caller if this fails, so re-resolution can be retried at the
// next drain.
func ResolveAuto(spec model.GPUSpec, free []int) (model.GPUSpec, error) {
	if spec.Mode != model.GPUModeAuto {
		return spec, nil
	}
	need := spec.Count
	if need <= 0 {
		need = 1
	}
	if len(free) < need {
		return model.GPUSpec{}, ErrInsufficientGPUs
	}
	ids := make([]int, need)
	copy(ids, free[:need])
	return model.GPUSpec{Mode: model.GPUModeList, IDs: ids}, nil
}
