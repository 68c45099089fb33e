package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wjm/workstation-job-manager/internal/config"
	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/resource"
)

const version = "0.1.0"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wjm version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("wjm", version)
			return nil
		},
	}
}

func resourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Print the Resource Probe's current view",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			cpu, err := a.Probe.CPU()
			if err != nil {
				return err
			}
			mem, err := a.Probe.Memory()
			if err != nil {
				return err
			}
			gpus, err := a.Probe.GPUs()
			if err != nil {
				return err
			}
			running, err := a.Store.ListRunning()
			if err != nil {
				return err
			}
			allocated := resource.AllocatedGPUs(running)

			fmt.Printf("cpu_logical=%d\n", cpu.Logical)
			fmt.Printf("cpu_physical=%d\n", cpu.Physical)
			fmt.Printf("mem_total_bytes=%d\n", mem.TotalBytes)
			fmt.Printf("mem_available_bytes=%d\n", mem.AvailableBytes)
			if len(gpus) == 0 {
				fmt.Println("gpus=none")
				return nil
			}
			for _, g := range gpus {
				state := "free"
				if allocated[g.ID] {
					state = "allocated"
				}
				fmt.Printf("gpu[%d] name=%s memory_mb=%d utilization=%d%% state=%s\n", g.ID, g.Name, g.MemoryMB, g.Utilization, state)
			}
			return nil
		},
	}
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load the config file and report parsed values plus unknown keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigForValidation(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("JOB_DIR=%s\n", cfg.JobDir)
			fmt.Printf("QUEUE_DIR=%s\n", cfg.QueueDir)
			fmt.Printf("ARCHIVE_DIR=%s\n", cfg.ArchiveDir)
			fmt.Printf("LOG_DIR=%s\n", cfg.LogDir)
			fmt.Printf("MAX_CONCURRENT_JOBS=%d\n", cfg.MaxConcurrentJobs)
			fmt.Printf("MAX_TOTAL_WEIGHT=%d\n", cfg.MaxTotalWeight)
			fmt.Printf("MAX_TOTAL_JOBS=%d\n", cfg.MaxTotalJobs)
			fmt.Printf("DEFAULT_JOB_WEIGHT=%d\n", cfg.DefaultJobWeight)
			fmt.Printf("DEFAULT_JOB_PRIORITY=%s\n", cfg.DefaultJobPriority)
			fmt.Printf("PRIORITY_QUEUE_ENABLED=%t\n", cfg.PriorityQueueEnabled)
			fmt.Printf("DEPENDENCIES_ENABLED=%t\n", cfg.DependenciesEnabled)
			fmt.Printf("ARCHIVE_THRESHOLD=%d\n", cfg.ArchiveThreshold)
			fmt.Printf("MAX_ARCHIVE_BATCHES=%d\n", cfg.MaxArchiveBatches)
			fmt.Printf("LOG_FILE_NAME=%s\n", cfg.LogFileName)
			fmt.Printf("WATCH_REFRESH_INTERVAL=%d\n", cfg.WatchRefreshInterval)
			fmt.Printf("MAX_LOG_SIZE_MB=%d\n", cfg.MaxLogSizeMB)
			fmt.Printf("LOG_ROTATION_COUNT=%d\n", cfg.LogRotationCount)
			fmt.Printf("LOG_CLEANUP_DAYS=%d\n", cfg.LogCleanupDays)
			fmt.Printf("LOG_COMPRESSION_ENABLED=%t\n", cfg.LogCompressionEnabled)
			for name, p := range cfg.Presets {
				fmt.Printf("PRESET_%s weight=%d priority=%s gpu=%s devices=%s\n", name, p.Weight, p.Priority, p.GPU, p.Devices)
			}
			for name, q := range cfg.Queues {
				fmt.Printf("QUEUE_%s max_jobs=%d max_weight=%d requires_gpu=%t priority_boost=%d\n", name, q.MaxJobs, q.MaxWeight, q.RequiresGPU, q.PriorityBoost)
			}

			if configPath != "" {
				for _, w := range unknownConfigKeys(configPath) {
					fmt.Println("warning: unrecognized key (kept for forward compatibility):", w)
				}
			}
			return nil
		},
	}
}

// recognizedConfigPrefixes lists every fixed key plus the two
// open-ended dynamic-key families (spec §6 *Config file*).
var recognizedConfigPrefixes = []string{
	"JOB_DIR", "QUEUE_DIR", "ARCHIVE_DIR", "LOG_DIR", "MAX_CONCURRENT_JOBS",
	"MAX_TOTAL_WEIGHT", "MAX_TOTAL_JOBS", "DEFAULT_JOB_WEIGHT", "DEFAULT_JOB_PRIORITY",
	"PRIORITY_QUEUE_ENABLED", "ARCHIVE_THRESHOLD", "MAX_ARCHIVE_BATCHES", "LOG_FILE_NAME",
	"WATCH_REFRESH_INTERVAL", "MAX_LOG_SIZE_MB", "LOG_ROTATION_COUNT", "LOG_CLEANUP_DAYS",
	"LOG_COMPRESSION_ENABLED", "DEPENDENCIES_ENABLED", "PRESET_", "QUEUE_",
}

func unknownConfigKeys(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var unknown []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		recognized := false
		for _, p := range recognizedConfigPrefixes {
			if key == p || strings.HasPrefix(key, p) {
				recognized = true
				break
			}
		}
		if !recognized {
			unknown = append(unknown, key)
		}
	}
	return unknown
}

func loadConfigForValidation(path string) (*config.Config, error) {
	a, err := newApp(path)
	if err != nil {
		return nil, err
	}
	return a.Config, nil
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Self-heal stale records and clean stale queue markers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			ids, err := a.Store.ListAllJobIDs()
			if err != nil {
				return err
			}
			healed := 0
			for _, id := range ids {
				rec, stale, err := a.Store.ReadJobRecord(id)
				if err != nil {
					fmt.Printf("%s: unreadable record: %v\n", id, err)
					continue
				}
				if stale {
					if err := a.Store.SelfHeal(rec); err != nil {
						fmt.Printf("%s: self-heal failed: %v\n", id, err)
						continue
					}
					healed++
					fmt.Printf("%s: healed stale RUNNING/PAUSED record\n", id)
				}
			}
			if err := a.Store.CleanStaleProcessedMarkers(24 * time.Hour); err != nil {
				return err
			}
			fmt.Printf("doctor: healed %d stale record(s)\n", healed)
			return nil
		},
	}
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Move every terminal-state job into the archive tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			n, err := runArchivePass(a, func(rec *model.JobRecord) bool { return rec.Status.Terminal() })
			if err != nil {
				return err
			}
			fmt.Printf("archive: moved %d job(s)\n", n)
			return nil
		},
	}
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <failed|completed|all|old>",
		Short: "Archive jobs matching a terminal-state filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			var pred func(rec *model.JobRecord) bool
			switch args[0] {
			case "failed":
				pred = func(rec *model.JobRecord) bool { return rec.Status == model.StatusFailed }
			case "completed":
				pred = func(rec *model.JobRecord) bool { return rec.Status == model.StatusCompleted }
			case "all":
				pred = func(rec *model.JobRecord) bool { return rec.Status.Terminal() }
			case "old":
				cutoff := time.Now().AddDate(0, 0, -a.Config.ArchiveThreshold)
				pred = func(rec *model.JobRecord) bool {
					return rec.Status.Terminal() && !rec.EndTime.IsZero() && rec.EndTime.Before(cutoff)
				}
			default:
				return fmt.Errorf("clean: unknown filter %q, expected failed|completed|all|old", args[0])
			}
			n, err := runArchivePass(a, pred)
			if err != nil {
				return err
			}
			fmt.Printf("clean %s: moved %d job(s)\n", args[0], n)
			return nil
		},
	}
}

func runArchivePass(a *app, pred func(rec *model.JobRecord) bool) (int, error) {
	recs, err := allRecords(a.Store)
	if err != nil {
		return 0, err
	}
	var matched []*model.JobRecord
	for _, rec := range recs {
		if pred(rec) {
			matched = append(matched, rec)
		}
	}
	return a.Store.ArchiveJobs(matched, a.Config.MaxArchiveBatches)
}
