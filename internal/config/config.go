// Package config loads the scheduler's KEY=VALUE configuration file
// through viper, configured with its "props" parser so the on-disk
// format matches spec §6 exactly while the loading and default-merging
// mechanics come from a real library rather than a hand-rolled parser.
// Environment variables do not override file or default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// Preset holds the defaults a submission preset (small/medium/large/
// gpu/urgent) supplies before script directives are applied (spec
// §4.4).
type Preset struct {
	Weight   int
	Priority string
	GPU      string
	Devices  string
}

// QueueLimits holds the per-named-queue admission overrides (spec §6:
// QUEUE_<name>_MAX_JOBS|MAX_WEIGHT|REQUIRES_GPU|PRIORITY_BOOST).
type QueueLimits struct {
	MaxJobs       int
	MaxWeight     int
	RequiresGPU   bool
	PriorityBoost int
}

// Config is the fully resolved scheduler configuration.
type Config struct {
	JobDir     string
	QueueDir   string
	ArchiveDir string
	LogDir     string

	MaxConcurrentJobs int
	MaxTotalWeight    int
	MaxTotalJobs      int

	DefaultJobWeight   int
	DefaultJobPriority string

	PriorityQueueEnabled bool
	DependenciesEnabled  bool

	ArchiveThreshold int
	MaxArchiveBatches int

	LogFileName           string
	WatchRefreshInterval  int
	MaxLogSizeMB          int
	LogRotationCount      int
	LogCleanupDays        int
	LogCompressionEnabled bool

	Presets map[string]Preset
	Queues  map[string]QueueLimits
}

// Defaults mirror the distilled spec's fallback values; presets and
// per-queue overrides are absent unless present in the file.
func Defaults() *Config {
	return &Config{
		JobDir:     "./jobs",
		QueueDir:   "./queue",
		ArchiveDir: "./archive",
		LogDir:     "./logs",

		MaxConcurrentJobs: 0,
		MaxTotalWeight:    0,
		MaxTotalJobs:      0,

		DefaultJobWeight:   10,
		DefaultJobPriority: "normal",

		PriorityQueueEnabled: true,
		DependenciesEnabled:  true,

		ArchiveThreshold:  100,
		MaxArchiveBatches: 10,

		LogFileName:           "jobXXX.log",
		WatchRefreshInterval:  2,
		MaxLogSizeMB:          50,
		LogRotationCount:      5,
		LogCleanupDays:        30,
		LogCompressionEnabled: true,

		Presets: map[string]Preset{},
		Queues:  map[string]QueueLimits{},
	}
}

// Load reads a KEY=VALUE config file at path, layering it over
// Defaults(). A missing file is not an error: the caller runs on
// defaults, matching the CLI's "works with zero configuration"
// expectation.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("props")
	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !isNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	return decode(v, cfg)
}

// LoadBytes parses config content already in memory (used by tests)
// instead of reading from disk.
func LoadBytes(data []byte) (*Config, error) {
	cfg := Defaults()
	v := viper.New()
	v.SetConfigType("props")
	bindDefaults(v, cfg)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return decode(v, cfg)
}

func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("JOB_DIR", cfg.JobDir)
	v.SetDefault("QUEUE_DIR", cfg.QueueDir)
	v.SetDefault("ARCHIVE_DIR", cfg.ArchiveDir)
	v.SetDefault("LOG_DIR", cfg.LogDir)
	v.SetDefault("MAX_CONCURRENT_JOBS", cfg.MaxConcurrentJobs)
	v.SetDefault("MAX_TOTAL_WEIGHT", cfg.MaxTotalWeight)
	v.SetDefault("MAX_TOTAL_JOBS", cfg.MaxTotalJobs)
	v.SetDefault("DEFAULT_JOB_WEIGHT", cfg.DefaultJobWeight)
	v.SetDefault("DEFAULT_JOB_PRIORITY", cfg.DefaultJobPriority)
	v.SetDefault("PRIORITY_QUEUE_ENABLED", cfg.PriorityQueueEnabled)
	v.SetDefault("ARCHIVE_THRESHOLD", cfg.ArchiveThreshold)
	v.SetDefault("MAX_ARCHIVE_BATCHES", cfg.MaxArchiveBatches)
	v.SetDefault("LOG_FILE_NAME", cfg.LogFileName)
	v.SetDefault("WATCH_REFRESH_INTERVAL", cfg.WatchRefreshInterval)
	v.SetDefault("MAX_LOG_SIZE_MB", cfg.MaxLogSizeMB)
	v.SetDefault("LOG_ROTATION_COUNT", cfg.LogRotationCount)
	v.SetDefault("LOG_CLEANUP_DAYS", cfg.LogCleanupDays)
	v.SetDefault("LOG_COMPRESSION_ENABLED", cfg.LogCompressionEnabled)
	v.SetDefault("DEPENDENCIES_ENABLED", cfg.DependenciesEnabled)
}

func decode(v *viper.Viper, cfg *Config) (*Config, error) {
	cfg.JobDir = v.GetString("JOB_DIR")
	cfg.QueueDir = v.GetString("QUEUE_DIR")
	cfg.ArchiveDir = v.GetString("ARCHIVE_DIR")
	cfg.LogDir = v.GetString("LOG_DIR")
	cfg.MaxConcurrentJobs = v.GetInt("MAX_CONCURRENT_JOBS")
	cfg.MaxTotalWeight = v.GetInt("MAX_TOTAL_WEIGHT")
	cfg.MaxTotalJobs = v.GetInt("MAX_TOTAL_JOBS")
	cfg.DefaultJobWeight = v.GetInt("DEFAULT_JOB_WEIGHT")
	cfg.DefaultJobPriority = v.GetString("DEFAULT_JOB_PRIORITY")
	cfg.PriorityQueueEnabled = v.GetBool("PRIORITY_QUEUE_ENABLED")
	cfg.ArchiveThreshold = v.GetInt("ARCHIVE_THRESHOLD")
	cfg.MaxArchiveBatches = v.GetInt("MAX_ARCHIVE_BATCHES")
	cfg.LogFileName = v.GetString("LOG_FILE_NAME")
	if !strings.Contains(cfg.LogFileName, "XXX") {
		return nil, fmt.Errorf("config: LOG_FILE_NAME %q must contain the XXX placeholder", cfg.LogFileName)
	}
	cfg.WatchRefreshInterval = v.GetInt("WATCH_REFRESH_INTERVAL")
	cfg.MaxLogSizeMB = v.GetInt("MAX_LOG_SIZE_MB")
	cfg.LogRotationCount = v.GetInt("LOG_ROTATION_COUNT")
	cfg.LogCleanupDays = v.GetInt("LOG_CLEANUP_DAYS")
	cfg.LogCompressionEnabled = v.GetBool("LOG_COMPRESSION_ENABLED")
	cfg.DependenciesEnabled = v.GetBool("DEPENDENCIES_ENABLED")

	presets, queues := extractDynamicKeys(v)
	cfg.Presets = presets
	cfg.Queues = queues
	return cfg, nil
}

var presetAttrs = []string{"WEIGHT", "PRIORITY", "GPU", "DEVICES"}
var queueAttrs = []string{"MAX_JOBS", "MAX_WEIGHT", "REQUIRES_GPU", "PRIORITY_BOOST"}

// extractDynamicKeys scans every key viper loaded for the two
// open-ended families the fixed-field struct above can't represent:
// PRESET_<name>_<attr> and QUEUE_<name>_<attr>. Attr suffixes are
// matched against a fixed list (rather than split on the last
// underscore) since QUEUE_<name>_MAX_JOBS and _MAX_WEIGHT are
// themselves two words.
func extractDynamicKeys(v *viper.Viper) (map[string]Preset, map[string]QueueLimits) {
	presets := map[string]Preset{}
	queues := map[string]QueueLimits{}

	for _, key := range v.AllKeys() {
		upper := strings.ToUpper(key)
		switch {
		case strings.HasPrefix(upper, "PRESET_"):
			rest := strings.TrimPrefix(upper, "PRESET_")
			name, attr, ok := matchSuffix(rest, presetAttrs)
			if !ok {
				continue
			}
			p := presets[name]
			val := v.GetString(key)
			switch attr {
			case "WEIGHT":
				p.Weight = v.GetInt(key)
			case "PRIORITY":
				p.Priority = val
			case "GPU":
				p.GPU = val
			case "DEVICES":
				p.Devices = val
			}
			presets[name] = p
		case strings.HasPrefix(upper, "QUEUE_"):
			rest := strings.TrimPrefix(upper, "QUEUE_")
			name, attr, ok := matchSuffix(rest, queueAttrs)
			if !ok {
				continue
			}
			q := queues[name]
			switch attr {
			case "MAX_JOBS":
				q.MaxJobs = v.GetInt(key)
			case "MAX_WEIGHT":
				q.MaxWeight = v.GetInt(key)
			case "REQUIRES_GPU":
				q.RequiresGPU = v.GetBool(key)
			case "PRIORITY_BOOST":
				q.PriorityBoost = v.GetInt(key)
			}
			queues[name] = q
		}
	}
	return presets, queues
}

// matchSuffix finds the longest attr in attrs such that s ends with
// "_"+attr, returning the name portion before it.
func matchSuffix(s string, attrs []string) (name, attr string, ok bool) {
	best := ""
	for _, a := range attrs {
		suffix := "_" + a
		if strings.HasSuffix(s, suffix) && len(suffix) > len(best) {
			best = suffix
		}
	}
	if best == "" {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSuffix(s, best)), strings.TrimPrefix(best, "_"), true
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}
