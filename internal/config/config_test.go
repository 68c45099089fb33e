package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadBytesAppliesDefaultsForMissingKeys(t *testing.T) {
	cfg, err := LoadBytes([]byte("MAX_CONCURRENT_JOBS=4\n"))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.MaxConcurrentJobs)
	require.Equal(t, "./jobs", cfg.JobDir)
	require.Equal(t, "normal", cfg.DefaultJobPriority)
}

func TestLoadBytesRejectsLogFileNameWithoutPlaceholder(t *testing.T) {
	_, err := LoadBytes([]byte("LOG_FILE_NAME=job.log\n"))
	require.Error(t, err)
}

func TestLoadBytesParsesPresets(t *testing.T) {
	cfg, err := LoadBytes([]byte(
		"PRESET_gpu_WEIGHT=80\n" +
			"PRESET_gpu_PRIORITY=high\n" +
			"PRESET_gpu_GPU=auto:1\n",
	))
	require.NoError(t, err)
	p, ok := cfg.Presets["gpu"]
	require.True(t, ok)
	require.Equal(t, 80, p.Weight)
	require.Equal(t, "high", p.Priority)
	require.Equal(t, "auto:1", p.GPU)
}

func TestLoadBytesParsesQueueLimits(t *testing.T) {
	cfg, err := LoadBytes([]byte(
		"QUEUE_nightly_MAX_JOBS=3\n" +
			"QUEUE_nightly_MAX_WEIGHT=200\n" +
			"QUEUE_nightly_REQUIRES_GPU=true\n",
	))
	require.NoError(t, err)
	q, ok := cfg.Queues["nightly"]
	require.True(t, ok)
	require.Equal(t, 3, q.MaxJobs)
	require.Equal(t, 200, q.MaxWeight)
	require.True(t, q.RequiresGPU)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/does/not/exist.conf")
	require.NoError(t, err)
	require.Equal(t, Defaults().MaxConcurrentJobs, cfg.MaxConcurrentJobs)
}
