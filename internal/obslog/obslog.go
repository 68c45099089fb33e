// Package obslog builds the structured logger every component writes
// through: a human-readable console writer on stderr plus a rotating,
// optionally compressed file sink per spec §6's MAX_LOG_SIZE_MB /
// LOG_ROTATION_COUNT / LOG_CLEANUP_DAYS / LOG_COMPRESSION_ENABLED.
package obslog

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wjm/workstation-job-manager/internal/config"
)

// New builds the scheduler's top-level logger. component names the
// subsystem (e.g. "admission", "supervisor") and is attached to every
// event so a single combined log file stays attributable.
func New(cfg *config.Config, logFilePath string, component string) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}

	var writers []io.Writer
	writers = append(writers, console)

	if logFilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    cfg.MaxLogSizeMB,
			MaxBackups: cfg.LogRotationCount,
			MaxAge:     cfg.LogCleanupDays,
			Compress:   cfg.LogCompressionEnabled,
		}
		writers = append(writers, rotator)
	}

	multi := zerolog.MultiLevelWriter(writers...)
	return zerolog.New(multi).With().Timestamp().Str("component", component).Logger()
}

// JobLogPath substitutes a job id into the LOG_FILE_NAME template,
// which must contain the XXX placeholder (spec §6).
func JobLogPath(dir, template, jobID string) string {
	name := strings.Replace(template, "XXX", jobID, 1)
	return filepath.Join(dir, name)
}
