// Command wjm is the single entry point for the workstation job
// manager: submission, control, monitoring and lifecycle verbs, each
// a short-lived process mutating the shared on-disk job tree (spec
// §5 — there is no background daemon).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wjm/workstation-job-manager/internal/wjmerr"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "wjm",
	Short:         "Single-workstation job scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the KEY=VALUE config file")

	rootCmd.AddCommand(submitNowCmd())
	rootCmd.AddCommand(submitQueuedCmd())
	rootCmd.AddCommand(killCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(resubmitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(cleanCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(validateConfigCmd())
	rootCmd.AddCommand(resourcesCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps any error surfaced by a verb's RunE to the
// process exit code (spec §6: "0 success; 1 user/validation error;
// ≠0 subsystem failure").
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return wjmerr.KindOf(err).ExitCode()
}
