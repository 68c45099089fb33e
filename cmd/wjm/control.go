package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/wjmerr"
)

// requireOwnership enforces spec §1's "ownership is by effective-user
// identity only" contract before any control verb mutates a job.
func requireOwnership(rec *model.JobRecord) error {
	if rec.User != "" && rec.User != currentUser() {
		return wjmerr.New(wjmerr.Ownership, "job %s is owned by %s", rec.ID, rec.User).WithJob(rec.ID)
	}
	return nil
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id|all>",
		Short: "Send SIGTERM to a job's process group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			if args[0] == "all" {
				running, err := a.Store.ListRunning()
				if err != nil {
					return err
				}
				for _, rec := range running {
					if err := requireOwnership(rec); err != nil {
						fmt.Println("skip:", err)
						continue
					}
					if err := a.Supervisor.Kill(rec.ID); err != nil {
						fmt.Printf("%s: %v\n", rec.ID, err)
						continue
					}
					fmt.Printf("%s killed\n", rec.ID)
				}
				return nil
			}
			rec, _, err := a.Store.ReadJobRecord(args[0])
			if err != nil {
				if !a.Store.IsQueued(args[0]) {
					return wjmerr.Wrap(wjmerr.Validation, err, "reading job").WithJob(args[0])
				}
				// Queued jobs have no record directory (submitOne removes
				// it) and no stored owner, so there's nothing to check
				// ownership against — just remove the queue entry.
				if err := a.Supervisor.Kill(args[0]); err != nil {
					return wjmerr.Wrap(wjmerr.Runtime, err, "kill").WithJob(args[0])
				}
				fmt.Printf("%s killed\n", args[0])
				return nil
			}
			if err := requireOwnership(rec); err != nil {
				return err
			}
			if err := a.Supervisor.Kill(rec.ID); err != nil {
				return wjmerr.Wrap(wjmerr.Runtime, err, "kill").WithJob(rec.ID)
			}
			fmt.Printf("%s killed\n", rec.ID)
			return nil
		},
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Suspend a running job with SIGSTOP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			rec, _, err := a.Store.ReadJobRecord(args[0])
			if err != nil {
				return wjmerr.Wrap(wjmerr.Validation, err, "reading job").WithJob(args[0])
			}
			if err := requireOwnership(rec); err != nil {
				return err
			}
			if err := a.Supervisor.Pause(rec.ID); err != nil {
				return wjmerr.Wrap(wjmerr.Runtime, err, "pause").WithJob(rec.ID)
			}
			fmt.Printf("%s paused\n", rec.ID)
			return nil
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused job with SIGCONT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			rec, _, err := a.Store.ReadJobRecord(args[0])
			if err != nil {
				return wjmerr.Wrap(wjmerr.Validation, err, "reading job").WithJob(args[0])
			}
			if err := requireOwnership(rec); err != nil {
				return err
			}
			if err := a.Supervisor.Resume(rec.ID); err != nil {
				return wjmerr.Wrap(wjmerr.Runtime, err, "resume").WithJob(rec.ID)
			}
			fmt.Printf("%s resumed\n", rec.ID)
			return nil
		},
	}
}

func signalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal <id> <sig>",
		Short: "Deliver an arbitrary signal to a job's process group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			rec, _, err := a.Store.ReadJobRecord(args[0])
			if err != nil {
				return wjmerr.Wrap(wjmerr.Validation, err, "reading job").WithJob(args[0])
			}
			if err := requireOwnership(rec); err != nil {
				return err
			}
			sig := strings.TrimPrefix(strings.ToUpper(args[1]), "SIG")
			if err := a.Supervisor.Signal(rec.ID, sig); err != nil {
				return wjmerr.Wrap(wjmerr.Runtime, err, "signal").WithJob(rec.ID)
			}
			fmt.Printf("%s signaled %s\n", rec.ID, sig)
			return nil
		},
	}
}

func resubmitCmd() *cobra.Command {
	var immediate bool
	cmd := &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Reconstruct a terminal job's script and re-submit it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			rec, _, err := a.Store.ReadJobRecord(args[0])
			if err != nil {
				return wjmerr.Wrap(wjmerr.Validation, err, "reading job").WithJob(args[0])
			}
			if !rec.Status.Terminal() {
				return wjmerr.New(wjmerr.Validation, "job %s is not terminal (status %s)", rec.ID, rec.Status).WithJob(rec.ID)
			}
			if err := requireOwnership(rec); err != nil {
				return err
			}

			resolved := resolvedFromRecord(rec)
			return submitOne(a, submitted{
				name:    rec.Name,
				body:    rec.Command,
				base:    rec.ScriptBasename,
				deps:    rec.Dependencies,
				resolve: resolved,
			}, !immediate)
		},
	}
	cmd.Flags().BoolVar(&immediate, "immediate", false, "fail instead of enqueueing if it cannot run now")
	return cmd
}
