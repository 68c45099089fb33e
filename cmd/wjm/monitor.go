package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wjm/workstation-job-manager/internal/model"
	"github.com/wjm/workstation-job-manager/internal/store"
	"github.com/wjm/workstation-job-manager/internal/wjmerr"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			recs, err := allRecords(a.Store)
			if err != nil {
				return err
			}
			counts := map[model.Status]int{}
			for _, rec := range recs {
				counts[rec.Status]++
			}
			fmt.Println("--- Job Status Summary ---")
			for _, s := range []model.Status{model.StatusQueued, model.StatusRunning, model.StatusPaused, model.StatusCompleted, model.StatusFailed, model.StatusKilled} {
				fmt.Printf("%-10s %d\n", s, counts[s])
			}
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var stateFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			recs, err := allRecords(a.Store)
			if err != nil {
				return err
			}
			sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

			fmt.Println("ID\tNAME\tSTATUS\tPRIORITY\tWEIGHT")
			for _, rec := range recs {
				if stateFilter != "" && !strings.EqualFold(string(rec.Status), stateFilter) {
					continue
				}
				fmt.Printf("%s\t%s\t%s\t%s\t%d\n", rec.ID, rec.Name, rec.Status, rec.Priority, rec.Weight)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stateFilter, "status", "", "filter by status")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Print a job's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			rec, stale, err := a.Store.ReadJobRecord(args[0])
			if err != nil {
				return wjmerr.Wrap(wjmerr.Validation, err, "reading job").WithJob(args[0])
			}
			printRecord(rec, stale)
			return nil
		},
	}
}

func printRecord(rec *model.JobRecord, stale bool) {
	fmt.Printf("job_id=%s\n", rec.ID)
	fmt.Printf("name=%s\n", rec.Name)
	fmt.Printf("user=%s\n", rec.User)
	fmt.Printf("status=%s\n", rec.Status)
	fmt.Printf("priority=%s\n", rec.Priority)
	fmt.Printf("weight=%d\n", rec.Weight)
	fmt.Printf("project=%s\n", rec.Project)
	fmt.Printf("group=%s\n", rec.Group)
	fmt.Printf("submit_time=%s\n", rec.SubmitTime.Format(time.RFC3339))
	if !rec.StartTime.IsZero() {
		fmt.Printf("start_time=%s\n", rec.StartTime.Format(time.RFC3339))
	}
	if !rec.EndTime.IsZero() {
		fmt.Printf("end_time=%s\n", rec.EndTime.Format(time.RFC3339))
	}
	if rec.HasExitCode {
		fmt.Printf("exit_code=%d\n", rec.ExitCode)
	}
	if rec.FailReason != "" {
		fmt.Printf("fail_reason=%s\n", rec.FailReason)
	}
	fmt.Printf("retry_count=%d/%d\n", rec.RetryCount, rec.Retry.Max)
	if stale {
		fmt.Println("warning: record is stale (pid file missing while marked running)")
	}
}

func logsCmd() *cobra.Command {
	var tail, head int
	var follow, all bool
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show a job's combined stdout/stderr log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			path := a.Store.Layout.LogPath(args[0])
			f, err := os.Open(path)
			if err != nil {
				return wjmerr.Wrap(wjmerr.Validation, err, "opening log").WithJob(args[0])
			}
			defer f.Close()

			switch {
			case follow:
				return followLog(f)
			case head > 0:
				return printLines(f, head, true)
			case tail > 0:
				return printLines(f, tail, false)
			case all:
				_, err := io.Copy(os.Stdout, f)
				return err
			default:
				return printLines(f, 20, false)
			}
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 0, "print the last N lines")
	cmd.Flags().IntVar(&head, "head", 0, "print the first N lines")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream new lines as they're written")
	cmd.Flags().BoolVar(&all, "all", false, "print the entire log")
	return cmd
}

func printLines(f *os.File, n int, fromHead bool) error {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if fromHead {
		if n > len(lines) {
			n = len(lines)
		}
		lines = lines[:n]
	} else {
		if n > len(lines) {
			n = len(lines)
		}
		lines = lines[len(lines)-n:]
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

func followLog(f *os.File) error {
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			fmt.Print(line)
		}
		if err != nil {
			time.Sleep(500 * time.Millisecond)
		}
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id|all>",
		Short: "Poll a job's status at WATCH_REFRESH_INTERVAL until terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			interval := time.Duration(a.Config.WatchRefreshInterval) * time.Second
			if interval <= 0 {
				interval = 2 * time.Second
			}
			for {
				if args[0] == "all" {
					recs, err := allRecords(a.Store)
					if err != nil {
						return err
					}
					done := true
					for _, rec := range recs {
						if !rec.Status.Terminal() {
							done = false
						}
						fmt.Printf("%s\t%s\n", rec.ID, rec.Status)
					}
					fmt.Println("---")
					if done {
						return nil
					}
				} else {
					rec, _, err := a.Store.ReadJobRecord(args[0])
					if err != nil {
						return wjmerr.Wrap(wjmerr.Validation, err, "reading job").WithJob(args[0])
					}
					fmt.Printf("%s\t%s\n", rec.ID, rec.Status)
					if rec.Status.Terminal() {
						return nil
					}
				}
				time.Sleep(interval)
			}
		},
	}
}

func allRecords(s *store.Store) ([]*model.JobRecord, error) {
	ids, err := s.ListAllJobIDs()
	if err != nil {
		return nil, err
	}
	var out []*model.JobRecord
	for _, id := range ids {
		rec, stale, err := s.ReadJobRecord(id)
		if err != nil {
			continue
		}
		if stale {
			_ = s.SelfHeal(rec)
		}
		out = append(out, rec)
	}
	return out, nil
}
