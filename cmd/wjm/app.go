package main

import (
	"fmt"
	"os"
	"os/user"

	"github.com/rs/zerolog"

	"github.com/wjm/workstation-job-manager/internal/admission"
	"github.com/wjm/workstation-job-manager/internal/config"
	"github.com/wjm/workstation-job-manager/internal/idalloc"
	"github.com/wjm/workstation-job-manager/internal/lockmgr"
	"github.com/wjm/workstation-job-manager/internal/obslog"
	"github.com/wjm/workstation-job-manager/internal/queueproc"
	"github.com/wjm/workstation-job-manager/internal/resource"
	"github.com/wjm/workstation-job-manager/internal/store"
	"github.com/wjm/workstation-job-manager/internal/supervisor"
)

// app wires every subsystem together once per process invocation —
// there is no long-lived daemon, so this bootstrap runs fresh on
// every command (spec §5).
type app struct {
	Config     *config.Config
	Store      *store.Store
	LockMgr    *lockmgr.Manager
	Admission  *admission.Controller
	Supervisor *supervisor.Supervisor
	QueueProc  *queueproc.Processor
	IDAlloc    *idalloc.Allocator
	Probe      *resource.Probe
	Log        zerolog.Logger
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	layout := store.Layout{
		JobDir:     cfg.JobDir,
		QueueDir:   cfg.QueueDir,
		ArchiveDir: cfg.ArchiveDir,
		LogDir:     cfg.LogDir,
	}
	if err := layout.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("preparing state directories: %w", err)
	}

	st := store.New(layout)
	lm := lockmgr.New(layout.StateDir())
	logger := obslog.New(cfg, "", "wjm")

	probe, err := resource.New(os.Getenv("WJM_GPU_DISCOVERY_CMD"))
	if err != nil {
		return nil, fmt.Errorf("initializing resource probe: %w", err)
	}

	ctrl := &admission.Controller{Config: cfg, Store: st, LockMgr: lm}
	sup := &supervisor.Supervisor{Store: st, Log: logger}
	qp := &queueproc.Processor{Config: cfg, Store: st, LockMgr: lm, Admission: ctrl, Dispatcher: sup}
	sup.Drainer = qp

	return &app{
		Config:     cfg,
		Store:      st,
		LockMgr:    lm,
		Admission:  ctrl,
		Supervisor: sup,
		QueueProc:  qp,
		IDAlloc:    idalloc.New(st, lm),
		Probe:      probe,
		Log:        logger,
	}, nil
}

// currentUser returns the effective user name for ownership checks
// (spec §1: "ownership is by effective-user identity only").
func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
