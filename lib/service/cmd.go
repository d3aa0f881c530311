// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cbrain/bourreau/lib/cmd"
	"github.com/cbrain/bourreau/lib/config"
	"github.com/cbrain/bourreau/lib/dbconn"
	"github.com/cbrain/bourreau/lib/lifecycle"
	"github.com/cbrain/bourreau/lib/syncstatus"
	"github.com/cbrain/bourreau/lib/taskstore"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/cbrain/bourreau/sdk/go/ctxlog"
	"github.com/coreos/go-systemd/daemon"
	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	WorkerCommand     cmd.Handler = workerCommand{}
	TaskCommand       cmd.Handler = taskCommand{}
	SyncStatusCommand cmd.Handler = syncStatusCommand{}
)

// env is what every subcommand needs after flag parsing.
type env struct {
	cfg    *bourreau.Config
	logger logrus.FieldLogger
	db     *sqlx.DB
}

// setup loads the site config, replaces the bootstrap logger with one
// following SystemLogs, and opens the database.
func setup(ctx context.Context, loader *config.Loader, stderr io.Writer) (*env, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	logger := ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel).WithField("PID", os.Getpid())
	db, err := dbconn.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, db: db}, nil
}

type workerCommand struct {
	ctx context.Context // enables tests to shut down the worker
}

func (c workerCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var logger logrus.FieldLogger = ctxlog.New(stderr, "json", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	resourceID := flags.Int64("resource", 0, "Compute resource `id` to serve")
	migrate := flags.Bool("migrate", false, "Create missing database tables before starting")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	} else if *resourceID <= 0 {
		fmt.Fprintf(stderr, "%s: -resource is required\n", prog)
		return 2
	}

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	e, err := setup(ctx, loader, stderr)
	if err != nil {
		return 1
	}
	defer e.db.Close()
	logger = e.logger
	ctx = ctxlog.Context(ctx, logger)

	if *migrate {
		if err = dbconn.Migrate(ctx, e.db); err != nil {
			return 1
		}
	}

	reg := prometheus.NewRegistry()
	registerVersion(reg)
	w, err := NewWorker(ctx, e.cfg, *resourceID, e.db, reg, logger)
	if err != nil {
		return 1
	}

	if listen := w.Resource.ManagementListen; listen != "" {
		var ln net.Listener
		ln, err = net.Listen("tcp", listen)
		if err != nil {
			return 1
		}
		srv := &http.Server{
			Handler: &ManagementHandler{
				Token:    e.cfg.ManagementToken,
				Registry: reg,
				Logger:   logger,
				Health:   func() error { return e.db.PingContext(ctx) },
				Wake:     w.Scheduler.Wake,
			},
			BaseContext:       func(net.Listener) context.Context { return ctx },
			ReadHeaderTimeout: 10 * time.Second,
		}
		go srv.Serve(ln)
		defer srv.Close()
		logger.WithField("Listen", ln.Addr().String()).Info("management server listening")
		if e.cfg.ManagementToken == "" {
			logger.Warn("ManagementToken is empty, all management requests will be refused")
		}
	}

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				logger.Info("SIGUSR1 received")
				w.Scheduler.Wake()
			}
		}
	}()

	logger.WithFields(logrus.Fields{
		"ResourceID":  *resourceID,
		"ClusterType": w.Resource.ClusterType,
		"Version":     cmd.Version.String(),
	}).Info("starting")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Error("error notifying init daemon")
	}
	err = w.Scheduler.Run(ctx)
	if err != nil {
		return 1
	}
	return 0
}

type taskCommand struct{}

func (taskCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var logger logrus.FieldLogger = ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("request failed")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	resourceID := flags.Int64("resource", 0, "Compute resource `id` (default: the task's resource)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "action task-id [phase]", stderr); !ok {
		if code == 2 {
			fmt.Fprintf(stderr, "actions: %v\n", lifecycle.Actions)
		}
		return code
	}
	action, err := lifecycle.ParseAction(flags.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		err = nil
		return 2
	}
	taskID, err := strconv.ParseInt(flags.Arg(1), 10, 64)
	if err != nil {
		fmt.Fprintf(stderr, "invalid task id %q\n", flags.Arg(1))
		err = nil
		return 2
	}
	var phase bourreau.Phase
	if flags.NArg() == 3 {
		phase = bourreau.Phase(flags.Arg(2))
	}

	ctx := context.Background()
	e, err := setup(ctx, loader, stderr)
	if err != nil {
		return 1
	}
	defer e.db.Close()
	logger = e.logger

	if *resourceID == 0 {
		var task *bourreau.Task
		task, err = taskstore.New(e.db).Get(ctx, taskID)
		if err != nil {
			return 1
		}
		*resourceID = task.ResourceID
	}
	w, err := NewWorker(ctx, e.cfg, *resourceID, e.db, nil, logger)
	if err != nil {
		return 1
	}
	if err = w.Machine.Request(ctx, taskID, action, phase); err != nil {
		return 1
	}
	task, err := w.Store.Get(ctx, taskID)
	if err != nil {
		return 1
	}
	fmt.Fprintf(stdout, "task %d: %s\n", task.ID, task.Status)
	return 0
}

type syncStatusCommand struct{}

func (syncStatusCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var logger logrus.FieldLogger = ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("sync-status failed")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "userfile-id", stderr); !ok {
		return code
	}
	userfileID, err := strconv.ParseInt(flags.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintf(stderr, "invalid userfile id %q\n", flags.Arg(0))
		err = nil
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, loader, stderr)
	if err != nil {
		return 1
	}
	defer e.db.Close()
	logger = e.logger

	rows, err := syncstatus.New(e.db, 0, syncstatus.Config{}, logger, nil).Rows(ctx, userfileID)
	if err != nil {
		return 1
	}
	if len(rows) == 0 {
		fmt.Fprintf(stdout, "userfile %d has no sync status\n", userfileID)
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tSTATUS\tACCESSED\tSYNCED")
	for _, row := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", row.ResourceID, row.Status, ago(row.AccessedAt), ago(row.SyncedAt))
	}
	err = tw.Flush()
	if err != nil {
		return 1
	}
	return 0
}

func ago(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}
