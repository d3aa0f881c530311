// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurm submits and controls task jobs with the SLURM
// command line tools.
package slurm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cbrain/bourreau/lib/cluster"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/sirupsen/logrus"
)

type squeueEntry struct {
	ID     string
	State  string
	Reason string
}

type Adapter struct {
	CLI    *cluster.CLI
	config bourreau.SLURMConfig
	logger logrus.FieldLogger
	queue  cluster.Snapshot[squeueEntry]
}

var _ cluster.Adapter = (*Adapter)(nil)

func New(config bourreau.SLURMConfig, logger logrus.FieldLogger) *Adapter {
	a := &Adapter{
		CLI:    cluster.NewCLI(logger, config.MaxConcurrentCommands),
		config: config,
		logger: logger,
	}
	a.queue.Period = config.PollPeriod.Duration()
	a.queue.Load = a.squeue
	return a
}

func (a *Adapter) Submit(ctx context.Context, job cluster.JobDescription) (string, error) {
	args := a.sbatchArgs(job)
	a.logger.Infof("sbatch command %q", args)
	out, err := a.CLI.Run(ctx, job.Script, "sbatch", args...)
	if err != nil {
		return "", err
	}
	a.queue.Invalidate()
	// --parsable prints "jobid" or "jobid;clustername".
	jobid := strings.TrimSpace(string(out))
	if i := strings.IndexByte(jobid, ';'); i >= 0 {
		jobid = jobid[:i]
	}
	if jobid == "" || strings.ContainsAny(jobid, " \n") {
		return "", fmt.Errorf("sbatch: cannot find job ID in output %q", out)
	}
	return jobid, nil
}

func (a *Adapter) sbatchArgs(job cluster.JobDescription) []string {
	args := []string{"--parsable", "--job-name=" + job.Name, "--chdir=" + job.WorkDir}
	if job.Stdout != "" {
		args = append(args, "--output="+job.Stdout)
	}
	if job.Stderr != "" {
		args = append(args, "--error="+job.Stderr)
	}
	if job.VCPUs > 0 {
		args = append(args, fmt.Sprintf("--cpus-per-task=%d", job.VCPUs))
	}
	if job.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--mem=%dM", job.MemoryMB))
	}
	if job.Walltime > 0 {
		args = append(args, fmt.Sprintf("--time=%d", int64((job.Walltime+time.Minute-1)/time.Minute)))
	}
	if job.Queue != "" {
		args = append(args, "--partition="+job.Queue)
	}
	args = append(args, a.config.SbatchArgumentsList...)
	return append(args, job.ExtraArgs...)
}

func (a *Adapter) squeue(ctx context.Context) (map[string]squeueEntry, error) {
	out, err := a.CLI.Run(ctx, nil, "squeue", "-h", "-o", "%i %T %r")
	if err != nil {
		return nil, err
	}
	next := map[string]squeueEntry{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 3)
		if len(fields) < 2 {
			continue
		}
		ent := squeueEntry{ID: fields[0], State: fields[1]}
		if len(fields) == 3 {
			ent.Reason = fields[2]
		}
		next[ent.ID] = ent
	}
	return next, scanner.Err()
}

func (a *Adapter) Poll(ctx context.Context, jobID string) (cluster.JobState, error) {
	ent, ok, err := a.queue.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !ok {
		return cluster.Gone, nil
	}
	switch ent.State {
	case "PENDING", "REQUEUED", "REQUEUE_HOLD":
		if strings.HasPrefix(ent.Reason, "JobHeld") || ent.State == "REQUEUE_HOLD" {
			return cluster.OnHold, nil
		}
		return cluster.Queued, nil
	case "RUNNING", "COMPLETING", "CONFIGURING", "STAGE_OUT", "SIGNALING":
		return cluster.OnCPU, nil
	case "SUSPENDED", "STOPPED":
		return cluster.Suspended, nil
	default:
		return cluster.Gone, nil
	}
}

func (a *Adapter) Terminate(ctx context.Context, jobID string) error {
	a.logger.Infof("scancel %s", jobID)
	_, err := a.CLI.Run(ctx, nil, "scancel", jobID)
	a.queue.Invalidate()
	return err
}

func (a *Adapter) Suspend(ctx context.Context, jobID string) error {
	return a.scontrol(ctx, "suspend", jobID)
}

func (a *Adapter) Resume(ctx context.Context, jobID string) error {
	return a.scontrol(ctx, "resume", jobID)
}

func (a *Adapter) Hold(ctx context.Context, jobID string) error {
	return a.scontrol(ctx, "hold", jobID)
}

func (a *Adapter) Release(ctx context.Context, jobID string) error {
	return a.scontrol(ctx, "release", jobID)
}

func (a *Adapter) scontrol(ctx context.Context, verb, jobID string) error {
	_, err := a.CLI.Run(ctx, nil, "scontrol", verb, jobID)
	a.queue.Invalidate()
	return err
}
