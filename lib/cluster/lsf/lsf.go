// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package lsf submits and controls task jobs with the IBM Spectrum
// LSF command line tools.
package lsf

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cbrain/bourreau/lib/cluster"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/sirupsen/logrus"
)

type bjobsEntry struct {
	ID         string `json:"JOBID"`
	Name       string `json:"JOB_NAME"`
	Stat       string `json:"STAT"`
	PendReason string `json:"PEND_REASON"`
}

type Adapter struct {
	CLI    *cluster.CLI
	config bourreau.LSFConfig
	logger logrus.FieldLogger
	queue  cluster.Snapshot[bjobsEntry]
}

var _ cluster.Adapter = (*Adapter)(nil)

func New(config bourreau.LSFConfig, logger logrus.FieldLogger) *Adapter {
	a := &Adapter{
		CLI:    cluster.NewCLI(logger, 0),
		config: config,
		logger: logger,
	}
	a.queue.Period = config.PollPeriod.Duration()
	a.queue.Load = a.bjobs
	return a
}

var submittedRegexp = regexp.MustCompile(`Job <(\d+)> is submitted`)

func (a *Adapter) Submit(ctx context.Context, job cluster.JobDescription) (string, error) {
	args, err := a.bsubArgs(job)
	if err != nil {
		return "", err
	}
	a.logger.Infof("bsub command %q", args)
	out, err := a.CLI.Run(ctx, job.Script, "bsub", args...)
	if err != nil {
		return "", err
	}
	a.queue.Invalidate()
	m := submittedRegexp.FindSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("bsub: cannot find job ID in output %q", out)
	}
	return string(m[1]), nil
}

func (a *Adapter) bsubArgs(job cluster.JobDescription) ([]string, error) {
	args := []string{"-J", job.Name, "-cwd", job.WorkDir}
	if job.Stdout != "" {
		args = append(args, "-o", job.Stdout)
	}
	if job.Stderr != "" {
		args = append(args, "-e", job.Stderr)
	}
	if job.VCPUs > 0 {
		args = append(args, "-n", fmt.Sprintf("%d", job.VCPUs))
	}
	if job.MemoryMB > 0 {
		args = append(args, "-R", fmt.Sprintf("rusage[mem=%dMB] span[hosts=1]", job.MemoryMB))
	}
	if job.Walltime > 0 {
		args = append(args, "-W", fmt.Sprintf("%d", int64((job.Walltime+time.Minute-1)/time.Minute)))
	}
	if job.Queue != "" {
		args = append(args, "-q", job.Queue)
	}

	repl := map[string]string{
		"%%": "%",
		"%C": fmt.Sprintf("%d", job.VCPUs),
		"%M": fmt.Sprintf("%d", job.MemoryMB),
		"%U": job.Name,
		"%W": job.WorkDir,
	}
	re := regexp.MustCompile(`%.`)
	var substitutionErrors []string
	for _, arg := range a.config.BsubArgumentsList {
		args = append(args, re.ReplaceAllStringFunc(arg, func(s string) string {
			subst, ok := repl[s]
			if !ok {
				substitutionErrors = append(substitutionErrors, fmt.Sprintf("Unknown substitution parameter %s in BsubArgumentsList", s))
			}
			return subst
		}))
	}
	if len(substitutionErrors) != 0 {
		return nil, fmt.Errorf("%s", strings.Join(substitutionErrors, ", "))
	}
	return append(args, job.ExtraArgs...), nil
}

func (a *Adapter) bjobs(ctx context.Context) (map[string]bjobsEntry, error) {
	buf, err := a.CLI.Run(ctx, nil, "bjobs", "-u", "all", "-o", "jobid stat job_name pend_reason", "-json")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Records []bjobsEntry `json:"RECORDS"`
	}
	if err := json.Unmarshal(buf, &resp); err != nil {
		return nil, fmt.Errorf("bjobs: %w", err)
	}
	next := make(map[string]bjobsEntry, len(resp.Records))
	for _, ent := range resp.Records {
		next[ent.ID] = ent
	}
	return next, nil
}

func (a *Adapter) Poll(ctx context.Context, jobID string) (cluster.JobState, error) {
	ent, ok, err := a.queue.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !ok {
		return cluster.Gone, nil
	}
	switch ent.Stat {
	case "PEND", "WAIT":
		return cluster.Queued, nil
	case "PSUSP":
		return cluster.OnHold, nil
	case "RUN", "UNKWN":
		return cluster.OnCPU, nil
	case "USUSP", "SSUSP":
		return cluster.Suspended, nil
	default:
		return cluster.Gone, nil
	}
}

func (a *Adapter) Terminate(ctx context.Context, jobID string) error {
	a.logger.Infof("bkill %s", jobID)
	_, err := a.CLI.Run(ctx, nil, "bkill", jobID)
	a.queue.Invalidate()
	if err != nil && strings.Contains(err.Error(), "already finished") {
		return nil
	}
	return err
}

func (a *Adapter) Suspend(ctx context.Context, jobID string) error {
	return a.control(ctx, "bstop", jobID)
}

func (a *Adapter) Resume(ctx context.Context, jobID string) error {
	return a.control(ctx, "bresume", jobID)
}

// Hold stops a pending job, which LSF reports as PSUSP until it is
// resumed.
func (a *Adapter) Hold(ctx context.Context, jobID string) error {
	return a.control(ctx, "bstop", jobID)
}

func (a *Adapter) Release(ctx context.Context, jobID string) error {
	return a.control(ctx, "bresume", jobID)
}

func (a *Adapter) control(ctx context.Context, prog, jobID string) error {
	_, err := a.CLI.Run(ctx, nil, prog, jobID)
	a.queue.Invalidate()
	return err
}
