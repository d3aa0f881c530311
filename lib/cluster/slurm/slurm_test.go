// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cbrain/bourreau/lib/cluster"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/cbrain/bourreau/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct {
	adapter *Adapter
	ctx     context.Context
}

func (s *suite) SetUpTest(c *check.C) {
	s.adapter = New(bourreau.SLURMConfig{
		SbatchArgumentsList:   []string{"--account=rrg"},
		PollPeriod:            bourreau.Duration(time.Hour),
		MaxConcurrentCommands: 2,
	}, ctxlog.TestLogger(c))
	s.ctx = context.Background()
}

// slurmstub imitates sbatch, squeue, scancel and scontrol with an
// in-memory queue.
type slurmstub struct {
	mtx        sync.Mutex
	nextjobid  int
	jobs       map[string][2]string // id -> {state, reason}
	sbatchArgs [][]string
	squeueRuns int
}

func (stub *slurmstub) stubCommand(c *check.C) func(prog string, args ...string) *exec.Cmd {
	stub.nextjobid = 2000
	stub.jobs = map[string][2]string{}
	return func(prog string, args ...string) *exec.Cmd {
		c.Logf("stubCommand: %q %q", prog, args)
		stub.mtx.Lock()
		defer stub.mtx.Unlock()
		switch prog {
		case "sbatch":
			stub.sbatchArgs = append(stub.sbatchArgs, args)
			id := fmt.Sprintf("%d", stub.nextjobid)
			stub.nextjobid++
			stub.jobs[id] = [2]string{"PENDING", "Priority"}
			return exec.Command("echo", id+";cluster1")
		case "squeue":
			c.Check(args, check.DeepEquals, []string{"-h", "-o", "%i %T %r"})
			stub.squeueRuns++
			var lines []string
			for id, st := range stub.jobs {
				lines = append(lines, id+" "+st[0]+" "+st[1])
			}
			sort.Strings(lines)
			return exec.Command("printf", "%s", strings.Join(lines, "\n")+"\n")
		case "scancel":
			delete(stub.jobs, args[0])
			return exec.Command("true")
		case "scontrol":
			id := args[1]
			st, ok := stub.jobs[id]
			if !ok {
				return exec.Command("bash", "-c", "echo >&2 'slurm_suspend error: Invalid job id specified'; exit 1")
			}
			switch args[0] {
			case "hold":
				st = [2]string{"PENDING", "JobHeldUser"}
			case "release":
				st = [2]string{"PENDING", "None"}
			case "suspend":
				st = [2]string{"SUSPENDED", "None"}
			case "resume":
				st = [2]string{"RUNNING", "None"}
			}
			stub.jobs[id] = st
			return exec.Command("true")
		default:
			return exec.Command("bash", "-c", fmt.Sprintf("echo >&2 'stub: command not found: %+q'", prog))
		}
	}
}

func (s *suite) TestSubmitArgs(c *check.C) {
	stub := &slurmstub{}
	s.adapter.CLI.StubCommand = stub.stubCommand(c)
	jobid, err := s.adapter.Submit(s.ctx, cluster.JobDescription{
		Name:      "T5-2",
		Script:    []byte("#!/bin/bash\ntrue\n"),
		WorkDir:   "/work/T5",
		Stdout:    "/work/T5/.out",
		VCPUs:     2,
		MemoryMB:  512,
		Walltime:  2 * time.Hour,
		Queue:     "compute",
		ExtraArgs: []string{"--gres=gpu:1"},
	})
	c.Assert(err, check.IsNil)
	c.Check(jobid, check.Equals, "2000")
	c.Assert(stub.sbatchArgs, check.HasLen, 1)
	c.Check(stub.sbatchArgs[0], check.DeepEquals, []string{
		"--parsable",
		"--job-name=T5-2",
		"--chdir=/work/T5",
		"--output=/work/T5/.out",
		"--cpus-per-task=2",
		"--mem=512M",
		"--time=120",
		"--partition=compute",
		"--account=rrg",
		"--gres=gpu:1",
	})
}

func (s *suite) TestSubmitFailure(c *check.C) {
	s.adapter.CLI.StubCommand = func(string, ...string) *exec.Cmd {
		return exec.Command("bash", "-c", "echo >&2 'sbatch: error: invalid partition specified: nope'; exit 1")
	}
	_, err := s.adapter.Submit(s.ctx, cluster.JobDescription{Name: "T5-0", Queue: "nope"})
	c.Check(err, check.ErrorMatches, `sbatch: exit status 1 \(.*invalid partition.*\)`)
}

func (s *suite) TestPollAndControl(c *check.C) {
	stub := &slurmstub{}
	s.adapter.CLI.StubCommand = stub.stubCommand(c)
	jobid, err := s.adapter.Submit(s.ctx, cluster.JobDescription{Name: "T5-0"})
	c.Assert(err, check.IsNil)

	checkState := func(want cluster.JobState) {
		st, err := s.adapter.Poll(s.ctx, jobid)
		c.Check(err, check.IsNil)
		c.Check(st, check.Equals, want)
	}
	checkState(cluster.Queued)
	c.Check(s.adapter.Hold(s.ctx, jobid), check.IsNil)
	checkState(cluster.OnHold)
	c.Check(s.adapter.Release(s.ctx, jobid), check.IsNil)
	checkState(cluster.Queued)
	c.Check(s.adapter.Resume(s.ctx, jobid), check.IsNil)
	checkState(cluster.OnCPU)
	checkState(cluster.OnCPU)
	c.Check(s.adapter.Suspend(s.ctx, jobid), check.IsNil)
	checkState(cluster.Suspended)
	c.Check(s.adapter.Terminate(s.ctx, jobid), check.IsNil)
	checkState(cluster.Gone)
	// One listing after each change.
	c.Check(stub.squeueRuns, check.Equals, 6)

	c.Check(s.adapter.Hold(s.ctx, jobid), check.ErrorMatches, `scontrol: .*Invalid job id.*`)
}

func (s *suite) TestStateMapping(c *check.C) {
	s.adapter.CLI.StubCommand = func(string, ...string) *exec.Cmd {
		return exec.Command("printf", "%s", "1 PENDING Resources\n2 PENDING JobHeldAdmin\n3 COMPLETING None\n4 STOPPED None\n5 FAILED NonZeroExitCode\n6 REQUEUE_HOLD None\n")
	}
	for id, want := range map[string]cluster.JobState{
		"1": cluster.Queued,
		"2": cluster.OnHold,
		"3": cluster.OnCPU,
		"4": cluster.Suspended,
		"5": cluster.Gone,
		"6": cluster.OnHold,
		"7": cluster.Gone,
	} {
		st, err := s.adapter.Poll(s.ctx, id)
		c.Check(err, check.IsNil)
		c.Check(st, check.Equals, want, check.Commentf("job %s", id))
	}
}

func (s *suite) TestPollSeesJobSubmittedByAnotherWorker(c *check.C) {
	stub := &slurmstub{}
	cmd := stub.stubCommand(c)
	other := New(bourreau.SLURMConfig{PollPeriod: bourreau.Duration(time.Hour)}, ctxlog.TestLogger(c))
	s.adapter.CLI.StubCommand = cmd
	other.CLI.StubCommand = cmd

	st, err := s.adapter.Poll(s.ctx, "999")
	c.Assert(err, check.IsNil)
	c.Check(st, check.Equals, cluster.Gone)

	jobid, err := other.Submit(s.ctx, cluster.JobDescription{Name: "T8-0"})
	c.Assert(err, check.IsNil)
	st, err = s.adapter.Poll(s.ctx, jobid)
	c.Check(err, check.IsNil)
	c.Check(st, check.Equals, cluster.Queued)
	c.Check(stub.squeueRuns, check.Equals, 2)
}
