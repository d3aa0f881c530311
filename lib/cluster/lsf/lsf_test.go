// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lsf

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
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
	s.adapter = New(bourreau.LSFConfig{
		BsubArgumentsList: []string{"-o", "/tmp/bourreau.%%J.out", "-R", "select[ncpus>=%C]"},
		PollPeriod:        bourreau.Duration(time.Hour),
	}, ctxlog.TestLogger(c))
	s.adapter.CLI.StubCommand = func(string, ...string) *exec.Cmd {
		return exec.Command("bash", "-c", "echo >&2 unimplemented stub; false")
	}
	s.ctx = context.Background()
}

// lsfstub imitates bsub, bjobs, bkill, bstop and bresume with an
// in-memory queue.
type lsfstub struct {
	mtx       sync.Mutex
	nextjobid int
	stat      map[int]string
	bjobsRuns int
	bsubArgs  [][]string
}

func (stub *lsfstub) stubCommand(c *check.C) func(prog string, args ...string) *exec.Cmd {
	stub.nextjobid = 100
	stub.stat = map[int]string{}
	return func(prog string, args ...string) *exec.Cmd {
		c.Logf("stubCommand: %q %q", prog, args)
		stub.mtx.Lock()
		defer stub.mtx.Unlock()
		switch prog {
		case "bsub":
			stub.bsubArgs = append(stub.bsubArgs, args)
			jobid := stub.nextjobid
			stub.nextjobid++
			stub.stat[jobid] = "PEND"
			return exec.Command("echo", fmt.Sprintf("Job <%d> is submitted to queue <normal>.", jobid))
		case "bjobs":
			c.Check(args, check.DeepEquals, []string{"-u", "all", "-o", "jobid stat job_name pend_reason", "-json"})
			stub.bjobsRuns++
			var records []map[string]interface{}
			for jobid, stat := range stub.stat {
				records = append(records, map[string]interface{}{
					"JOBID":       fmt.Sprintf("%d", jobid),
					"STAT":        stat,
					"JOB_NAME":    fmt.Sprintf("T%d-0", jobid),
					"PEND_REASON": "",
				})
			}
			out, err := json.Marshal(map[string]interface{}{
				"COMMAND": "bjobs",
				"JOBS":    len(stub.stat),
				"RECORDS": records,
			})
			c.Assert(err, check.IsNil)
			return exec.Command("printf", "%s", string(out))
		case "bkill", "bstop", "bresume":
			jobid, _ := strconv.Atoi(args[0])
			stat, ok := stub.stat[jobid]
			if !ok {
				return exec.Command("bash", "-c", fmt.Sprintf("printf >&2 'Job <%d>: No matching job found\n'; exit 255", jobid))
			}
			switch {
			case prog == "bkill" && stat == "DONE":
				return exec.Command("bash", "-c", fmt.Sprintf("printf >&2 'Job <%d>: Job has already finished\n'; exit 255", jobid))
			case prog == "bkill":
				delete(stub.stat, jobid)
			case prog == "bstop" && stat == "PEND":
				stub.stat[jobid] = "PSUSP"
			case prog == "bstop":
				stub.stat[jobid] = "USUSP"
			case prog == "bresume" && stat == "PSUSP":
				stub.stat[jobid] = "PEND"
			case prog == "bresume":
				stub.stat[jobid] = "RUN"
			}
			return exec.Command("true")
		default:
			return exec.Command("bash", "-c", fmt.Sprintf("echo >&2 'stub: command not found: %+q'", prog))
		}
	}
}

func (s *suite) TestSubmitArgs(c *check.C) {
	stub := &lsfstub{}
	s.adapter.CLI.StubCommand = stub.stubCommand(c)
	jobid, err := s.adapter.Submit(s.ctx, cluster.JobDescription{
		Name:      "T100-0",
		Script:    []byte("#!/bin/bash\ntrue\n"),
		WorkDir:   "/work/T100",
		Stdout:    "/work/T100/.stdout",
		Stderr:    "/work/T100/.stderr",
		VCPUs:     4,
		MemoryMB:  2048,
		Walltime:  90*time.Minute + time.Second,
		Queue:     "short",
		ExtraArgs: []string{"-P", "cbrain"},
	})
	c.Assert(err, check.IsNil)
	c.Check(jobid, check.Equals, "100")
	c.Assert(stub.bsubArgs, check.HasLen, 1)
	c.Check(stub.bsubArgs[0], check.DeepEquals, []string{
		"-J", "T100-0",
		"-cwd", "/work/T100",
		"-o", "/work/T100/.stdout",
		"-e", "/work/T100/.stderr",
		"-n", "4",
		"-R", "rusage[mem=2048MB] span[hosts=1]",
		"-W", "91",
		"-q", "short",
		// %%J must have been rewritten to %J
		"-o", "/tmp/bourreau.%J.out",
		"-R", "select[ncpus>=4]",
		"-P", "cbrain",
	})
}

func (s *suite) TestSubmitBadSubstitution(c *check.C) {
	s.adapter.config.BsubArgumentsList = []string{"-x", "%X"}
	_, err := s.adapter.Submit(s.ctx, cluster.JobDescription{Name: "T1-0"})
	c.Check(err, check.ErrorMatches, `Unknown substitution parameter %X in BsubArgumentsList`)
}

func (s *suite) TestSubmitUnparseableOutput(c *check.C) {
	s.adapter.CLI.StubCommand = func(string, ...string) *exec.Cmd {
		return exec.Command("echo", "Request aborted by esub.")
	}
	_, err := s.adapter.Submit(s.ctx, cluster.JobDescription{Name: "T1-0"})
	c.Check(err, check.ErrorMatches, `bsub: cannot find job ID in output .*`)
}

func (s *suite) TestPollAndControl(c *check.C) {
	stub := &lsfstub{}
	s.adapter.CLI.StubCommand = stub.stubCommand(c)
	jobid, err := s.adapter.Submit(s.ctx, cluster.JobDescription{Name: "T100-0"})
	c.Assert(err, check.IsNil)

	checkState := func(want cluster.JobState) {
		st, err := s.adapter.Poll(s.ctx, jobid)
		c.Check(err, check.IsNil)
		c.Check(st, check.Equals, want)
	}
	checkState(cluster.Queued)
	checkState(cluster.Queued)
	c.Check(stub.bjobsRuns, check.Equals, 1)

	c.Check(s.adapter.Hold(s.ctx, jobid), check.IsNil)
	checkState(cluster.OnHold)
	c.Check(s.adapter.Release(s.ctx, jobid), check.IsNil)
	checkState(cluster.Queued)

	stub.mtx.Lock()
	stub.stat[100] = "RUN"
	stub.mtx.Unlock()
	// Snapshot is still fresh.
	checkState(cluster.Queued)
	s.adapter.queue.Invalidate()
	checkState(cluster.OnCPU)

	c.Check(s.adapter.Suspend(s.ctx, jobid), check.IsNil)
	checkState(cluster.Suspended)
	c.Check(s.adapter.Resume(s.ctx, jobid), check.IsNil)
	checkState(cluster.OnCPU)

	c.Check(s.adapter.Terminate(s.ctx, jobid), check.IsNil)
	checkState(cluster.Gone)
	c.Check(s.adapter.Terminate(s.ctx, jobid), check.ErrorMatches, `.*No matching job found.*`)
}

func (s *suite) TestTerminateFinishedJob(c *check.C) {
	stub := &lsfstub{}
	s.adapter.CLI.StubCommand = stub.stubCommand(c)
	stub.stat[7] = "DONE"
	c.Check(s.adapter.Terminate(s.ctx, "7"), check.IsNil)
	st, err := s.adapter.Poll(s.ctx, "7")
	c.Check(err, check.IsNil)
	c.Check(st, check.Equals, cluster.Gone)
}

func (s *suite) TestPollError(c *check.C) {
	_, err := s.adapter.Poll(s.ctx, "1")
	c.Check(err, check.ErrorMatches, `bjobs: exit status 1 \("unimplemented stub"\)`)
}

func (s *suite) TestPollSeesJobSubmittedByAnotherWorker(c *check.C) {
	stub := &lsfstub{}
	cmd := stub.stubCommand(c)
	other := New(bourreau.LSFConfig{PollPeriod: bourreau.Duration(time.Hour)}, ctxlog.TestLogger(c))
	s.adapter.CLI.StubCommand = cmd
	other.CLI.StubCommand = cmd

	st, err := s.adapter.Poll(s.ctx, "999")
	c.Assert(err, check.IsNil)
	c.Check(st, check.Equals, cluster.Gone)

	jobid, err := other.Submit(s.ctx, cluster.JobDescription{Name: "T100-0"})
	c.Assert(err, check.IsNil)
	st, err = s.adapter.Poll(s.ctx, jobid)
	c.Check(err, check.IsNil)
	c.Check(st, check.Equals, cluster.Queued)
	c.Check(stub.bjobsRuns, check.Equals, 2)
}
