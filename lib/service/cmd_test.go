// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cbrain/bourreau/lib/dbconn"
	"github.com/cbrain/bourreau/lib/syncstatus"
	"github.com/cbrain/bourreau/lib/taskstore"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/cbrain/bourreau/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct {
	dir    string
	config string
	db     *sqlx.DB
	store  *taskstore.Store
}

func (s *Suite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	dsn := "file:" + filepath.Join(s.dir, "bourreau.db") +
		"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	s.config = fmt.Sprintf(`
SystemLogs:
  LogLevel: debug
  Format: json
Database:
  Driver: sqlite
  DSN: %q
  ConnectionPool: 4
ManagementToken: abcde
Resources:
  "*":
    ClusterType: local
    WorkRoot: %q
    CacheDir: %q
    ManagementListen: ""
    CheckInterval: 50ms
    DebounceWindow: 0s
    SleepModeAfter: 0
    Notifications: log
`, dsn, filepath.Join(s.dir, "work"), filepath.Join(s.dir, "cache"))

	var err error
	s.db, err = dbconn.Open(context.Background(), bourreau.Database{Driver: "sqlite", DSN: dsn, ConnectionPool: 4})
	c.Assert(err, check.IsNil)
	c.Assert(dbconn.Migrate(context.Background(), s.db), check.IsNil)
	s.store = taskstore.New(s.db)
}

func (s *Suite) TearDownTest(c *check.C) {
	s.db.Close()
}

func (s *Suite) createTask(c *check.C, status bourreau.TaskStatus, params bourreau.Params) *bourreau.Task {
	t := &bourreau.Task{
		UserID:     3,
		ResourceID: 1,
		Type:       "diagnostics",
		Status:     status,
		Params:     params,
	}
	c.Assert(s.store.Create(context.Background(), t), check.IsNil)
	return t
}

func (s *Suite) TestWorkerRunsTaskToCompletion(c *check.C) {
	t := s.createTask(c, bourreau.StatusNew, bourreau.Params{"command": "echo ok > out.txt"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout, stderr bytes.Buffer
	exited := make(chan int, 1)
	go func() {
		exited <- workerCommand{ctx: ctx}.RunCommand("bourreau worker", []string{"-config", "-", "-resource", "1", "-migrate"}, strings.NewReader(s.config), &stdout, &stderr)
	}()

	deadline := time.Now().Add(20 * time.Second)
	for ; time.Now().Before(deadline); time.Sleep(50 * time.Millisecond) {
		got, err := s.store.Get(context.Background(), t.ID)
		c.Assert(err, check.IsNil)
		if got.Status.IsTerminal() {
			c.Check(got.Status, check.Equals, bourreau.StatusCompleted)
			break
		}
	}
	cancel()
	select {
	case code := <-exited:
		c.Check(code, check.Equals, 0)
	case <-time.After(10 * time.Second):
		c.Fatal("worker did not exit after cancel")
	}
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"worker started".*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"Task diagnostics T\d+ completed".*`)
}

func (s *Suite) TestWorkerNeedsResource(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := WorkerCommand.RunCommand("bourreau worker", []string{"-config", "-"}, strings.NewReader(s.config), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `.*-resource is required.*\n`)
}

func (s *Suite) TestWorkerBadClusterType(c *check.C) {
	var stdout, stderr bytes.Buffer
	config := strings.Replace(s.config, "ClusterType: local", "ClusterType: pbs", 1)
	code := WorkerCommand.RunCommand("bourreau worker", []string{"-config", "-", "-resource", "1"}, strings.NewReader(config), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*ClusterType: unsupported value \\"pbs\\".*`)
}

func (s *Suite) TestTaskCommand(c *check.C) {
	t := s.createTask(c, bourreau.StatusFailedOnCluster, nil)

	var stdout, stderr bytes.Buffer
	code := TaskCommand.RunCommand("bourreau task", []string{"-config", "-", "recover", fmt.Sprint(t.ID)}, strings.NewReader(s.config), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, fmt.Sprintf("task %d: Recover Cluster\n", t.ID))

	got, err := s.store.Get(context.Background(), t.ID)
	c.Assert(err, check.IsNil)
	c.Check(got.Status, check.Equals, bourreau.StatusRecoverCluster)

	stdout.Reset()
	stderr.Reset()
	code = TaskCommand.RunCommand("bourreau task", []string{"-config", "-", "-resource", "1", "terminate", fmt.Sprint(t.ID)}, strings.NewReader(s.config), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*cannot terminate a task in status \\"Recover Cluster\\".*`)
}

func (s *Suite) TestTaskCommandUsage(c *check.C) {
	for _, args := range [][]string{
		{"-config", "-"},
		{"-config", "-", "recover"},
		{"-config", "-", "explode", "1"},
		{"-config", "-", "recover", "one"},
	} {
		var stdout, stderr bytes.Buffer
		code := TaskCommand.RunCommand("bourreau task", args, strings.NewReader(s.config), &stdout, &stderr)
		c.Check(code, check.Equals, 2, check.Commentf("%q", args))
		c.Check(stderr.Len() > 0, check.Equals, true)
	}
}

func (s *Suite) TestSyncStatusCommand(c *check.C) {
	engine := syncstatus.New(s.db, 7, syncstatus.Config{}, ctxlog.TestLogger(c), nil)
	_, err := engine.GetOrCreate(context.Background(), 42)
	c.Assert(err, check.IsNil)

	var stdout, stderr bytes.Buffer
	code := SyncStatusCommand.RunCommand("bourreau sync-status", []string{"-config", "-", "42"}, strings.NewReader(s.config), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms)RESOURCE +STATUS +ACCESSED +SYNCED\n7 +ProvNewer +- +-\n`)

	stdout.Reset()
	code = SyncStatusCommand.RunCommand("bourreau sync-status", []string{"-config", "-", "43"}, strings.NewReader(s.config), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "userfile 43 has no sync status\n")
}

func (s *Suite) TestNewAdapter(c *check.C) {
	for _, ct := range []string{"lsf", "slurm", "local", ""} {
		a, err := NewAdapter(&bourreau.Resource{ClusterType: ct}, ctxlog.TestLogger(c))
		c.Check(err, check.IsNil)
		c.Check(a, check.NotNil)
	}
	_, err := NewAdapter(&bourreau.Resource{ClusterType: "pbs"}, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `unknown ClusterType "pbs"`)
}
