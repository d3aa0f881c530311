// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package lifecycle advances tasks through their statuses: setup and
// submission, cluster status refresh, result harvesting, recovery
// and restart.
//
// Every status change is a compare-and-swap on the task row. When
// another process gets there first, the raising form returns an
// error matching bourreau.ErrTransitionLost, and the caller should
// leave the task alone until its next scan.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cbrain/bourreau/lib/cluster"
	"github.com/cbrain/bourreau/lib/notify"
	"github.com/cbrain/bourreau/lib/storage"
	"github.com/cbrain/bourreau/lib/taskstore"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/cbrain/bourreau/sdk/go/ctxlog"
	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Machine struct {
	ResourceID int64
	Store      *taskstore.Store
	Adapter    cluster.Adapter
	Types      *Registry
	// Storage is handed to task type code. Nil if the resource
	// has no cache.
	Storage *storage.Manager
	// Notifier receives completion and failure notices. Nil
	// disables notifications.
	Notifier notify.Sink
	Cluster  *bourreau.Config
	Resource *bourreau.Resource
	Logger   logrus.FieldLogger
	Registry *prometheus.Registry

	initOnce sync.Once
	metrics  *metrics
}

func (m *Machine) init() {
	m.initOnce.Do(func() {
		if m.Types == nil {
			m.Types = Builtin()
		}
		if m.Logger == nil {
			m.Logger = ctxlog.FromContext(context.Background())
		}
		if m.Resource == nil {
			m.Resource = &bourreau.Resource{}
		}
		m.metrics = newMetrics(m.Registry)
	})
}

func (m *Machine) taskLogger(task *bourreau.Task) logrus.FieldLogger {
	return m.Logger.WithFields(logrus.Fields{
		"TaskID": task.ID,
		"UserID": task.UserID,
		"Status": task.Status,
	})
}

// WorkDir returns the directory where the task's files and cluster
// job output live.
func (m *Machine) WorkDir(task *bourreau.Task) string {
	m.init()
	return filepath.Join(m.Resource.WorkRoot, fmt.Sprintf("T%d", task.ID))
}

// Transition changes the task's status from "from" to "to", along
// with ch, if the stored status is still "from". It returns false if
// another process changed the task first. A non-nil error means the
// edge is illegal or the store failed.
//
// On success task is updated to match the stored row.
func (m *Machine) Transition(ctx context.Context, task *bourreau.Task, from, to bourreau.TaskStatus, ch taskstore.Changes) (bool, error) {
	m.init()
	ok, err := m.Store.CompareAndSwapStatus(ctx, task.ID, from, to, ch)
	if err != nil || !ok {
		return ok, err
	}
	task.Status = to
	if ch.IncrementRunNumber {
		task.RunNumber++
	}
	if ch.ClusterJobID != nil {
		task.ClusterJobID = *ch.ClusterJobID
	}
	if ch.ClusterWorkDir != nil {
		task.ClusterWorkDir = *ch.ClusterWorkDir
	}
	if ch.ClusterRunNumber != nil {
		task.ClusterRunNumber = *ch.ClusterRunNumber
	}
	if to.IsTerminal() {
		m.metrics.terminal.WithLabelValues(string(to)).Inc()
		if (to == bourreau.StatusCompleted || to.IsFailed()) && !inCycle(from) {
			m.notify(ctx, task)
		}
	}
	return true, nil
}

// MustTransition is like Transition, but returns a
// *bourreau.TransitionError if the stored status was not "from".
func (m *Machine) MustTransition(ctx context.Context, task *bourreau.Task, from, to bourreau.TaskStatus, ch taskstore.Changes) error {
	ok, err := m.Transition(ctx, task, from, to, ch)
	if err != nil {
		return err
	}
	if !ok {
		te := &bourreau.TransitionError{TaskID: task.ID, From: from, To: to}
		if current, err := m.Store.Statuses(ctx, []int64{task.ID}); err == nil {
			te.Actual = current[task.ID]
		}
		return te
	}
	return nil
}

// inCycle returns true for the in-progress statuses of a recovery or
// restart.
func inCycle(s bourreau.TaskStatus) bool {
	return strings.HasPrefix(string(s), "Recovering ") || strings.HasPrefix(string(s), "Restarting ")
}

func (m *Machine) notify(ctx context.Context, task *bourreau.Task) {
	if m.Notifier == nil {
		return
	}
	if m.Cluster != nil && m.Cluster.ToolCategory(task.Type) == "background" {
		return
	}
	kind, verb := notify.Notice, "completed"
	if task.Status.IsFailed() {
		kind, verb = notify.Error, "failed"
	}
	subject := fmt.Sprintf("Task %s T%d %s", task.Type, task.ID, verb)
	body := string(task.Status)
	if task.Description != "" {
		body += ": " + task.Description
	}
	if err := m.Notifier.Notify(ctx, task.UserID, kind, subject, body); err != nil {
		m.metrics.notifications.WithLabelValues("failure").Inc()
		m.taskLogger(task).WithError(err).Warn("cannot send notification")
		return
	}
	m.metrics.notifications.WithLabelValues("success").Inc()
}

// Dispatch does whatever the task's current status calls for. It
// returns an error matching bourreau.ErrTransitionLost if another
// process changed the task in the meantime. Failures of task code
// and of the cluster become task statuses, not errors; any other
// error means something is badly wrong.
func (m *Machine) Dispatch(ctx context.Context, task *bourreau.Task) error {
	m.init()
	switch st := task.Status; {
	case st == bourreau.StatusNew:
		return m.start(ctx, task)
	case st.OnCluster():
		return m.refresh(ctx, task)
	case st == bourreau.StatusDataReady:
		return m.postProcess(ctx, task)
	}
	if phase, ok := task.Status.RecoverPhase(); ok {
		return m.recover(ctx, task, phase)
	}
	if phase, ok := task.Status.RestartPhase(); ok {
		return m.restart(ctx, task, phase)
	}
	return fmt.Errorf("task %d: nothing to do in status %q", task.ID, task.Status)
}

func (m *Machine) prerequisites(ctx context.Context, task *bourreau.Task, kind bourreau.PrerequisiteKind) (Verdict, string, error) {
	required := task.Prerequisites[kind]
	if len(required) == 0 {
		return Go, "", nil
	}
	ids := make([]int64, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	current, err := m.Store.Statuses(ctx, ids)
	if err != nil {
		return 0, "", err
	}
	verdict, msg := EvaluatePrerequisites(required, current)
	return verdict, msg, nil
}

func (m *Machine) start(ctx context.Context, task *bourreau.Task) error {
	logger := m.taskLogger(task)
	verdict, msg, err := m.prerequisites(ctx, task, bourreau.ForSetup)
	if err != nil {
		return err
	}
	switch verdict {
	case Wait:
		logger.Debug("waiting for setup prerequisites")
		return nil
	case Fail:
		logger.Info(msg)
		return m.MustTransition(ctx, task, bourreau.StatusNew, bourreau.StatusFailedSetupPrerequisites, taskstore.Changes{Log: msg})
	}
	err = m.MustTransition(ctx, task, bourreau.StatusNew, bourreau.StatusSettingUp, taskstore.Changes{Log: "setting up"})
	if err != nil {
		return err
	}
	workdir := m.WorkDir(task)
	if task.ClusterWorkDir != workdir {
		if err := m.Store.Update(ctx, task.ID, taskstore.Changes{ClusterWorkDir: &workdir}); err != nil {
			return err
		}
		task.ClusterWorkDir = workdir
	}
	jobID, err := m.setupAndSubmit(ctx, task)
	if err != nil {
		logger.WithError(err).Info("setup failed")
		return m.MustTransition(ctx, task, bourreau.StatusSettingUp, bourreau.StatusFailedToSetup, taskstore.Changes{Log: "setup failed: " + err.Error()})
	}
	logger.WithField("ClusterJobID", jobID).Info("submitted")
	run := task.RunNumber
	return m.MustTransition(ctx, task, bourreau.StatusSettingUp, bourreau.StatusQueued, taskstore.Changes{
		ClusterJobID:     &jobID,
		ClusterRunNumber: &run,
		Log:              "submitted cluster job " + jobID,
	})
}

func (m *Machine) setupAndSubmit(ctx context.Context, task *bourreau.Task) (string, error) {
	tt, err := m.Types.Lookup(task.Type)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(task.ClusterWorkDir, 0755); err != nil {
		return "", err
	}
	env := m.env(task)
	if err := tt.Setup(ctx, env); err != nil {
		return "", err
	}
	return m.submit(ctx, tt, env)
}

func (m *Machine) env(task *bourreau.Task) *Env {
	return &Env{
		Task:     task,
		WorkDir:  task.ClusterWorkDir,
		Storage:  m.Storage,
		Resource: m.Resource,
		Logger:   m.taskLogger(task),
	}
}

func (m *Machine) submit(ctx context.Context, tt TaskType, env *Env) (string, error) {
	commands, err := tt.ClusterCommands(env)
	if err != nil {
		return "", err
	}
	job, err := m.jobDescription(env.Task, commands)
	if err != nil {
		return "", err
	}
	jobID, err := m.Adapter.Submit(ctx, job)
	if err != nil {
		m.metrics.submissions.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("submit: %w", err)
	}
	m.metrics.submissions.WithLabelValues("success").Inc()
	return jobID, nil
}

func (m *Machine) jobDescription(task *bourreau.Task, commands []string) (cluster.JobDescription, error) {
	name := task.JobName()
	workdir := task.ClusterWorkDir
	job := cluster.JobDescription{
		Name:     name,
		Script:   cluster.Script(name, workdir, commands),
		WorkDir:  workdir,
		Stdout:   filepath.Join(workdir, ".bourreau.out."+name),
		Stderr:   filepath.Join(workdir, ".bourreau.err."+name),
		VCPUs:    m.Resource.Job.VCPUs,
		MemoryMB: m.Resource.Job.MemoryMB,
		Walltime: m.Resource.Job.Walltime.Duration(),
		Queue:    m.Resource.Job.Queue,
	}
	if args := task.Params.String("cluster_args"); args != "" {
		extra, err := shlex.Split(args)
		if err != nil {
			return job, fmt.Errorf("cluster_args: %w", err)
		}
		job.ExtraArgs = extra
	}
	return job, nil
}

// statusFor maps a cluster job state onto a task status. A job the
// cluster no longer knows about has finished, one way or another.
func statusFor(state cluster.JobState) bourreau.TaskStatus {
	switch state {
	case cluster.Queued:
		return bourreau.StatusQueued
	case cluster.OnHold:
		return bourreau.StatusOnHold
	case cluster.OnCPU:
		return bourreau.StatusOnCPU
	case cluster.Suspended:
		return bourreau.StatusSuspended
	default:
		return bourreau.StatusDataReady
	}
}

func (m *Machine) refresh(ctx context.Context, task *bourreau.Task) error {
	logger := m.taskLogger(task)
	state, err := m.Adapter.Poll(ctx, task.ClusterJobID)
	if err != nil {
		logger.WithError(err).Warn("cannot poll cluster job")
		return nil
	}
	to := statusFor(state)
	if to == task.Status {
		return nil
	}
	ok, err := m.Transition(ctx, task, task.Status, to, taskstore.Changes{})
	if err != nil {
		return err
	} else if !ok {
		logger.Debug("status changed concurrently, skipping refresh")
		return nil
	}
	logger.WithField("NewStatus", to).Info("cluster job status changed")
	return nil
}

func (m *Machine) postProcess(ctx context.Context, task *bourreau.Task) error {
	logger := m.taskLogger(task)
	verdict, msg, err := m.prerequisites(ctx, task, bourreau.ForPostProcessing)
	if err != nil {
		return err
	}
	switch verdict {
	case Wait:
		logger.Debug("waiting for post processing prerequisites")
		return nil
	case Fail:
		logger.Info(msg)
		return m.MustTransition(ctx, task, bourreau.StatusDataReady, bourreau.StatusFailedPostProcessPrerequisites, taskstore.Changes{Log: msg})
	}
	err = m.MustTransition(ctx, task, bourreau.StatusDataReady, bourreau.StatusPostProcessing, taskstore.Changes{Log: "post processing"})
	if err != nil {
		return err
	}
	to, msg := m.saveResults(ctx, task)
	logger.WithField("NewStatus", to).Info(msg)
	return m.MustTransition(ctx, task, bourreau.StatusPostProcessing, to, taskstore.Changes{Log: msg})
}

func (m *Machine) saveResults(ctx context.Context, task *bourreau.Task) (bourreau.TaskStatus, string) {
	if task.ClusterWorkDir == "" {
		return bourreau.StatusFailedOnCluster, "task has no work directory"
	}
	status, err := cluster.ReadExitStatus(task.ClusterWorkDir, task.ClusterJobName())
	if err != nil {
		return bourreau.StatusFailedOnCluster, "cannot read cluster job exit status: " + err.Error()
	} else if status != 0 {
		return bourreau.StatusFailedOnCluster, fmt.Sprintf("cluster job exited %d", status)
	}
	tt, err := m.Types.Lookup(task.Type)
	if err != nil {
		return bourreau.StatusFailedToPostProcess, err.Error()
	}
	if err := tt.SaveResults(ctx, m.env(task)); err != nil {
		return bourreau.StatusFailedToPostProcess, "saving results failed: " + err.Error()
	}
	return bourreau.StatusCompleted, "completed"
}

func (m *Machine) recover(ctx context.Context, task *bourreau.Task, phase bourreau.Phase) error {
	logger := m.taskLogger(task)
	from := phase.RecoveringStatus()
	err := m.MustTransition(ctx, task, phase.RecoverStatus(), from, taskstore.Changes{Log: "recovering " + string(phase)})
	if err != nil {
		return err
	}
	if phase != bourreau.PhaseSetup {
		alive, state, err := m.liveJob(ctx, task)
		if err != nil {
			return m.MustTransition(ctx, task, from, phase.FailedStatus(), taskstore.Changes{Log: "recovery failed: cannot poll cluster job: " + err.Error()})
		}
		if alive {
			// The task never really failed. Put it back where
			// the cluster says it is.
			m.metrics.snapbacks.Inc()
			to := statusFor(state)
			logger.WithField("NewStatus", to).Info("cluster job is still alive, recovery abandoned")
			return m.MustTransition(ctx, task, from, to, taskstore.Changes{Log: "cluster job is still alive, recovery abandoned"})
		}
	}
	return m.resume(ctx, task, phase, from, m.runHook(ctx, task, phase, false), false)
}

func (m *Machine) restart(ctx context.Context, task *bourreau.Task, phase bourreau.Phase) error {
	from := phase.RestartingStatus()
	err := m.MustTransition(ctx, task, phase.RestartStatus(), from, taskstore.Changes{Log: "restarting " + string(phase)})
	if err != nil {
		return err
	}
	return m.resume(ctx, task, phase, from, m.runHook(ctx, task, phase, true), true)
}

func (m *Machine) liveJob(ctx context.Context, task *bourreau.Task) (bool, cluster.JobState, error) {
	if task.ClusterJobID == "" {
		return false, cluster.Gone, nil
	}
	state, err := m.Adapter.Poll(ctx, task.ClusterJobID)
	if err != nil {
		return false, "", err
	}
	return state != cluster.Gone, state, nil
}

func (m *Machine) runHook(ctx context.Context, task *bourreau.Task, phase bourreau.Phase, restart bool) error {
	// A missing work directory fails every phase, including a
	// Setup that never got far enough to record one.
	if task.ClusterWorkDir == "" {
		return errors.New("task has no work directory")
	}
	if fi, err := os.Stat(task.ClusterWorkDir); err != nil || !fi.IsDir() {
		return fmt.Errorf("work directory %q is missing or invalid", task.ClusterWorkDir)
	}
	tt, err := m.Types.Lookup(task.Type)
	if err != nil {
		return err
	}
	hooks := tt.Hooks()[phase]
	fn, verb := hooks.Recover, "recover"
	if restart {
		fn, verb = hooks.Restart, "restart"
	}
	if fn == nil {
		return fmt.Errorf("task type %q cannot %s at %s", task.Type, verb, phase)
	}
	return fn(ctx, m.env(task))
}

// resume moves a task out of a recovery or restart, according to
// the outcome of its hook.
func (m *Machine) resume(ctx context.Context, task *bourreau.Task, phase bourreau.Phase, from bourreau.TaskStatus, hookErr error, restart bool) error {
	logger := m.taskLogger(task)
	verb := "recovery"
	if restart {
		verb = "restart"
	}
	if hookErr != nil {
		logger.WithError(hookErr).Infof("%s failed", verb)
		return m.MustTransition(ctx, task, from, phase.FailedStatus(), taskstore.Changes{
			Log: fmt.Sprintf("%s at %s failed: %s", verb, phase, hookErr),
		})
	}
	ch := taskstore.Changes{
		IncrementRunNumber: restart,
		Log:                fmt.Sprintf("%s at %s succeeded", verb, phase),
	}
	switch phase {
	case bourreau.PhaseSetup:
		return m.MustTransition(ctx, task, from, bourreau.StatusNew, ch)
	case bourreau.PhasePostProcess:
		return m.MustTransition(ctx, task, from, bourreau.StatusDataReady, ch)
	}

	// Cluster: submit again. A restart gets a new run number,
	// hence a new job name.
	next := *task
	if restart {
		next.RunNumber++
	}
	tt, err := m.Types.Lookup(task.Type)
	if err != nil {
		return m.MustTransition(ctx, task, from, bourreau.StatusFailedOnCluster, taskstore.Changes{Log: err.Error()})
	}
	jobID, err := m.submit(ctx, tt, m.env(&next))
	if err != nil {
		logger.WithError(err).Info("resubmission failed")
		return m.MustTransition(ctx, task, from, bourreau.StatusFailedOnCluster, taskstore.Changes{Log: "resubmission failed: " + err.Error()})
	}
	ch.ClusterJobID = &jobID
	ch.ClusterRunNumber = &next.RunNumber
	ch.Log += ", resubmitted as cluster job " + jobID
	return m.MustTransition(ctx, task, from, bourreau.StatusQueued, ch)
}
