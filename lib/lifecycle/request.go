// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lifecycle

import (
	"context"
	"fmt"

	"github.com/cbrain/bourreau/lib/taskstore"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
)

// Action is something a user or administrator asks to be done to a
// task, outside the normal flow.
type Action string

const (
	ActionRecover   = Action("recover")
	ActionRestart   = Action("restart")
	ActionTerminate = Action("terminate")
	ActionSuspend   = Action("suspend")
	ActionResume    = Action("resume")
	ActionHold      = Action("hold")
	ActionRelease   = Action("release")
)

var Actions = []Action{ActionRecover, ActionRestart, ActionTerminate, ActionSuspend, ActionResume, ActionHold, ActionRelease}

func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

var recoverTargets = map[bourreau.TaskStatus]bourreau.TaskStatus{
	bourreau.StatusFailedToSetup:                  bourreau.StatusRecoverSetup,
	bourreau.StatusFailedSetupPrerequisites:       bourreau.StatusRecoverSetup,
	bourreau.StatusFailedOnCluster:                bourreau.StatusRecoverCluster,
	bourreau.StatusFailedToPostProcess:            bourreau.StatusRecoverPostProcess,
	bourreau.StatusFailedPostProcessPrerequisites: bourreau.StatusRecoverPostProcess,
}

// requestTarget returns the status a task in status "from" moves to
// when action is requested.
func requestTarget(action Action, from bourreau.TaskStatus, phase bourreau.Phase) (bourreau.TaskStatus, bool) {
	switch action {
	case ActionRecover:
		to, ok := recoverTargets[from]
		return to, ok
	case ActionRestart:
		if phase == "" {
			return "", false
		}
		to := phase.RestartStatus()
		return to, bourreau.CanTransition(from, to)
	case ActionTerminate:
		return bourreau.StatusTerminated, from == bourreau.StatusNew || from == bourreau.StatusDataReady || from.OnCluster()
	case ActionSuspend:
		return bourreau.StatusSuspended, from == bourreau.StatusOnCPU
	case ActionResume:
		return bourreau.StatusOnCPU, from == bourreau.StatusSuspended
	case ActionHold:
		return bourreau.StatusOnHold, from == bourreau.StatusQueued
	case ActionRelease:
		return bourreau.StatusQueued, from == bourreau.StatusOnHold
	}
	return "", false
}

// Request applies an external action to the given task. phase is
// used only by ActionRestart.
//
// Actions that affect a cluster job are sent to the job manager
// first; the task status changes only if that succeeds. The next
// scan picks up recover and restart requests.
func (m *Machine) Request(ctx context.Context, taskID int64, action Action, phase bourreau.Phase) error {
	m.init()
	task, err := m.Store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.ResourceID != m.ResourceID {
		return fmt.Errorf("task %d is on resource %d, not %d", task.ID, task.ResourceID, m.ResourceID)
	}
	from := task.Status
	to, ok := requestTarget(action, from, phase)
	if !ok {
		if action == ActionRestart && phase == "" {
			return fmt.Errorf("task %d: restart needs a phase (Setup, Cluster, or PostProcess)", task.ID)
		}
		return fmt.Errorf("task %d: cannot %s a task in status %q", task.ID, action, from)
	}
	if from.OnCluster() && task.ClusterJobID != "" {
		switch action {
		case ActionTerminate:
			err = m.Adapter.Terminate(ctx, task.ClusterJobID)
		case ActionSuspend:
			err = m.Adapter.Suspend(ctx, task.ClusterJobID)
		case ActionResume:
			err = m.Adapter.Resume(ctx, task.ClusterJobID)
		case ActionHold:
			err = m.Adapter.Hold(ctx, task.ClusterJobID)
		case ActionRelease:
			err = m.Adapter.Release(ctx, task.ClusterJobID)
		}
		if err != nil {
			return fmt.Errorf("task %d: %s cluster job %s: %w", task.ID, action, task.ClusterJobID, err)
		}
	}
	m.taskLogger(task).WithField("NewStatus", to).Infof("%s requested", action)
	return m.MustTransition(ctx, task, from, to, taskstore.Changes{Log: fmt.Sprintf("%s requested", action)})
}
