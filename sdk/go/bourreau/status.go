// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package bourreau

import "strings"

// TaskStatus is the lifecycle state of a task. It is stored verbatim
// in the status column of the task table.
type TaskStatus string

const (
	StatusNew            = TaskStatus("New")
	StatusSettingUp      = TaskStatus("Setting Up")
	StatusQueued         = TaskStatus("Queued")
	StatusOnHold         = TaskStatus("On Hold")
	StatusOnCPU          = TaskStatus("On CPU")
	StatusSuspended      = TaskStatus("Suspended")
	StatusDataReady      = TaskStatus("Data Ready")
	StatusPostProcessing = TaskStatus("Post Processing")

	StatusCompleted                      = TaskStatus("Completed")
	StatusTerminated                     = TaskStatus("Terminated")
	StatusFailedToSetup                  = TaskStatus("Failed To Setup")
	StatusFailedToPostProcess            = TaskStatus("Failed To PostProcess")
	StatusFailedOnCluster                = TaskStatus("Failed On Cluster")
	StatusFailedSetupPrerequisites       = TaskStatus("Failed Setup Prerequisites")
	StatusFailedPostProcessPrerequisites = TaskStatus("Failed PostProcess Prerequisites")

	StatusRecoverSetup          = TaskStatus("Recover Setup")
	StatusRecoverCluster        = TaskStatus("Recover Cluster")
	StatusRecoverPostProcess    = TaskStatus("Recover PostProcess")
	StatusRecoveringSetup       = TaskStatus("Recovering Setup")
	StatusRecoveringCluster     = TaskStatus("Recovering Cluster")
	StatusRecoveringPostProcess = TaskStatus("Recovering PostProcess")

	StatusRestartSetup          = TaskStatus("Restart Setup")
	StatusRestartCluster        = TaskStatus("Restart Cluster")
	StatusRestartPostProcess    = TaskStatus("Restart PostProcess")
	StatusRestartingSetup       = TaskStatus("Restarting Setup")
	StatusRestartingCluster     = TaskStatus("Restarting Cluster")
	StatusRestartingPostProcess = TaskStatus("Restarting PostProcess")
)

// Phase identifies the part of the lifecycle a recovery or restart
// applies to.
type Phase string

const (
	PhaseSetup       = Phase("Setup")
	PhaseCluster     = Phase("Cluster")
	PhasePostProcess = Phase("PostProcess")
)

var Phases = []Phase{PhaseSetup, PhaseCluster, PhasePostProcess}

// RecoverStatus returns the "Recover <phase>" request status.
func (p Phase) RecoverStatus() TaskStatus { return TaskStatus("Recover " + string(p)) }

// RecoveringStatus returns the "Recovering <phase>" in-progress status.
func (p Phase) RecoveringStatus() TaskStatus { return TaskStatus("Recovering " + string(p)) }

// RestartStatus returns the "Restart <phase>" request status.
func (p Phase) RestartStatus() TaskStatus { return TaskStatus("Restart " + string(p)) }

// RestartingStatus returns the "Restarting <phase>" in-progress status.
func (p Phase) RestartingStatus() TaskStatus { return TaskStatus("Restarting " + string(p)) }

// FailedStatus returns the terminal state a task lands in when
// recovery or restart of the given phase does not succeed.
func (p Phase) FailedStatus() TaskStatus {
	switch p {
	case PhaseSetup:
		return StatusFailedToSetup
	case PhaseCluster:
		return StatusFailedOnCluster
	default:
		return StatusFailedToPostProcess
	}
}

// RecoverPhase reports whether s is a "Recover <phase>" request, and
// which phase.
func (s TaskStatus) RecoverPhase() (Phase, bool) {
	return s.phaseWithPrefix("Recover ")
}

// RestartPhase reports whether s is a "Restart <phase>" request, and
// which phase.
func (s TaskStatus) RestartPhase() (Phase, bool) {
	return s.phaseWithPrefix("Restart ")
}

func (s TaskStatus) phaseWithPrefix(prefix string) (Phase, bool) {
	if !strings.HasPrefix(string(s), prefix) {
		return "", false
	}
	p := Phase(strings.TrimPrefix(string(s), prefix))
	for _, known := range Phases {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// IsTerminal returns true for states a task never leaves on its own.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated:
		return true
	}
	return s.IsFailed()
}

// IsFailed returns true for the "Failed ..." terminal states.
func (s TaskStatus) IsFailed() bool {
	return strings.HasPrefix(string(s), "Failed ")
}

// IsInProgress returns true for the transient states a worker holds
// while it runs task code (setup, post processing, recovery,
// restart).
func (s TaskStatus) IsInProgress() bool {
	switch s {
	case StatusSettingUp, StatusPostProcessing:
		return true
	}
	return strings.HasPrefix(string(s), "Recovering ") || strings.HasPrefix(string(s), "Restarting ")
}

// OnCluster returns true for states that are refreshed from the
// cluster job adapter.
func (s TaskStatus) OnCluster() bool {
	switch s {
	case StatusQueued, StatusOnHold, StatusOnCPU, StatusSuspended:
		return true
	}
	return false
}

// IncreasesActivity returns true if advancing a task in this state
// can put new load on the cluster: New, and every Recover/Restart
// request.
func (s TaskStatus) IncreasesActivity() bool {
	if s == StatusNew {
		return true
	}
	_, rec := s.RecoverPhase()
	_, rst := s.RestartPhase()
	return rec || rst
}

// ActionableStatuses are the states a worker scans for.
var ActionableStatuses = []TaskStatus{
	StatusNew,
	StatusQueued,
	StatusOnHold,
	StatusOnCPU,
	StatusSuspended,
	StatusDataReady,
	StatusRecoverSetup,
	StatusRecoverCluster,
	StatusRecoverPostProcess,
	StatusRestartSetup,
	StatusRestartCluster,
	StatusRestartPostProcess,
}

// ActiveStatuses are the states counted against task limits. New is
// actionable but not active.
var ActiveStatuses = []TaskStatus{
	StatusSettingUp,
	StatusQueued,
	StatusOnHold,
	StatusOnCPU,
	StatusSuspended,
	StatusDataReady,
	StatusPostProcessing,
	StatusRecoveringSetup,
	StatusRecoveringCluster,
	StatusRecoveringPostProcess,
	StatusRestartingSetup,
	StatusRestartingCluster,
	StatusRestartingPostProcess,
}

// Transitions lists every legal status edge. No other status change
// is permitted.
var Transitions = map[TaskStatus][]TaskStatus{
	StatusNew:            {StatusSettingUp, StatusFailedSetupPrerequisites, StatusTerminated},
	StatusSettingUp:      {StatusQueued, StatusFailedToSetup},
	StatusQueued:         {StatusOnHold, StatusOnCPU, StatusSuspended, StatusDataReady, StatusTerminated},
	StatusOnHold:         {StatusQueued, StatusOnCPU, StatusSuspended, StatusDataReady, StatusTerminated},
	StatusOnCPU:          {StatusQueued, StatusOnHold, StatusSuspended, StatusDataReady, StatusTerminated},
	StatusSuspended:      {StatusQueued, StatusOnHold, StatusOnCPU, StatusDataReady, StatusTerminated},
	StatusDataReady:      {StatusPostProcessing, StatusFailedPostProcessPrerequisites, StatusTerminated},
	StatusPostProcessing: {StatusCompleted, StatusFailedToPostProcess, StatusFailedOnCluster},

	StatusCompleted:                      {StatusRestartSetup, StatusRestartCluster, StatusRestartPostProcess},
	StatusTerminated:                     {StatusRestartSetup, StatusRestartCluster},
	StatusFailedToSetup:                  {StatusRecoverSetup, StatusRestartSetup},
	StatusFailedSetupPrerequisites:       {StatusRecoverSetup},
	StatusFailedOnCluster:                {StatusRecoverCluster, StatusRestartSetup, StatusRestartCluster},
	StatusFailedToPostProcess:            {StatusRecoverPostProcess, StatusRestartSetup, StatusRestartCluster, StatusRestartPostProcess},
	StatusFailedPostProcessPrerequisites: {StatusRecoverPostProcess},

	StatusRecoverSetup:       {StatusRecoveringSetup},
	StatusRecoverCluster:     {StatusRecoveringCluster},
	StatusRecoverPostProcess: {StatusRecoveringPostProcess},
	StatusRestartSetup:       {StatusRestartingSetup},
	StatusRestartCluster:     {StatusRestartingCluster},
	StatusRestartPostProcess: {StatusRestartingPostProcess},

	StatusRecoveringSetup:       {StatusNew, StatusFailedToSetup},
	StatusRecoveringCluster:     {StatusQueued, StatusOnHold, StatusOnCPU, StatusSuspended, StatusDataReady, StatusFailedOnCluster},
	StatusRecoveringPostProcess: {StatusQueued, StatusOnHold, StatusOnCPU, StatusSuspended, StatusDataReady, StatusFailedToPostProcess},
	StatusRestartingSetup:       {StatusNew, StatusFailedToSetup},
	StatusRestartingCluster:     {StatusQueued, StatusDataReady, StatusFailedOnCluster},
	StatusRestartingPostProcess: {StatusDataReady, StatusFailedToPostProcess},
}

// CanTransition returns true if from→to is a legal edge.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// progressRank orders the states of the normal (non-failure) flow.
// Used to decide whether a prerequisite task has reached a required
// state.
var progressRank = map[TaskStatus]int{
	StatusNew:            0,
	StatusSettingUp:      1,
	StatusQueued:         2,
	StatusOnHold:         2,
	StatusOnCPU:          3,
	StatusSuspended:      3,
	StatusDataReady:      4,
	StatusPostProcessing: 5,
	StatusCompleted:      6,
}

// ProgressRank returns the position of s in the normal flow, and
// false if s is not part of it (failures, recovery, restart).
func (s TaskStatus) ProgressRank() (int, bool) {
	r, ok := progressRank[s]
	return r, ok
}
