// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cluster defines the interface between the task state
// machine and a batch job manager, and the pieces shared by the
// adapter implementations in its subpackages.
package cluster

import (
	"context"
	"errors"
	"time"
)

// JobState is the manager-independent state of a submitted job.
type JobState string

const (
	Queued    = JobState("Queued")
	OnHold    = JobState("On Hold")
	OnCPU     = JobState("On CPU")
	Suspended = JobState("Suspended")
	// Gone means the manager no longer knows about the job: it
	// finished, failed, or was removed.
	Gone = JobState("Gone")
)

// ErrUnsupported is returned by adapters for operations their job
// manager cannot perform.
var ErrUnsupported = errors.New("operation not supported by this cluster type")

// JobDescription is everything an adapter needs to submit one task
// run.
type JobDescription struct {
	Name      string
	Script    []byte
	WorkDir   string
	Stdout    string
	Stderr    string
	VCPUs     int
	MemoryMB  int
	Walltime  time.Duration
	Queue     string
	ExtraArgs []string
}

type Adapter interface {
	// Submit queues the job and returns the manager's job ID.
	Submit(ctx context.Context, job JobDescription) (string, error)
	// Poll returns the current state of the given job. A job the
	// manager does not know about is Gone, not an error.
	Poll(ctx context.Context, jobID string) (JobState, error)
	Terminate(ctx context.Context, jobID string) error
	Suspend(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	Hold(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string) error
}
