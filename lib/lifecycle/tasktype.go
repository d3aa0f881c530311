// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cbrain/bourreau/lib/storage"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/sirupsen/logrus"
)

// Env is what task type code gets to work with.
type Env struct {
	Task *bourreau.Task
	// WorkDir is the task's work directory. It exists when any
	// hook is called.
	WorkDir  string
	Storage  *storage.Manager
	Resource *bourreau.Resource
	Logger   logrus.FieldLogger
}

// HookFunc is a recovery or restart hook. A nil return means the
// task can resume the normal flow.
type HookFunc func(ctx context.Context, env *Env) error

// RecoveryHooks are a task type's handlers for one phase.
type RecoveryHooks struct {
	Recover HookFunc
	Restart HookFunc
}

// TaskType implements the task-specific parts of the lifecycle.
type TaskType interface {
	// Setup prepares the work directory before the job is
	// submitted.
	Setup(ctx context.Context, env *Env) error
	// ClusterCommands returns the shell commands the cluster job
	// runs, in order.
	ClusterCommands(env *Env) ([]string, error)
	// SaveResults harvests the outputs of a successful job.
	SaveResults(ctx context.Context, env *Env) error
	// Hooks returns the recovery and restart handlers per phase.
	// A phase with no handler cannot be recovered or restarted.
	Hooks() map[bourreau.Phase]RecoveryHooks
}

type Registry struct {
	mtx   sync.RWMutex
	types map[string]TaskType
}

func NewRegistry() *Registry {
	return &Registry{types: map[string]TaskType{}}
}

// Builtin returns a registry with the task types that ship with the
// worker.
func Builtin() *Registry {
	reg := NewRegistry()
	reg.Register("diagnostics", Diagnostics{})
	return reg
}

// Register adds or replaces a task type.
func (reg *Registry) Register(name string, tt TaskType) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	reg.types[name] = tt
}

func (reg *Registry) Lookup(name string) (TaskType, error) {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	tt, ok := reg.types[name]
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", name)
	}
	return tt, nil
}

func (reg *Registry) Names() []string {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	var names []string
	for name := range reg.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
