// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler scans the task table of one compute resource and
// hands actionable tasks to the state machine, one at a time, within
// the resource's capacity limits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cbrain/bourreau/lib/dblock"
	"github.com/cbrain/bourreau/lib/liveness"
	"github.com/cbrain/bourreau/lib/taskstore"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/cbrain/bourreau/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Limit keys in the meta_data table.
const (
	LimitTotal       = "task_limit_total"
	LimitUserDefault = "task_limit_user_default"
	limitUserPrefix  = "task_limit_user_"
)

func LimitUser(userID int64) string {
	return limitUserPrefix + strconv.FormatInt(userID, 10)
}

// ErrOwnerGone is returned by RunOnce when the liveness probe fails.
var ErrOwnerGone = errors.New("owning process is not responding")

// RuntimeState is carried from one scan to the next.
type RuntimeState struct {
	ConsecutiveEmptyScans int
	// SleepUntil is non-zero while in sleep mode.
	SleepUntil time.Time
}

// Dispatcher advances one task. *lifecycle.Machine implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *bourreau.Task) error
}

type Scheduler struct {
	ResourceID int64
	Store      *taskstore.Store
	Dispatcher Dispatcher
	// Liveness is checked before every scan. Nil means always
	// alive.
	Liveness liveness.Probe
	Config   *bourreau.Resource
	// DB is used for the advisory lock when Config.ExclusiveLock
	// is set.
	DB       *sqlx.DB
	Logger   logrus.FieldLogger
	Registry *prometheus.Registry
	// WorkerID identifies this worker in logs. Generated if
	// empty.
	WorkerID string

	// Shuffle and Now can be replaced by tests.
	Shuffle func(n int, swap func(i, j int))
	Now     func() time.Time

	initOnce sync.Once
	wake     chan struct{}
	limiter  *rate.Limiter
	metrics  *metrics
}

func (s *Scheduler) init() {
	s.initOnce.Do(func() {
		if s.WorkerID == "" {
			s.WorkerID = uuid.New().String()
		}
		if s.Logger == nil {
			s.Logger = ctxlog.FromContext(context.Background())
		}
		s.Logger = s.Logger.WithFields(logrus.Fields{
			"ResourceID": s.ResourceID,
			"WorkerID":   s.WorkerID,
		})
		if s.Config == nil {
			s.Config = &bourreau.Resource{}
		}
		if s.Liveness == nil {
			s.Liveness = liveness.Always{}
		}
		if s.Shuffle == nil {
			s.Shuffle = rand.Shuffle
		}
		if s.Now == nil {
			s.Now = time.Now
		}
		if s.Config.MaxDispatchRate > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(s.Config.MaxDispatchRate), 1)
		}
		s.wake = make(chan struct{}, 1)
		s.metrics = newMetrics(s.Registry)
	})
}

// Wake ends sleep mode, or the current wait between scans.
func (s *Scheduler) Wake() {
	s.init()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) checkInterval() time.Duration {
	if d := s.Config.CheckInterval.Duration(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// Run scans repeatedly until ctx is canceled or the owning process
// goes away. An error means a task could not be handled for a
// reason other than an expected race, and the worker should stop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.init()
	ctx = ctxlog.Context(ctx, s.Logger)
	var lock *dblock.DBLocker
	if s.Config.ExclusiveLock {
		if s.DB == nil || s.DB.DriverName() != "postgres" {
			s.Logger.Warn("ExclusiveLock is only supported with PostgreSQL, ignoring")
		} else {
			lock = dblock.ForResource(s.ResourceID)
			if !lock.Lock(ctx, s.DB) {
				return nil
			}
			defer lock.Unlock()
		}
	}
	s.Logger.Info("worker started")
	defer s.Logger.Info("worker stopped")

	var state RuntimeState
	for {
		if lock != nil && !lock.Check() {
			return nil
		}
		next, err := s.RunOnce(ctx, state)
		if errors.Is(err, ErrOwnerGone) {
			s.Logger.Info("owning process is gone, exiting")
			return nil
		} else if err != nil {
			return err
		}
		state = next

		delay := s.checkInterval()
		if !state.SleepUntil.IsZero() {
			delay = state.SleepUntil.Sub(s.Now())
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
			if !state.SleepUntil.IsZero() {
				s.Logger.Info("woken up")
				state.SleepUntil = time.Time{}
				state.ConsecutiveEmptyScans = 0
				s.metrics.sleeping.Set(0)
			}
		case <-timer.C:
		}
	}
}

// RunOnce performs one scan and returns the state to use for the
// next one.
func (s *Scheduler) RunOnce(ctx context.Context, state RuntimeState) (RuntimeState, error) {
	s.init()
	if !s.Liveness.Alive(ctx) {
		return state, ErrOwnerGone
	}
	now := s.Now()
	if !state.SleepUntil.IsZero() {
		if now.Before(state.SleepUntil) {
			return state, nil
		}
		state.SleepUntil = time.Time{}
		s.metrics.sleeping.Set(0)
	}

	s.metrics.scans.Inc()
	tasks, err := s.Store.List(ctx, s.ResourceID, bourreau.ActionableStatuses)
	if err != nil {
		if ctx.Err() != nil {
			return state, nil
		}
		return state, fmt.Errorf("listing tasks: %w", err)
	}
	if len(tasks) == 0 {
		s.metrics.emptyScans.Inc()
		state.ConsecutiveEmptyScans++
		if after := s.Config.SleepModeAfter; after > 0 && state.ConsecutiveEmptyScans >= after {
			state.SleepUntil = now.Add(s.sleepDuration())
			s.metrics.sleeping.Set(1)
			s.Logger.WithField("SleepUntil", state.SleepUntil).Info("nothing to do, entering sleep mode")
		}
		return state, nil
	}
	state.ConsecutiveEmptyScans = 0

	cutoff := now.Add(-s.Config.DebounceWindow.Duration())
	var increases, others []*bourreau.Task
	for i := range tasks {
		task := &tasks[i]
		if task.UpdatedAt.After(cutoff) {
			s.metrics.debounced.Inc()
			continue
		}
		if task.Status.IncreasesActivity() {
			increases = append(increases, task)
		} else {
			others = append(others, task)
		}
	}

	s.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })
	for _, task := range others {
		if err := s.dispatch(ctx, task); err != nil {
			return state, err
		}
		if ctx.Err() != nil {
			return state, nil
		}
	}
	if len(increases) == 0 {
		return state, nil
	}
	return state, s.dispatchWithinLimits(ctx, increases)
}

func (s *Scheduler) sleepDuration() time.Duration {
	d := s.Config.SleepModeDuration.Duration()
	if d <= 0 {
		d = time.Hour
	}
	if j := s.Config.SleepModeJitter.Duration(); j > 0 {
		d += time.Duration(rand.Int63n(int64(j)))
	}
	return d
}

func (s *Scheduler) dispatchWithinLimits(ctx context.Context, tasks []*bourreau.Task) error {
	globalCap, _, err := s.Store.MetaInt(ctx, s.ResourceID, LimitTotal)
	if err != nil {
		return err
	}
	byUser := map[int64][]*bourreau.Task{}
	var users []int64
	for _, task := range tasks {
		if _, ok := byUser[task.UserID]; !ok {
			users = append(users, task.UserID)
		}
		byUser[task.UserID] = append(byUser[task.UserID], task)
	}
	// Deterministic starting order, so a replaced Shuffle gives
	// repeatable results.
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	s.Shuffle(len(users), func(i, j int) { users[i], users[j] = users[j], users[i] })

	for _, userID := range users {
		userCap, err := s.userCap(ctx, userID)
		if err != nil {
			return err
		}
		list := byUser[userID]
		s.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
		for _, task := range list {
			if ctx.Err() != nil {
				return nil
			}
			if globalCap > 0 {
				n, err := s.Store.CountActive(ctx, s.ResourceID, 0)
				if err != nil {
					return err
				}
				if n >= globalCap {
					s.metrics.capacityAborts.Inc()
					s.Logger.WithFields(logrus.Fields{"Active": n, "Limit": globalCap}).Debug("resource task limit reached")
					return nil
				}
			}
			if userCap > 0 {
				n, err := s.Store.CountActive(ctx, s.ResourceID, userID)
				if err != nil {
					return err
				}
				if n >= userCap {
					s.metrics.userCapSkips.Inc()
					s.Logger.WithFields(logrus.Fields{"UserID": userID, "Active": n, "Limit": userCap}).Debug("user task limit reached")
					break
				}
			}
			if err := s.dispatch(ctx, task); err != nil {
				return err
			}
		}
	}
	return nil
}

// userCap returns the user's limit on active tasks, or 0 for
// unlimited.
func (s *Scheduler) userCap(ctx context.Context, userID int64) (int, error) {
	n, ok, err := s.Store.MetaInt(ctx, s.ResourceID, LimitUser(userID))
	if err != nil || ok {
		return n, err
	}
	n, ok, err = s.Store.MetaInt(ctx, s.ResourceID, LimitUserDefault)
	if err == nil && !ok {
		s.Logger.WithField("UserID", userID).Debug("no user task limit configured")
	}
	return n, err
}

func (s *Scheduler) dispatch(ctx context.Context, task *bourreau.Task) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	status := task.Status
	logger := s.Logger.WithFields(logrus.Fields{
		"TaskID": task.ID,
		"UserID": task.UserID,
		"Status": status,
	})
	err := s.Dispatcher.Dispatch(ctx, task)
	switch {
	case err == nil:
		s.metrics.dispatches.WithLabelValues(string(status)).Inc()
		return nil
	case errors.Is(err, bourreau.ErrTransitionLost):
		s.metrics.lostRaces.Inc()
		logger.WithError(err).Debug("task changed by another process, skipping")
		return nil
	case ctx.Err() != nil:
		logger.WithError(err).Info("interrupted by shutdown")
		return nil
	default:
		logger.WithError(err).WithFields(logrus.Fields{
			"TaskType":     task.Type,
			"RunNumber":    task.RunNumber,
			"ClusterJobID": task.ClusterJobID,
		}).Error("dispatch failed")
		return fmt.Errorf("task %d (%s): %w", task.ID, status, err)
	}
}
