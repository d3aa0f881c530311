// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"context"
	"sync"
	"time"
)

// Snapshot caches the job manager's queue listing, so polling many
// tasks in one scan runs the listing program at most once per
// Period.
type Snapshot[T any] struct {
	Period time.Duration
	// Load returns the current queue, keyed by job ID.
	Load func(context.Context) (map[string]T, error)

	mtx    sync.Mutex
	latest map[string]T
	loaded time.Time
}

// Get returns the job with the given ID from a listing no older than
// Period. If the job is missing from a listing taken before Get was
// called, the queue is listed again: the job may have been submitted
// since then, possibly by another worker.
func (s *Snapshot[T]) Get(ctx context.Context, jobID string) (ent T, ok bool, err error) {
	called := time.Now()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.latest == nil || time.Since(s.loaded) >= s.Period {
		if err := s.reload(ctx); err != nil {
			return ent, false, err
		}
	}
	ent, ok = s.latest[jobID]
	if !ok && s.loaded.Before(called) {
		if err := s.reload(ctx); err != nil {
			return ent, false, err
		}
		ent, ok = s.latest[jobID]
	}
	return ent, ok, nil
}

func (s *Snapshot[T]) reload(ctx context.Context) error {
	latest, err := s.Load(ctx)
	if err != nil {
		return err
	}
	s.latest, s.loaded = latest, time.Now()
	return nil
}

// Invalidate forces the next Get to reload. Adapters call it after
// changing the queue, so the change is visible to the next poll.
func (s *Snapshot[T]) Invalidate() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.latest = nil
}
