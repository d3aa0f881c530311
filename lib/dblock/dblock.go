// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dblock provides PostgreSQL advisory locks that let at most
// one worker at a time scan the task queue of a given resource.
package dblock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cbrain/bourreau/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
)

const resourceKeyBase = 20000

var (
	retryDelay = 5 * time.Second

	lockersMtx sync.Mutex
	lockers    = map[int64]*DBLocker{}
)

// DBLocker uses pg_advisory_lock to maintain a lock that is held
// for as long as the worker keeps its database session.
type DBLocker struct {
	key  int64
	mtx  sync.Mutex
	ctx  context.Context
	db   *sqlx.DB
	conn *sql.Conn // != nil if advisory lock has been acquired
}

// ForResource returns the locker for the given resource's task
// queue. Callers in one process share the same locker.
func ForResource(resourceID int64) *DBLocker {
	lockersMtx.Lock()
	defer lockersMtx.Unlock()
	if dbl, ok := lockers[resourceID]; ok {
		return dbl
	}
	dbl := &DBLocker{key: resourceKeyBase + resourceID}
	lockers[resourceID] = dbl
	return dbl
}

// Lock acquires the advisory lock, waiting/reconnecting if needed.
//
// Returns false if ctx is canceled before the lock is acquired.
func (dbl *DBLocker) Lock(ctx context.Context, db *sqlx.DB) bool {
	logger := ctxlog.FromContext(ctx).WithField("LockID", dbl.key)
	var lastHeldBy string
	for ; ; sleep(ctx, retryDelay) {
		if ctx.Err() != nil {
			return false
		}
		dbl.mtx.Lock()
		if dbl.conn != nil {
			// Another goroutine is already locked/waiting
			// on this lock. Wait for them to release.
			dbl.mtx.Unlock()
			continue
		}
		conn, err := db.Conn(ctx)
		if errors.Is(err, context.Canceled) {
			dbl.mtx.Unlock()
			return false
		} else if err != nil {
			logger.WithError(err).Info("error getting database connection")
			dbl.mtx.Unlock()
			continue
		}
		var locked bool
		err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, dbl.key).Scan(&locked)
		if errors.Is(err, context.Canceled) {
			conn.Close()
			dbl.mtx.Unlock()
			return false
		} else if err != nil {
			logger.WithError(err).Info("error getting pg_try_advisory_lock")
			conn.Close()
			dbl.mtx.Unlock()
			continue
		}
		if !locked {
			var host string
			var port int
			err = conn.QueryRowContext(ctx, `SELECT client_addr, client_port FROM pg_stat_activity WHERE pid IN
				(SELECT pid FROM pg_locks
				 WHERE locktype = $1 AND objid = $2)`, "advisory", dbl.key).Scan(&host, &port)
			if err != nil {
				logger.WithError(err).Info("error getting other client info")
			} else {
				heldBy := net.JoinHostPort(host, fmt.Sprintf("%d", port))
				if lastHeldBy != heldBy {
					logger.WithField("DBClient", heldBy).Info("waiting for other process to release lock")
					lastHeldBy = heldBy
				}
			}
			conn.Close()
			dbl.mtx.Unlock()
			continue
		}
		logger.Debug("acquired pg_advisory_lock")
		dbl.ctx, dbl.db, dbl.conn = ctx, db, conn
		dbl.mtx.Unlock()
		return true
	}
}

// Check confirms that the lock is still active (i.e., the session is
// still alive), and re-acquires if needed. Panics if Lock is not
// acquired first.
//
// Returns false if the context passed to Lock() is canceled before
// the lock is confirmed or reacquired.
func (dbl *DBLocker) Check() bool {
	dbl.mtx.Lock()
	err := dbl.conn.PingContext(dbl.ctx)
	if errors.Is(err, context.Canceled) {
		dbl.mtx.Unlock()
		return false
	} else if err == nil {
		ctxlog.FromContext(dbl.ctx).WithField("LockID", dbl.key).Debug("connection still alive")
		dbl.mtx.Unlock()
		return true
	}
	ctxlog.FromContext(dbl.ctx).WithError(err).Info("database connection ping failed")
	dbl.conn.Close()
	dbl.conn = nil
	ctx, db := dbl.ctx, dbl.db
	dbl.mtx.Unlock()
	return dbl.Lock(ctx, db)
}

func (dbl *DBLocker) Unlock() {
	dbl.mtx.Lock()
	defer dbl.mtx.Unlock()
	if dbl.conn != nil {
		_, err := dbl.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, dbl.key)
		if err != nil {
			ctxlog.FromContext(dbl.ctx).WithError(err).WithField("LockID", dbl.key).Info("error releasing pg_advisory_lock")
		} else {
			ctxlog.FromContext(dbl.ctx).WithField("LockID", dbl.key).Debug("released pg_advisory_lock")
		}
		dbl.conn.Close()
		dbl.conn = nil
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
