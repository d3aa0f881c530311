// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package syncstatus serializes content operations on a file's cached
// copies, across any number of processes that share only the
// sync_status table.
//
// Each (userfile, resource) pair has at most one row; the unique
// index on those columns is the only mutual exclusion primitive.
// Every status change is a compare-and-swap on the row's status
// column, and waiting for another process is a bounded poll.
package syncstatus

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type Status string

const (
	ProvNewer  = Status("ProvNewer")
	CacheNewer = Status("CacheNewer")
	InSync     = Status("InSync")
	ToCache    = Status("ToCache")
	ToProvider = Status("ToProvider")
	Corrupted  = Status("Corrupted")
)

// InProgress returns true for the two "transfer in progress"
// markers.
func (s Status) InProgress() bool {
	return s == ToCache || s == ToProvider
}

// Row is a row of the sync_status table. A missing row means
// ProvNewer.
type Row struct {
	ID         int64      `db:"id"`
	UserfileID int64      `db:"userfile_id"`
	ResourceID int64      `db:"remote_resource_id"`
	Status     Status     `db:"status"`
	AccessedAt *time.Time `db:"accessed_at"`
	SyncedAt   *time.Time `db:"synced_at"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

const rowColumns = `id, userfile_id, remote_resource_id, status, accessed_at, synced_at, created_at, updated_at`

// claimedBefore orders transfer claims: earlier updated_at first,
// then lower row ID.
func (r *Row) claimedBefore(other *Row) bool {
	if !r.UpdatedAt.Equal(other.UpdatedAt) {
		return r.UpdatedAt.Before(other.UpdatedAt)
	}
	return r.ID < other.ID
}

// Kind selects one of the four synchronized operations.
type Kind int

const (
	CopyToCache Kind = iota
	CopyToProvider
	ModifyCache
	ModifyProvider
)

func (k Kind) String() string {
	switch k {
	case CopyToCache:
		return "copy_to_cache"
	case CopyToProvider:
		return "copy_to_provider"
	case ModifyCache:
		return "modify_cache"
	case ModifyProvider:
		return "modify_provider"
	default:
		return fmt.Sprintf("kind%d", int(k))
	}
}

// kindRules describes how each operation claims a row and what it
// leaves behind.
type kindRules struct {
	claim     Status // marker held while op runs
	onTimeout Status // forced when waiting gives up
	onFailure Status // set when op returns an error
	onSuccess Status // default final status
	fastPath  bool   // skip op if already InSync
	barrier   bool   // wait for other replicas' earlier transfers
}

var rules = map[Kind]kindRules{
	CopyToCache:    {claim: ToCache, onTimeout: ProvNewer, onFailure: ProvNewer, onSuccess: InSync, fastPath: true, barrier: true},
	CopyToProvider: {claim: ToProvider, onTimeout: CacheNewer, onFailure: Corrupted, onSuccess: InSync, fastPath: true, barrier: true},
	ModifyCache:    {claim: ToCache, onTimeout: ProvNewer, onFailure: ProvNewer, onSuccess: CacheNewer},
	ModifyProvider: {claim: ToProvider, onTimeout: CacheNewer, onFailure: Corrupted, onSuccess: InSync, barrier: true},
}

// TimeoutError is returned when an operation gave up waiting for
// another process to finish with the same file. The row has been
// forced to Status; the caller should try again later.
type TimeoutError struct {
	UserfileID int64
	ResourceID int64
	Kind       Kind
	Waited     time.Duration
	Status     Status
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("userfile %d on resource %d: %s: gave up after %s waiting for another transfer (marked %s)",
		e.UserfileID, e.ResourceID, e.Kind, e.Waited.Round(time.Second), e.Status)
}

// Config holds the engine's timing parameters. Zero values are
// replaced with the defaults.
type Config struct {
	// CheckInterval is the time between polls while waiting.
	CheckInterval time.Duration
	// CheckMaxWait bounds the total time spent waiting.
	CheckMaxWait time.Duration
	// TransferTimeout is the age at which a ToCache/ToProvider
	// marker is considered abandoned.
	TransferTimeout time.Duration
	// CacheTrustExpire is how long an InSync marker is trusted
	// after the last successful sync. Zero means forever.
	CacheTrustExpire time.Duration
}

var (
	defaultCheckInterval   = 10 * time.Second
	defaultCheckMaxWait    = 24 * time.Hour
	defaultTransferTimeout = 12 * time.Hour

	minCacheTrustExpire = time.Hour
	maxCacheTrustExpire = 365 * 24 * time.Hour
)

func (cfg Config) withDefaults() Config {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.CheckMaxWait <= 0 {
		cfg.CheckMaxWait = defaultCheckMaxWait
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = defaultTransferTimeout
	}
	if cfg.CacheTrustExpire < 0 {
		cfg.CacheTrustExpire = 0
	} else if cfg.CacheTrustExpire > 0 && cfg.CacheTrustExpire < minCacheTrustExpire {
		cfg.CacheTrustExpire = minCacheTrustExpire
	} else if cfg.CacheTrustExpire > maxCacheTrustExpire {
		cfg.CacheTrustExpire = maxCacheTrustExpire
	}
	return cfg
}

func fileLogger(logger logrus.FieldLogger, userfileID, resourceID int64) logrus.FieldLogger {
	return logger.WithFields(logrus.Fields{
		"UserfileID": userfileID,
		"ResourceID": resourceID,
	})
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
