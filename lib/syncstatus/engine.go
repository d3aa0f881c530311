// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package syncstatus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cbrain/bourreau/lib/dbconn"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Engine arbitrates content operations on files cached on one
// resource.
type Engine struct {
	db         *sqlx.DB
	resourceID int64
	config     Config
	logger     logrus.FieldLogger
	metrics    *metrics
}

// New returns an Engine for the cache on the given resource. If reg
// is non-nil, metrics are registered there.
func New(db *sqlx.DB, resourceID int64, cfg Config, logger logrus.FieldLogger, reg *prometheus.Registry) *Engine {
	return &Engine{
		db:         db,
		resourceID: resourceID,
		config:     cfg.withDefaults(),
		logger:     logger.WithField("ResourceID", resourceID),
		metrics:    newMetrics(reg),
	}
}

func (e *Engine) ResourceID() int64 { return e.resourceID }

func (e *Engine) Config() Config { return e.config }

// ReadyToCopyToCache runs op, which copies the provider's content of
// the file into the local cache, unless the cache is already in sync.
func (e *Engine) ReadyToCopyToCache(ctx context.Context, userfileID int64, op func(context.Context) error) error {
	return e.run(ctx, CopyToCache, userfileID, op, "")
}

// ReadyToCopyToProvider runs op, which copies the cached content of
// the file to its data provider, unless they are already in sync.
func (e *Engine) ReadyToCopyToProvider(ctx context.Context, userfileID int64, op func(context.Context) error) error {
	return e.run(ctx, CopyToProvider, userfileID, op, "")
}

// ReadyToModifyCache runs op, which changes the cached content
// directly. On success the marker is set to final, or CacheNewer if
// final is "".
func (e *Engine) ReadyToModifyCache(ctx context.Context, userfileID int64, op func(context.Context) error, final Status) error {
	return e.run(ctx, ModifyCache, userfileID, op, final)
}

// ReadyToModifyDp runs op, which changes the content on the data
// provider directly. On success the marker is set to final, or
// InSync if final is "", and every other resource's marker for the
// file is removed.
func (e *Engine) ReadyToModifyDp(ctx context.Context, userfileID int64, op func(context.Context) error, final Status) error {
	return e.run(ctx, ModifyProvider, userfileID, op, final)
}

// RequestSync runs op under the rules of the given kind. final is
// used only by ModifyCache and ModifyProvider.
func (e *Engine) RequestSync(ctx context.Context, kind Kind, userfileID int64, op func(context.Context) error, final Status) error {
	if _, ok := rules[kind]; !ok {
		return fmt.Errorf("unknown sync kind %d", int(kind))
	}
	return e.run(ctx, kind, userfileID, op, final)
}

func (e *Engine) run(ctx context.Context, kind Kind, userfileID int64, op func(context.Context) error, final Status) (err error) {
	if userfileID == 0 {
		// Not stored yet, so nobody else can be using it.
		return op(ctx)
	}
	rule := rules[kind]
	if final == "" {
		final = rule.onSuccess
	}
	logger := fileLogger(e.logger, userfileID, e.resourceID).WithField("Operation", kind.String())
	deadline := time.Now().Add(e.config.CheckMaxWait)
	started := time.Now()

	row, skip, err := e.claim(ctx, kind, rule, userfileID, deadline, started, logger)
	if err != nil || skip {
		return err
	}
	prev := row.Status
	row.Status = rule.claim

	if rule.barrier {
		err = e.waitForOtherReplicas(ctx, kind, rule, row, deadline, started, logger)
		if err != nil {
			if ctx.Err() != nil {
				// Give the row back the way we found it.
				e.release(row, rule.claim, prev, logger)
			}
			return err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			e.release(row, rule.claim, rule.onFailure, logger)
			panic(r)
		}
	}()
	err = op(ctx)
	if err != nil {
		e.metrics.operations.WithLabelValues(kind.String(), "failure").Inc()
		logger.WithError(err).Infof("operation failed, marking %s", rule.onFailure)
		e.release(row, rule.claim, rule.onFailure, logger)
		return err
	}
	e.metrics.operations.WithLabelValues(kind.String(), "success").Inc()
	e.finish(row, rule.claim, final, logger)
	if kind == ModifyProvider {
		if err := e.deleteOtherReplicas(row); err != nil {
			logger.WithError(err).Warn("error invalidating other cached copies")
			return err
		}
	}
	return nil
}

// claim waits until the row is not marked as being transferred, then
// marks it with the claim status. skip is true if the row was
// already InSync and the operation can be skipped.
func (e *Engine) claim(ctx context.Context, kind Kind, rule kindRules, userfileID int64, deadline, started time.Time, logger logrus.FieldLogger) (row *Row, skip bool, err error) {
	for {
		row, err = e.GetOrCreate(ctx, userfileID)
		if err != nil {
			return nil, false, err
		}
		if !row.Status.InProgress() {
			if rule.fastPath && row.Status == InSync {
				e.metrics.operations.WithLabelValues(kind.String(), "skipped").Inc()
				return row, true, e.touch(ctx, row)
			}
			ok, err := e.compareAndSwap(ctx, row, row.Status, rule.claim, nil)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return row, false, nil
			}
			e.metrics.lostClaims.Inc()
			logger.WithField("Status", row.Status).Debug("lost race to claim sync marker")
			continue
		}
		if !time.Now().Before(deadline) {
			return nil, false, e.giveUp(ctx, kind, rule, row, started, logger)
		}
		e.metrics.waits.WithLabelValues(kind.String()).Inc()
		logger.WithField("Status", row.Status).Debug("waiting for transfer in progress")
		if err := sleep(ctx, e.pollDelay(deadline)); err != nil {
			return nil, false, err
		}
	}
}

// waitForOtherReplicas waits until no other resource's copy of the
// same file has a transfer in progress that was claimed before ours.
// Claims made after ours wait for us instead, so two replicas never
// wait for each other.
func (e *Engine) waitForOtherReplicas(ctx context.Context, kind Kind, rule kindRules, mine *Row, deadline, started time.Time, logger logrus.FieldLogger) error {
	for {
		others, err := e.otherReplicas(ctx, mine)
		if err != nil {
			return err
		}
		var blocker *Row
		for i := range others {
			other := &others[i]
			if other.Status.InProgress() && other.claimedBefore(mine) {
				blocker = other
				break
			}
		}
		if blocker == nil {
			return nil
		}
		if !time.Now().Before(deadline) {
			e.release(mine, rule.claim, rule.onTimeout, logger)
			e.metrics.timeouts.WithLabelValues(kind.String()).Inc()
			logger.Warnf("gave up waiting for transfer on resource %d", blocker.ResourceID)
			return &TimeoutError{UserfileID: mine.UserfileID, ResourceID: e.resourceID, Kind: kind, Waited: time.Since(started), Status: rule.onTimeout}
		}
		e.metrics.waits.WithLabelValues(kind.String()).Inc()
		logger.WithFields(logrus.Fields{
			"OtherResourceID": blocker.ResourceID,
			"OtherStatus":     blocker.Status,
		}).Debug("waiting for transfer on another resource")
		if err := sleep(ctx, e.pollDelay(deadline)); err != nil {
			return err
		}
	}
}

func (e *Engine) giveUp(ctx context.Context, kind Kind, rule kindRules, row *Row, started time.Time, logger logrus.FieldLogger) error {
	e.metrics.timeouts.WithLabelValues(kind.String()).Inc()
	logger.WithField("Status", row.Status).Warnf("gave up waiting for transfer in progress, marking %s", rule.onTimeout)
	_, err := e.db.ExecContext(ctx, e.db.Rebind(`UPDATE sync_status SET status = ?, updated_at = ? WHERE id = ?`), rule.onTimeout, dbconn.Now(), row.ID)
	if err != nil {
		return err
	}
	return &TimeoutError{UserfileID: row.UserfileID, ResourceID: e.resourceID, Kind: kind, Waited: time.Since(started), Status: rule.onTimeout}
}

func (e *Engine) pollDelay(deadline time.Time) time.Duration {
	d := e.config.CheckInterval
	if remaining := time.Until(deadline); remaining < d {
		d = remaining
	}
	return d
}

// finish records the outcome of a successful operation.
func (e *Engine) finish(row *Row, from, to Status, logger logrus.FieldLogger) {
	now := dbconn.Now()
	var stamps map[string]time.Time
	if to == InSync {
		stamps = map[string]time.Time{"accessed_at": now, "synced_at": now}
	}
	ok, err := e.compareAndSwap(context.Background(), row, from, to, stamps)
	if err != nil {
		logger.WithError(err).Errorf("error setting sync marker %s", to)
	} else if !ok {
		logger.Warnf("sync marker changed while operation was running, not setting %s", to)
	}
}

// release replaces our claim after a failure, timeout, or
// cancellation. It uses a fresh context so a cancelled caller does
// not leave the claim behind.
func (e *Engine) release(row *Row, from, to Status, logger logrus.FieldLogger) {
	ok, err := e.compareAndSwap(context.Background(), row, from, to, nil)
	if err != nil {
		logger.WithError(err).Errorf("error setting sync marker %s", to)
	} else if !ok {
		logger.Debugf("sync marker changed while operation was running, not setting %s", to)
	}
}

func (e *Engine) compareAndSwap(ctx context.Context, row *Row, from, to Status, stamps map[string]time.Time) (bool, error) {
	now := dbconn.Now()
	sqlstr := `UPDATE sync_status SET status = ?, updated_at = ?`
	args := []interface{}{to, now}
	for _, col := range []string{"accessed_at", "synced_at"} {
		if t, ok := stamps[col]; ok {
			sqlstr += `, ` + col + ` = ?`
			args = append(args, t)
		}
	}
	sqlstr += ` WHERE id = ? AND status = ?`
	args = append(args, row.ID, from)
	res, err := e.db.ExecContext(ctx, e.db.Rebind(sqlstr), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		row.UpdatedAt = now
		if t, ok := stamps["accessed_at"]; ok {
			row.AccessedAt = &t
		}
		if t, ok := stamps["synced_at"]; ok {
			row.SyncedAt = &t
		}
	}
	return n == 1, nil
}

// touch records that a sync was requested without doing any work.
func (e *Engine) touch(ctx context.Context, row *Row) error {
	now := dbconn.Now()
	_, err := e.db.ExecContext(ctx, e.db.Rebind(`UPDATE sync_status SET accessed_at = ? WHERE id = ?`), now, row.ID)
	if err == nil {
		row.AccessedAt = &now
	}
	return err
}

// GetOrCreate returns this resource's row for the file, inserting a
// ProvNewer row if there is none. Stale markers are demoted before
// returning.
func (e *Engine) GetOrCreate(ctx context.Context, userfileID int64) (*Row, error) {
	for attempt := 0; ; attempt++ {
		now := dbconn.Now()
		var row Row
		err := e.db.GetContext(ctx, &row, e.db.Rebind(`INSERT INTO sync_status
			(userfile_id, remote_resource_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING `+rowColumns), userfileID, e.resourceID, ProvNewer, now, now)
		if err == nil {
			return &row, nil
		}
		if !dbconn.IsUniqueViolation(err) {
			return nil, fmt.Errorf("userfile %d: create sync marker: %w", userfileID, err)
		}
		existing, err := e.Get(ctx, userfileID)
		if errors.Is(err, bourreau.ErrNotFound) && attempt < 3 {
			// Deleted between our insert and select.
			continue
		}
		return existing, err
	}
}

// Get returns this resource's row for the file, after demoting stale
// markers, or an error wrapping bourreau.ErrNotFound.
func (e *Engine) Get(ctx context.Context, userfileID int64) (*Row, error) {
	var row Row
	err := e.db.GetContext(ctx, &row, e.db.Rebind(`SELECT `+rowColumns+` FROM sync_status WHERE userfile_id = ? AND remote_resource_id = ?`), userfileID, e.resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync marker for userfile %d on resource %d: %w", userfileID, e.resourceID, bourreau.ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	if err := e.invalidateOldStatus(ctx, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// Status returns this resource's sync status for the file. A missing
// row is reported as ProvNewer.
func (e *Engine) Status(ctx context.Context, userfileID int64) (Status, error) {
	row, err := e.Get(ctx, userfileID)
	if errors.Is(err, bourreau.ErrNotFound) {
		return ProvNewer, nil
	} else if err != nil {
		return "", err
	}
	return row.Status, nil
}

// Rows returns every resource's row for the file, after demoting
// stale markers.
func (e *Engine) Rows(ctx context.Context, userfileID int64) ([]Row, error) {
	var rows []Row
	err := e.db.SelectContext(ctx, &rows, e.db.Rebind(`SELECT `+rowColumns+` FROM sync_status WHERE userfile_id = ? ORDER BY remote_resource_id`), userfileID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if err := e.invalidateOldStatus(ctx, &rows[i]); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (e *Engine) otherReplicas(ctx context.Context, mine *Row) ([]Row, error) {
	var rows []Row
	err := e.db.SelectContext(ctx, &rows, e.db.Rebind(`SELECT `+rowColumns+` FROM sync_status WHERE userfile_id = ? AND remote_resource_id <> ?`), mine.UserfileID, mine.ResourceID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if err := e.invalidateOldStatus(ctx, &rows[i]); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (e *Engine) deleteOtherReplicas(row *Row) error {
	_, err := e.db.ExecContext(context.Background(), e.db.Rebind(`DELETE FROM sync_status WHERE userfile_id = ? AND remote_resource_id <> ?`), row.UserfileID, row.ResourceID)
	return err
}

// Invalidate removes this resource's row for the file, which means
// the cached copy is no longer trusted (ProvNewer).
func (e *Engine) Invalidate(ctx context.Context, userfileID int64) error {
	_, err := e.db.ExecContext(ctx, e.db.Rebind(`DELETE FROM sync_status WHERE userfile_id = ? AND remote_resource_id = ?`), userfileID, e.resourceID)
	return err
}

// Clean removes every resource's row for the file. It is used when
// the file itself is deleted.
func (e *Engine) Clean(ctx context.Context, userfileID int64) error {
	_, err := e.db.ExecContext(ctx, e.db.Rebind(`DELETE FROM sync_status WHERE userfile_id = ?`), userfileID)
	return err
}

// invalidateOldStatus demotes markers that can no longer be trusted:
// an InSync marker older than the cache trust window becomes
// ProvNewer, and a transfer marker that has not been updated within
// the transfer timeout is considered abandoned.
func (e *Engine) invalidateOldStatus(ctx context.Context, row *Row) error {
	now := dbconn.Now()
	var to Status
	switch row.Status {
	case InSync:
		if e.config.CacheTrustExpire == 0 {
			return nil
		}
		synced := row.UpdatedAt
		if row.SyncedAt != nil {
			synced = *row.SyncedAt
		}
		if now.Sub(synced) <= e.config.CacheTrustExpire {
			return nil
		}
		to = ProvNewer
	case ToCache:
		if now.Sub(row.UpdatedAt) <= e.config.TransferTimeout {
			return nil
		}
		to = ProvNewer
	case ToProvider:
		if now.Sub(row.UpdatedAt) <= e.config.TransferTimeout {
			return nil
		}
		to = Corrupted
	default:
		return nil
	}
	from := row.Status
	ok, err := e.compareAndSwap(ctx, row, from, to, nil)
	if err != nil {
		return err
	}
	if ok {
		e.metrics.demotions.WithLabelValues(string(from), string(to)).Inc()
		fileLogger(e.logger, row.UserfileID, row.ResourceID).WithFields(logrus.Fields{
			"From": from,
			"To":   to,
		}).Info("demoted stale sync marker")
		row.Status = to
		return nil
	}
	// Someone else changed it first; use their version.
	var fresh Row
	err = e.db.GetContext(ctx, &fresh, e.db.Rebind(`SELECT `+rowColumns+` FROM sync_status WHERE id = ?`), row.ID)
	if errors.Is(err, sql.ErrNoRows) {
		row.Status = ProvNewer
		return nil
	} else if err != nil {
		return err
	}
	*row = fresh
	return nil
}
