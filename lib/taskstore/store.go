// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskstore reads and writes rows of the cbrain_tasks and
// meta_data tables.
//
// Status changes go through CompareAndSwapStatus, which refuses
// anything that is not an edge of bourreau.Transitions and reports
// whether the row was still in the expected state.
package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cbrain/bourreau/lib/dbconn"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/jmoiron/sqlx"
)

const taskColumns = `id, user_id, bourreau_id, type, tool_config_id, description, status, run_number,
	params, prerequisites, cluster_jobid, cluster_workdir, cluster_run_number, log, created_at, updated_at`

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Changes are applied together with a status change, in the same
// UPDATE statement.
type Changes struct {
	IncrementRunNumber bool
	ClusterJobID       *string
	ClusterWorkDir     *string
	ClusterRunNumber   *int
	// Log is appended to the task log, prefixed with a timestamp.
	Log string
}

func (ch Changes) apply(sets []string, args []interface{}, now time.Time) ([]string, []interface{}) {
	if ch.IncrementRunNumber {
		sets = append(sets, "run_number = run_number + 1")
	}
	if ch.ClusterJobID != nil {
		sets = append(sets, "cluster_jobid = ?")
		args = append(args, *ch.ClusterJobID)
	}
	if ch.ClusterWorkDir != nil {
		sets = append(sets, "cluster_workdir = ?")
		args = append(args, *ch.ClusterWorkDir)
	}
	if ch.ClusterRunNumber != nil {
		sets = append(sets, "cluster_run_number = ?")
		args = append(args, *ch.ClusterRunNumber)
	}
	if ch.Log != "" {
		sets = append(sets, "log = log || ?")
		args = append(args, logLine(now, ch.Log))
	}
	return sets, args
}

func logLine(t time.Time, msg string) string {
	return t.Format("2006-01-02 15:04:05 UTC") + " " + strings.TrimRight(msg, "\n") + "\n"
}

// Create inserts a task and fills in its ID and timestamps. An empty
// status is stored as New.
func (s *Store) Create(ctx context.Context, t *bourreau.Task) error {
	if t.Status == "" {
		t.Status = bourreau.StatusNew
	}
	now := dbconn.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	return s.db.QueryRowxContext(ctx, s.db.Rebind(`INSERT INTO cbrain_tasks
		(user_id, bourreau_id, type, tool_config_id, description, status, run_number,
		 params, prerequisites, cluster_jobid, cluster_workdir, cluster_run_number, log, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		t.UserID, t.ResourceID, t.Type, t.ToolConfigID, t.Description, t.Status, t.RunNumber,
		t.Params, t.Prerequisites, t.ClusterJobID, t.ClusterWorkDir, t.ClusterRunNumber, t.Log, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
}

// Get returns the task with the given ID, or an error wrapping
// bourreau.ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*bourreau.Task, error) {
	var t bourreau.Task
	err := s.db.GetContext(ctx, &t, s.db.Rebind(`SELECT `+taskColumns+` FROM cbrain_tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, bourreau.ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns the tasks on the given resource whose status is one
// of statuses, least recently updated first.
func (s *Store) List(ctx context.Context, resourceID int64, statuses []bourreau.TaskStatus) ([]bourreau.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+taskColumns+` FROM cbrain_tasks
		WHERE bourreau_id = ? AND status IN (?)
		ORDER BY updated_at, id`, resourceID, statuses)
	if err != nil {
		return nil, err
	}
	var tasks []bourreau.Task
	err = s.db.SelectContext(ctx, &tasks, s.db.Rebind(query), args...)
	return tasks, err
}

// Statuses returns the current status of each of the given tasks.
// Tasks that do not exist are absent from the result.
func (s *Store) Statuses(ctx context.Context, ids []int64) (map[int64]bourreau.TaskStatus, error) {
	found := map[int64]bourreau.TaskStatus{}
	if len(ids) == 0 {
		return found, nil
	}
	query, args, err := sqlx.In(`SELECT id, status FROM cbrain_tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var st bourreau.TaskStatus
		if err := rows.Scan(&id, &st); err != nil {
			return nil, err
		}
		found[id] = st
	}
	return found, rows.Err()
}

// CountActive returns the number of tasks on the given resource in an
// active status. If userID is non-zero, only that user's tasks are
// counted.
func (s *Store) CountActive(ctx context.Context, resourceID, userID int64) (int, error) {
	sqlstr := `SELECT COUNT(*) FROM cbrain_tasks WHERE bourreau_id = ? AND status IN (?)`
	args := []interface{}{resourceID, bourreau.ActiveStatuses}
	if userID != 0 {
		sqlstr += ` AND user_id = ?`
		args = append(args, userID)
	}
	query, args, err := sqlx.In(sqlstr, args...)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.GetContext(ctx, &n, s.db.Rebind(query), args...)
	return n, err
}

// CompareAndSwapStatus changes the task's status from "from" to "to"
// and applies ch, but only if the stored status is still "from". It
// returns false (and a nil error) if the stored status was
// something else.
//
// A transition that is not an edge of the lifecycle graph is
// rejected with *bourreau.IllegalTransitionError before the store is
// touched.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id int64, from, to bourreau.TaskStatus, ch Changes) (bool, error) {
	if !bourreau.CanTransition(from, to) {
		return false, &bourreau.IllegalTransitionError{TaskID: id, From: from, To: to}
	}
	now := dbconn.Now()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{to, now}
	sets, args = ch.apply(sets, args, now)
	args = append(args, id, from)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE cbrain_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return false, fmt.Errorf("task %d: update status %q -> %q: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Update applies ch without changing the task's status or its
// updated_at timestamp.
func (s *Store) Update(ctx context.Context, id int64, ch Changes) error {
	sets, args := ch.apply(nil, nil, dbconn.Now())
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE cbrain_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("task %d: %w", id, bourreau.ErrNotFound)
	}
	return nil
}

// AppendLog adds a timestamped line to the task log.
func (s *Store) AppendLog(ctx context.Context, id int64, msg string) error {
	return s.Update(ctx, id, Changes{Log: msg})
}

// Meta returns a per-resource setting from the meta_data table. ok is
// false if the key is not set.
func (s *Store) Meta(ctx context.Context, resourceID int64, key string) (value string, ok bool, err error) {
	err = s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT meta_value FROM meta_data WHERE resource_id = ? AND meta_key = ?`), resourceID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// MetaInt returns a per-resource integer setting. Unset, empty, and
// non-numeric values are reported as not ok.
func (s *Store) MetaInt(ctx context.Context, resourceID int64, key string) (int, bool, error) {
	value, ok, err := s.Meta(ctx, resourceID, key)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

// SetMeta stores a per-resource setting, replacing any previous
// value.
func (s *Store) SetMeta(ctx context.Context, resourceID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO meta_data (resource_id, meta_key, meta_value) VALUES (?, ?, ?)
		ON CONFLICT (resource_id, meta_key) DO UPDATE SET meta_value = excluded.meta_value`), resourceID, key, value)
	return err
}

// DeleteMeta removes a per-resource setting.
func (s *Store) DeleteMeta(ctx context.Context, resourceID int64, key string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM meta_data WHERE resource_id = ? AND meta_key = ?`), resourceID, key)
	return err
}
