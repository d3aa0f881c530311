// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskstore

import (
	"context"
	"database/sql/driver"
	"errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/jmoiron/sqlx"
	check "gopkg.in/check.v1"
)

// PostgresSuite checks the statements sent to a PostgreSQL server,
// where placeholders are rebound to $1, $2, ...
var _ = check.Suite(&PostgresSuite{})

type PostgresSuite struct {
	mock  sqlmock.Sqlmock
	store *Store
}

func (s *PostgresSuite) SetUpTest(c *check.C) {
	db, mock, err := sqlmock.New()
	c.Assert(err, check.IsNil)
	s.mock = mock
	s.store = New(sqlx.NewDb(db, "postgres"))
}

func (s *PostgresSuite) TearDownTest(c *check.C) {
	c.Check(s.mock.ExpectationsWereMet(), check.IsNil)
}

func (s *PostgresSuite) TestCompareAndSwapStatement(c *check.C) {
	s.mock.ExpectExec(`UPDATE cbrain_tasks SET status = \$1, updated_at = \$2, run_number = run_number \+ 1 WHERE id = \$3 AND status = \$4`).
		WithArgs("Restarting Cluster", sqlmock.AnyArg(), 12, "Restart Cluster").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.store.CompareAndSwapStatus(context.Background(), 12, bourreau.StatusRestartCluster, bourreau.StatusRestartingCluster, Changes{IncrementRunNumber: true})
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
}

func (s *PostgresSuite) TestCompareAndSwapLost(c *check.C) {
	s.mock.ExpectExec(`UPDATE cbrain_tasks SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("Setting Up", sqlmock.AnyArg(), 12, "New").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err := s.store.CompareAndSwapStatus(context.Background(), 12, bourreau.StatusNew, bourreau.StatusSettingUp, Changes{})
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
}

func (s *PostgresSuite) TestCompareAndSwapDatabaseError(c *check.C) {
	s.mock.ExpectExec(`UPDATE cbrain_tasks SET status = \$1, updated_at = \$2, cluster_jobid = \$3 WHERE id = \$4 AND status = \$5`).
		WithArgs("Queued", sqlmock.AnyArg(), "987", 12, "Setting Up").
		WillReturnError(errors.New("connection reset"))
	jobid := "987"
	ok, err := s.store.CompareAndSwapStatus(context.Background(), 12, bourreau.StatusSettingUp, bourreau.StatusQueued, Changes{ClusterJobID: &jobid})
	c.Check(ok, check.Equals, false)
	c.Check(err, check.ErrorMatches, `task 12: update status "Setting Up" -> "Queued": connection reset`)
	c.Check(errors.Is(err, bourreau.ErrTransitionLost), check.Equals, false)
}

func (s *PostgresSuite) TestCountActiveStatement(c *check.C) {
	args := []interface{}{int64(4)}
	for _, st := range bourreau.ActiveStatuses {
		args = append(args, string(st))
	}
	args = append(args, int64(7))
	s.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM cbrain_tasks WHERE bourreau_id = \$1 AND status IN \(\$2, .*\$14\) AND user_id = \$15`).
		WithArgs(toDriverValues(args)...).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	n, err := s.store.CountActive(context.Background(), 4, 7)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 3)
}

func (s *PostgresSuite) TestCreateReturningID(c *check.C) {
	s.mock.ExpectQuery(`INSERT INTO cbrain_tasks .* RETURNING id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	t := &bourreau.Task{UserID: 1, ResourceID: 2, Type: "diagnostics"}
	c.Assert(s.store.Create(context.Background(), t), check.IsNil)
	c.Check(t.ID, check.Equals, int64(42))
	c.Check(t.Status, check.Equals, bourreau.StatusNew)
}

func toDriverValues(args []interface{}) []driver.Value {
	var out []driver.Value
	for _, a := range args {
		out = append(out, equalArg{a})
	}
	return out
}

type equalArg struct{ want interface{} }

func (a equalArg) Match(v driver.Value) bool {
	switch want := a.want.(type) {
	case int64:
		got, ok := v.(int64)
		return ok && got == want
	case string:
		got, ok := v.(string)
		return ok && got == want
	}
	return false
}
