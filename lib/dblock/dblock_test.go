// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dblock

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cbrain/bourreau/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct {
	db   *sqlx.DB
	mock sqlmock.Sqlmock
}

func (s *suite) SetUpTest(c *check.C) {
	retryDelay = 10 * time.Millisecond
	db, mock, err := sqlmock.New()
	c.Assert(err, check.IsNil)
	s.db, s.mock = sqlx.NewDb(db, "postgres"), mock
}

func (s *suite) TearDownTest(c *check.C) {
	c.Check(s.mock.ExpectationsWereMet(), check.IsNil)
}

func (s *suite) TestForResource(c *check.C) {
	c.Check(ForResource(7), check.Equals, ForResource(7))
	c.Check(ForResource(7), check.Not(check.Equals), ForResource(8))
	c.Check(ForResource(7).key, check.Equals, int64(20007))
}

func (s *suite) TestLockWaitsForOtherClient(c *check.C) {
	var logbuf bytes.Buffer
	ctx := ctxlog.Context(context.Background(), ctxlog.New(&logbuf, "text", "debug"))

	s.mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).WithArgs(int64(20042)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	s.mock.ExpectQuery(`SELECT client_addr, client_port FROM pg_stat_activity`).WithArgs("advisory", int64(20042)).
		WillReturnRows(sqlmock.NewRows([]string{"client_addr", "client_port"}).AddRow("10.0.0.2", 5432))
	s.mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).WithArgs(int64(20042)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	s.mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).WithArgs(int64(20042)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	dbl := &DBLocker{key: 20042}
	c.Check(dbl.Lock(ctx, s.db), check.Equals, true)
	c.Check(dbl.Check(), check.Equals, true)
	dbl.Unlock()
	c.Check(logbuf.String(), check.Matches, `(?ms).*level=info.*waiting for other process.*DBClient="10.0.0.2:5432".*LockID=20042.*`)
}

func (s *suite) TestLockRetriesAfterError(c *check.C) {
	s.mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).WillReturnError(errors.New("connection reset"))
	s.mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	s.mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).WillReturnResult(sqlmock.NewResult(0, 1))
	dbl := &DBLocker{key: 20043}
	c.Check(dbl.Lock(context.Background(), s.db), check.Equals, true)
	dbl.Unlock()
	// Unlocking twice is harmless.
	dbl.Unlock()
}

func (s *suite) TestLockCanceled(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dbl := &DBLocker{key: 20044}
	c.Check(dbl.Lock(ctx, s.db), check.Equals, false)
}

func (s *suite) TestLockCanceledWhileWaiting(c *check.C) {
	// Separate mock: we don't know how many attempts will happen
	// before the deadline.
	db, mock, err := sqlmock.New()
	c.Assert(err, check.IsNil)
	for i := 0; i < 100; i++ {
		mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
		mock.ExpectQuery(`SELECT client_addr`).
			WillReturnRows(sqlmock.NewRows([]string{"client_addr", "client_port"}).AddRow("10.0.0.2", 5432))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	dbl := &DBLocker{key: 20045}
	c.Check(dbl.Lock(ctx, sqlx.NewDb(db, "postgres")), check.Equals, false)
}
