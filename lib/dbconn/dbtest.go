// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dbconn

import (
	"context"
	"path/filepath"

	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/jmoiron/sqlx"
	check "gopkg.in/check.v1"
)

// TestDB returns a migrated SQLite database in a temporary directory
// that is removed when the test finishes.
func TestDB(c *check.C) *sqlx.DB {
	dsn := "file:" + filepath.Join(c.MkDir(), "bourreau.db") +
		"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	db, err := Open(context.Background(), bourreau.Database{Driver: "sqlite", DSN: dsn, ConnectionPool: 4})
	c.Assert(err, check.IsNil)
	c.Assert(Migrate(context.Background(), db), check.IsNil)
	return db
}
