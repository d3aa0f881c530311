// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dbconn opens the shared relational store and creates the
// tables the bourreau processes coordinate through.
package dbconn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open returns a connection pool for the configured database. The
// connection is checked before returning.
func Open(ctx context.Context, cfg bourreau.Database) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("Database.DSN is empty")
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	switch {
	case cfg.Driver == "sqlite" && strings.Contains(cfg.DSN, ":memory:"):
		// Each connection to :memory: is a separate
		// database.
		db.SetMaxOpenConns(1)
	case cfg.ConnectionPool > 0:
		db.SetMaxOpenConns(cfg.ConnectionPool)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s database is not reachable: %w", cfg.Driver, err)
	}
	return db, nil
}

// Now returns the current time in the form stored in timestamp
// columns: UTC, microsecond precision, no monotonic reading.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// IsUniqueViolation returns true if err reports an insert that
// collided with a unique index.
func IsUniqueViolation(err error) bool {
	var pqerr *pq.Error
	if errors.As(err, &pqerr) {
		return pqerr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

// Migrate creates any missing tables and indexes.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	serial := "BIGSERIAL PRIMARY KEY"
	if db.DriverName() == "sqlite" {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "%SERIAL%", serial)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w (in %q)", err, firstLine(stmt))
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cbrain_tasks (
		id %SERIAL%,
		user_id BIGINT NOT NULL,
		bourreau_id BIGINT NOT NULL,
		type VARCHAR(255) NOT NULL,
		tool_config_id BIGINT,
		description TEXT NOT NULL DEFAULT '',
		status VARCHAR(255) NOT NULL,
		run_number INTEGER NOT NULL DEFAULT 0,
		params TEXT NOT NULL DEFAULT '{}',
		prerequisites TEXT NOT NULL DEFAULT '{}',
		cluster_jobid VARCHAR(255) NOT NULL DEFAULT '',
		cluster_workdir VARCHAR(1024) NOT NULL DEFAULT '',
		cluster_run_number INTEGER NOT NULL DEFAULT 0,
		log TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS index_cbrain_tasks_on_bourreau_id_and_status
		ON cbrain_tasks (bourreau_id, status)`,
	`CREATE INDEX IF NOT EXISTS index_cbrain_tasks_on_user_id
		ON cbrain_tasks (user_id)`,
	`CREATE TABLE IF NOT EXISTS sync_status (
		id %SERIAL%,
		userfile_id BIGINT NOT NULL,
		remote_resource_id BIGINT NOT NULL,
		status VARCHAR(255) NOT NULL,
		accessed_at TIMESTAMP,
		synced_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS index_sync_status_on_userfile_id_and_remote_resource_id
		ON sync_status (userfile_id, remote_resource_id)`,
	`CREATE TABLE IF NOT EXISTS meta_data (
		resource_id BIGINT NOT NULL,
		meta_key VARCHAR(255) NOT NULL,
		meta_value TEXT NOT NULL,
		PRIMARY KEY (resource_id, meta_key))`,
	`CREATE TABLE IF NOT EXISTS userfiles (
		id %SERIAL%,
		name VARCHAR(255) NOT NULL,
		user_id BIGINT NOT NULL,
		data_provider_id BIGINT NOT NULL,
		size BIGINT NOT NULL DEFAULT 0)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id %SERIAL%,
		user_id BIGINT NOT NULL,
		message_type VARCHAR(255) NOT NULL,
		header TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL)`,
}
