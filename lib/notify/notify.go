// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package notify delivers task outcome notices to users.
package notify

import (
	"context"
	"fmt"

	"github.com/cbrain/bourreau/lib/dbconn"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Message types.
const (
	Notice = "notice"
	Error  = "error"
)

type Sink interface {
	Notify(ctx context.Context, userID int64, kind, subject, body string) error
}

// DBSink stores notices in the messages table, where the portal
// shows them to the user.
type DBSink struct {
	DB *sqlx.DB
}

func (s *DBSink) Notify(ctx context.Context, userID int64, kind, subject, body string) error {
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`INSERT INTO messages (user_id, message_type, header, description, read, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		userID, kind, subject, body, false, dbconn.Now())
	if err != nil {
		return fmt.Errorf("notify user %d: %w", userID, err)
	}
	return nil
}

// LogSink only logs notices.
type LogSink struct {
	Logger logrus.FieldLogger
}

func (s *LogSink) Notify(ctx context.Context, userID int64, kind, subject, body string) error {
	s.Logger.WithFields(logrus.Fields{
		"UserID":      userID,
		"MessageType": kind,
		"Body":        body,
	}).Info(subject)
	return nil
}

// New returns the sink selected by the Notifications config value.
func New(kind string, db *sqlx.DB, logger logrus.FieldLogger) (Sink, error) {
	switch kind {
	case "db", "":
		return &DBSink{DB: db}, nil
	case "log":
		return &LogSink{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown Notifications type %q", kind)
	}
}
