// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package liveness checks whether the process that owns a worker is
// still there. A worker whose owner has gone away stops scanning.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type Probe interface {
	Alive(ctx context.Context) bool
}

// Always is a Probe that never fails.
type Always struct{}

func (Always) Alive(context.Context) bool { return true }

// ProcessProbe reports whether the process with the given PID
// exists.
type ProcessProbe struct {
	PID int
}

func (p ProcessProbe) Alive(context.Context) bool {
	err := unix.Kill(p.PID, 0)
	// EPERM means it exists but belongs to someone else.
	return err == nil || errors.Is(err, unix.EPERM)
}

// HTTPProbe reports whether URL answers a GET request with a 2xx
// status, retrying transient errors a few times first.
type HTTPProbe struct {
	URL    string
	Client *retryablehttp.Client
}

func NewHTTPProbe(url string, logger logrus.FieldLogger) *HTTPProbe {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = leveledLogger{logger}
	return &HTTPProbe{URL: url, Client: client}
}

func (p *HTTPProbe) Alive(ctx context.Context) bool {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// All is alive if every one of its probes is alive.
type All []Probe

func (all All) Alive(ctx context.Context) bool {
	for _, p := range all {
		if !p.Alive(ctx) {
			return false
		}
	}
	return true
}

// New returns the probe described by cfg.
func New(cfg bourreau.LivenessConfig, logger logrus.FieldLogger) (Probe, error) {
	var all All
	if cfg.PID < 0 {
		return nil, fmt.Errorf("invalid Liveness.PID %d", cfg.PID)
	} else if cfg.PID > 0 {
		all = append(all, ProcessProbe{PID: cfg.PID})
	}
	if cfg.URL != "" {
		all = append(all, NewHTTPProbe(cfg.URL, logger))
	}
	switch len(all) {
	case 0:
		return Always{}, nil
	case 1:
		return all[0], nil
	default:
		return all, nil
	}
}

// leveledLogger adapts a logrus logger to retryablehttp's
// LeveledLogger interface.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	logger := l.logger
	for i := 0; i+1 < len(kv); i += 2 {
		logger = logger.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Info(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
