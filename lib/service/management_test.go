// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/cbrain/bourreau/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ManagementSuite{})

type ManagementSuite struct {
	woken   int
	healthy error
	handler *ManagementHandler
}

func (s *ManagementSuite) SetUpTest(c *check.C) {
	s.woken = 0
	s.healthy = nil
	reg := prometheus.NewRegistry()
	registerVersion(reg)
	s.handler = &ManagementHandler{
		Token:    "abcde",
		Registry: reg,
		Logger:   ctxlog.TestLogger(c),
		Health:   func() error { return s.healthy },
		Wake:     func() { s.woken++ },
	}
}

func (s *ManagementSuite) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func (s *ManagementSuite) TestAuth(c *check.C) {
	for _, path := range []string{"/metrics", "/_health/ping"} {
		c.Check(s.do("GET", path, "").Code, check.Equals, http.StatusUnauthorized)
		c.Check(s.do("GET", path, "xyzzy").Code, check.Equals, http.StatusForbidden)
		c.Check(s.do("GET", path, "abcde").Code, check.Equals, http.StatusOK)
	}
	c.Check(s.do("POST", "/_wake", "xyzzy").Code, check.Equals, http.StatusForbidden)
	c.Check(s.woken, check.Equals, 0)
}

func (s *ManagementSuite) TestNoTokenConfigured(c *check.C) {
	s.handler.Token = ""
	resp := s.do("GET", "/metrics", "abcde")
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
	c.Check(resp.Body.String(), check.Matches, `Management API authentication is not configured\n`)
}

func (s *ManagementSuite) TestMetrics(c *check.C) {
	resp := s.do("GET", "/metrics", "abcde")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*\nbourreau_version_running{version="[^"]+"} 1\n.*`)
}

func (s *ManagementSuite) TestHealth(c *check.C) {
	resp := s.do("GET", "/_health/ping", "abcde")
	c.Check(resp.Body.String(), check.Equals, `{"health":"OK"}`+"\n")

	s.healthy = errors.New("database is locked")
	resp = s.do("GET", "/_health/ping", "abcde")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, `{"error":"database is locked","health":"ERROR"}`+"\n")
}

func (s *ManagementSuite) TestWake(c *check.C) {
	c.Check(s.do("GET", "/_wake", "abcde").Code, check.Equals, http.StatusMethodNotAllowed)
	c.Check(s.woken, check.Equals, 0)
	c.Check(s.do("POST", "/_wake", "abcde").Code, check.Equals, http.StatusNoContent)
	c.Check(s.woken, check.Equals, 1)
}
