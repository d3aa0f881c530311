// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/cbrain/bourreau/sdk/go/ctxlog"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&S3Suite{})

type S3Suite struct {
	server   *httptest.Server
	provider *S3Provider
	ctx      context.Context
}

func (s *S3Suite) SetUpTest(c *check.C) {
	backend := s3mem.New()
	c.Assert(backend.CreateBucket("cbrain-files"), check.IsNil)
	s.server = httptest.NewServer(gofakes3.New(backend).Server())
	s.ctx = context.Background()
	p, err := NewS3Provider(s.ctx, bourreau.DataProvider{
		Type:            "s3",
		Bucket:          "cbrain-files",
		Prefix:          "userfiles/",
		Endpoint:        s.server.URL,
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	}, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	s.provider = p
}

func (s *S3Suite) TearDownTest(c *check.C) {
	s.server.Close()
}

func (s *S3Suite) TestRoundTrip(c *check.C) {
	dir := c.MkDir()
	file := &Userfile{ID: 7, Name: "subject01.mnc"}
	src := filepath.Join(dir, "src")
	c.Assert(os.WriteFile(src, []byte("voxels"), 0644), check.IsNil)
	c.Assert(s.provider.CacheToProvider(s.ctx, file, src), check.IsNil)

	dst := filepath.Join(dir, "cache", "7", "subject01.mnc")
	c.Assert(s.provider.ProviderToCache(s.ctx, file, dst), check.IsNil)
	buf, err := os.ReadFile(dst)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "voxels")

	c.Check(s.provider.Erase(s.ctx, file), check.IsNil)
	err = s.provider.ProviderToCache(s.ctx, file, dst+".again")
	c.Check(os.IsNotExist(err), check.Equals, true)
	_, err = os.Stat(dst + ".again")
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *S3Suite) TestEraseMissing(c *check.C) {
	c.Check(s.provider.Erase(s.ctx, &Userfile{ID: 8, Name: "never-uploaded"}), check.IsNil)
}

func (s *S3Suite) TestConfigErrors(c *check.C) {
	_, err := NewS3Provider(s.ctx, bourreau.DataProvider{Type: "s3"}, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `.*Bucket must be specified`)
	_, err = NewS3Provider(s.ctx, bourreau.DataProvider{Type: "s3", Bucket: "b"}, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `.*Region or Endpoint must be specified`)
}
