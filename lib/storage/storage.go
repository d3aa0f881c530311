// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package storage moves userfile content between data providers and
// the resource's local cache. Every content operation goes through
// the sync engine, so concurrent workers never transfer the same
// file at the same time.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/sirupsen/logrus"
)

// Userfile is a row of the userfiles table.
type Userfile struct {
	ID             int64  `db:"id"`
	Name           string `db:"name"`
	UserID         int64  `db:"user_id"`
	DataProviderID int64  `db:"data_provider_id"`
	Size           int64  `db:"size"`
}

// Provider transfers file content to and from one data provider.
type Provider interface {
	// ProviderToCache writes the provider's copy of file to the
	// local path dst.
	ProviderToCache(ctx context.Context, file *Userfile, dst string) error
	// CacheToProvider replaces the provider's copy of file with
	// the content of the local path src.
	CacheToProvider(ctx context.Context, file *Userfile, src string) error
	// Erase deletes the provider's copy. Erasing a file that does
	// not exist is not an error.
	Erase(ctx context.Context, file *Userfile) error
}

// NewProvider returns a Provider for the given configuration entry.
func NewProvider(ctx context.Context, dp bourreau.DataProvider, logger logrus.FieldLogger) (Provider, error) {
	switch dp.Type {
	case "local":
		return &LocalProvider{Root: dp.Root}, nil
	case "s3":
		return NewS3Provider(ctx, dp, logger)
	default:
		return nil, fmt.Errorf("unsupported data provider type %q", dp.Type)
	}
}

// copyFile copies src to dst via a temporary file in dst's
// directory, so readers never see a partial dst.
func copyFile(dst string, src io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), dst)
}
