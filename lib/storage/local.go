// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalProvider stores files as <Root>/<name> on a filesystem
// visible to the worker.
type LocalProvider struct {
	Root string
}

func (p *LocalProvider) path(file *Userfile) (string, error) {
	if file.Name == "" || strings.Contains(file.Name, "/") || file.Name == "." || file.Name == ".." {
		return "", fmt.Errorf("userfile %d: invalid name %q", file.ID, file.Name)
	}
	return filepath.Join(p.Root, file.Name), nil
}

func (p *LocalProvider) ProviderToCache(ctx context.Context, file *Userfile, dst string) error {
	src, err := p.path(file)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = copyFile(dst, f)
	return err
}

func (p *LocalProvider) CacheToProvider(ctx context.Context, file *Userfile, src string) error {
	dst, err := p.path(file)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = copyFile(dst, f)
	return err
}

func (p *LocalProvider) Erase(ctx context.Context, file *Userfile) error {
	path, err := p.path(file)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
