// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cbrain/bourreau/lib/syncstatus"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const userfileCacheSize = 1000

// Manager keeps the resource's cache directory consistent with the
// data providers. Cached copies live at <CacheDir>/<id>/<name>.
type Manager struct {
	CacheDir string

	db        *sqlx.DB
	cluster   *bourreau.Config
	engine    *syncstatus.Engine
	logger    logrus.FieldLogger
	userfiles *lru.TwoQueueCache

	mtx       sync.Mutex
	providers map[int64]Provider
}

func NewManager(db *sqlx.DB, cfg *bourreau.Config, cacheDir string, engine *syncstatus.Engine, logger logrus.FieldLogger) (*Manager, error) {
	userfiles, err := lru.New2Q(userfileCacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		CacheDir:  cacheDir,
		db:        db,
		cluster:   cfg,
		engine:    engine,
		logger:    logger,
		userfiles: userfiles,
		providers: map[int64]Provider{},
	}, nil
}

// SetProvider overrides the provider used for the given data
// provider ID.
func (m *Manager) SetProvider(dpID int64, p Provider) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.providers[dpID] = p
}

func (m *Manager) provider(ctx context.Context, dpID int64) (Provider, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if p, ok := m.providers[dpID]; ok {
		return p, nil
	}
	dp, err := m.cluster.GetDataProvider(dpID)
	if err != nil {
		return nil, err
	}
	p, err := NewProvider(ctx, *dp, m.logger.WithField("DataProviderID", dpID))
	if err != nil {
		return nil, fmt.Errorf("data provider %d: %w", dpID, err)
	}
	m.providers[dpID] = p
	return p, nil
}

// Userfile returns the userfiles row with the given ID.
func (m *Manager) Userfile(ctx context.Context, id int64) (*Userfile, error) {
	if v, ok := m.userfiles.Get(id); ok {
		return v.(*Userfile), nil
	}
	var file Userfile
	err := m.db.GetContext(ctx, &file, m.db.Rebind(`SELECT id, name, user_id, data_provider_id, size FROM userfiles WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("userfile %d: %w", id, bourreau.ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	m.userfiles.Add(id, &file)
	return &file, nil
}

// Create inserts a userfiles row and assigns file.ID.
func (m *Manager) Create(ctx context.Context, file *Userfile) error {
	return m.db.GetContext(ctx, &file.ID, m.db.Rebind(`INSERT INTO userfiles (name, user_id, data_provider_id, size) VALUES (?, ?, ?, ?) RETURNING id`),
		file.Name, file.UserID, file.DataProviderID, file.Size)
}

// CachePath returns the location of the file's cached copy.
func (m *Manager) CachePath(file *Userfile) string {
	return filepath.Join(m.CacheDir, strconv.FormatInt(file.ID, 10), file.Name)
}

func (m *Manager) fileLogger(file *Userfile) logrus.FieldLogger {
	return m.logger.WithFields(logrus.Fields{
		"UserfileID":     file.ID,
		"DataProviderID": file.DataProviderID,
	})
}

// SyncToCache makes sure the cache holds the provider's current
// content of the file, and returns its path.
func (m *Manager) SyncToCache(ctx context.Context, id int64) (string, error) {
	file, p, err := m.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	path := m.CachePath(file)
	err = m.engine.ReadyToCopyToCache(ctx, file.ID, func(ctx context.Context) error {
		t0 := time.Now()
		if err := p.ProviderToCache(ctx, file, path); err != nil {
			return err
		}
		m.logTransfer(file, path, "provider to cache", t0)
		return nil
	})
	return path, err
}

// SyncToProvider copies the cached content of the file to its data
// provider.
func (m *Manager) SyncToProvider(ctx context.Context, id int64) error {
	file, p, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	path := m.CachePath(file)
	return m.engine.ReadyToCopyToProvider(ctx, file.ID, func(ctx context.Context) error {
		t0 := time.Now()
		if err := p.CacheToProvider(ctx, file, path); err != nil {
			return err
		}
		m.logTransfer(file, path, "cache to provider", t0)
		return nil
	})
}

// PrepareCache calls fn with the path where the file's content
// should be written in the cache. On success the cached copy is
// marked newer than the provider's.
func (m *Manager) PrepareCache(ctx context.Context, id int64, fn func(path string) error) error {
	file, err := m.Userfile(ctx, id)
	if err != nil {
		return err
	}
	path := m.CachePath(file)
	return m.engine.ReadyToModifyCache(ctx, file.ID, func(ctx context.Context) error {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		return fn(path)
	}, "")
}

// Erase deletes the provider's copy of the file, then forgets every
// resource's sync marker for it.
func (m *Manager) Erase(ctx context.Context, id int64) error {
	file, p, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	err = m.engine.ReadyToModifyDp(ctx, file.ID, func(ctx context.Context) error {
		return p.Erase(ctx, file)
	}, "")
	if err != nil {
		return err
	}
	m.userfiles.Remove(id)
	m.fileLogger(file).Info("erased from data provider")
	return m.engine.Clean(ctx, file.ID)
}

// CacheErase removes this resource's cached copy of the file.
func (m *Manager) CacheErase(ctx context.Context, id int64) error {
	file, err := m.Userfile(ctx, id)
	if err != nil {
		return err
	}
	err = m.engine.ReadyToModifyCache(ctx, file.ID, func(ctx context.Context) error {
		return os.RemoveAll(filepath.Dir(m.CachePath(file)))
	}, syncstatus.ProvNewer)
	if err != nil {
		return err
	}
	return m.engine.Invalidate(ctx, file.ID)
}

func (m *Manager) lookup(ctx context.Context, id int64) (*Userfile, Provider, error) {
	file, err := m.Userfile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p, err := m.provider(ctx, file.DataProviderID)
	if err != nil {
		return nil, nil, err
	}
	return file, p, nil
}

func (m *Manager) logTransfer(file *Userfile, path, direction string, t0 time.Time) {
	logger := m.fileLogger(file).WithField("Duration", time.Since(t0).Seconds())
	if fi, err := os.Stat(path); err == nil {
		logger = logger.WithField("Size", humanize.IBytes(uint64(fi.Size())))
	}
	logger.Infof("copied %s", direction)
}
