// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service brings up the Bourreau worker and the
// administrative commands that share its configuration.
package service

import (
	"context"
	"fmt"

	"github.com/cbrain/bourreau/lib/cluster"
	"github.com/cbrain/bourreau/lib/cluster/local"
	"github.com/cbrain/bourreau/lib/cluster/lsf"
	"github.com/cbrain/bourreau/lib/cluster/slurm"
	"github.com/cbrain/bourreau/lib/lifecycle"
	"github.com/cbrain/bourreau/lib/liveness"
	"github.com/cbrain/bourreau/lib/notify"
	"github.com/cbrain/bourreau/lib/scheduler"
	"github.com/cbrain/bourreau/lib/storage"
	"github.com/cbrain/bourreau/lib/syncstatus"
	"github.com/cbrain/bourreau/lib/taskstore"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// NewAdapter returns the job adapter for the resource's ClusterType.
func NewAdapter(rc *bourreau.Resource, logger logrus.FieldLogger) (cluster.Adapter, error) {
	switch rc.ClusterType {
	case "lsf":
		return lsf.New(rc.LSF, logger), nil
	case "slurm":
		return slurm.New(rc.SLURM, logger), nil
	case "local", "":
		return local.New(logger), nil
	default:
		return nil, fmt.Errorf("unknown ClusterType %q", rc.ClusterType)
	}
}

// Worker holds the components serving one compute resource.
type Worker struct {
	ResourceID int64
	Resource   *bourreau.Resource
	Store      *taskstore.Store
	Sync       *syncstatus.Engine
	Storage    *storage.Manager
	Machine    *lifecycle.Machine
	Scheduler  *scheduler.Scheduler
}

// NewWorker wires the store, sync engine, cache, job adapter, and
// state machine for the given resource. reg may be nil.
func NewWorker(ctx context.Context, cfg *bourreau.Config, resourceID int64, db *sqlx.DB, reg *prometheus.Registry, logger logrus.FieldLogger) (*Worker, error) {
	rc, err := cfg.GetResource(resourceID)
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("ResourceID", resourceID)
	adapter, err := NewAdapter(rc, logger)
	if err != nil {
		return nil, err
	}
	engine := syncstatus.New(db, resourceID, syncstatus.Config{
		CheckInterval:    rc.Sync.CheckInterval.Duration(),
		CheckMaxWait:     rc.Sync.CheckMaxWait.Duration(),
		TransferTimeout:  rc.Sync.TransferTimeout.Duration(),
		CacheTrustExpire: rc.Sync.CacheTrustExpire.Duration(),
	}, logger, reg)
	var mgr *storage.Manager
	if rc.CacheDir != "" {
		mgr, err = storage.NewManager(db, cfg, rc.CacheDir, engine, logger)
		if err != nil {
			return nil, err
		}
	}
	sink, err := notify.New(rc.Notifications, db, logger)
	if err != nil {
		return nil, err
	}
	probe, err := liveness.New(rc.Liveness, logger)
	if err != nil {
		return nil, err
	}
	store := taskstore.New(db)
	machine := &lifecycle.Machine{
		ResourceID: resourceID,
		Store:      store,
		Adapter:    adapter,
		Types:      lifecycle.Builtin(),
		Storage:    mgr,
		Notifier:   sink,
		Cluster:    cfg,
		Resource:   rc,
		Logger:     logger,
		Registry:   reg,
	}
	return &Worker{
		ResourceID: resourceID,
		Resource:   rc,
		Store:      store,
		Sync:       engine,
		Storage:    mgr,
		Machine:    machine,
		Scheduler: &scheduler.Scheduler{
			ResourceID: resourceID,
			Store:      store,
			Dispatcher: machine,
			Liveness:   probe,
			Config:     rc,
			DB:         db,
			Logger:     logger,
			Registry:   reg,
		},
	}, nil
}
