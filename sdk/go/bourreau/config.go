// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package bourreau

import (
	"fmt"
	"strconv"
)

const DefaultConfigFile = "/etc/bourreau/config.yml"

type Config struct {
	SystemLogs      SystemLogs
	Database        Database
	ManagementToken string
	// Resources is keyed by compute resource ID. The "*" entry
	// supplies values for fields left empty in the others.
	Resources     map[string]Resource
	DataProviders map[string]DataProvider
	Tools         map[string]Tool
}

type SystemLogs struct {
	LogLevel string
	Format   string
}

type Database struct {
	// Driver is "postgres" or "sqlite".
	Driver         string
	DSN            string
	ConnectionPool int
}

type Resource struct {
	// ClusterType selects the job adapter: "lsf", "slurm" or
	// "local".
	ClusterType string
	// WorkRoot is the shared directory holding one work directory
	// per task.
	WorkRoot string
	// CacheDir holds local copies of data provider files.
	CacheDir         string
	ManagementListen string

	CheckInterval     Duration
	DebounceWindow    Duration
	SleepModeAfter    int
	SleepModeDuration Duration
	SleepModeJitter   Duration
	// MaxDispatchRate limits dispatches per second. Zero means no
	// limit.
	MaxDispatchRate float64
	// ExclusiveLock makes a worker hold a database advisory lock
	// for its resource, so only one worker scans at a time.
	ExclusiveLock bool
	// Notifications is "db" (store user messages) or "log".
	Notifications string

	Sync     SyncConfig
	Job      JobDefaults
	LSF      LSFConfig
	SLURM    SLURMConfig
	Liveness LivenessConfig
}

type SyncConfig struct {
	CheckInterval   Duration
	CheckMaxWait    Duration
	TransferTimeout Duration
	// CacheTrustExpire is how long an InSync marker is trusted.
	// Zero means forever.
	CacheTrustExpire Duration
}

type JobDefaults struct {
	VCPUs    int
	MemoryMB int
	Walltime Duration
	Queue    string
}

type LSFConfig struct {
	BsubArgumentsList []string
	PollPeriod        Duration
}

type SLURMConfig struct {
	SbatchArgumentsList   []string
	PollPeriod            Duration
	MaxConcurrentCommands int
}

type LivenessConfig struct {
	// PID of the owning process; zero disables the check.
	PID int
	// URL polled for a 2xx response; "" disables the check.
	URL string
}

type DataProvider struct {
	// Type is "local" or "s3".
	Type string
	Root string

	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type Tool struct {
	// Category "background" suppresses user notifications.
	Category string
}

// GetResource returns the configuration for the given compute
// resource, or the "*" entry if the resource is not listed.
func (cfg *Config) GetResource(id int64) (*Resource, error) {
	if rc, ok := cfg.Resources[strconv.FormatInt(id, 10)]; ok {
		return &rc, nil
	}
	if rc, ok := cfg.Resources["*"]; ok {
		return &rc, nil
	}
	return nil, fmt.Errorf("resource %d is not configured", id)
}

// GetDataProvider returns the configuration for the given data
// provider.
func (cfg *Config) GetDataProvider(id int64) (*DataProvider, error) {
	if dp, ok := cfg.DataProviders[strconv.FormatInt(id, 10)]; ok {
		return &dp, nil
	}
	return nil, fmt.Errorf("data provider %d is not configured", id)
}

// ToolCategory returns the configured category for a task type, or
// "" if none.
func (cfg *Config) ToolCategory(taskType string) string {
	return cfg.Tools[taskType].Category
}
