// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/cbrain/bourreau/lib/cmd"
	"github.com/cbrain/bourreau/lib/config"
	"github.com/cbrain/bourreau/lib/service"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,

		"worker":      service.WorkerCommand,
		"task":        service.TaskCommand,
		"sync-status": service.SyncStatusCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
