// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cbrain/bourreau/lib/cluster"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/google/shlex"
)

// Diagnostics is a task type for checking that a resource works end
// to end. Its params:
//
//	setup_command   run on the worker host during setup
//	command         run by the cluster job (default "true")
//	post_command    run on the worker host while saving results
//	inputs          userfile IDs to sync into the cache and link
//	                into the work directory during setup
//	outputs         userfile IDs to copy from the work directory
//	                (by file name) to their data providers while
//	                saving results
//	fail_setup      make setup fail
//	fail_post       make saving results fail
//	fail_recover    make every recovery and restart hook fail
type Diagnostics struct{}

func (Diagnostics) Setup(ctx context.Context, env *Env) error {
	if env.Task.Params.Bool("fail_setup") {
		return errors.New("fail_setup is set")
	}
	ids, err := env.Task.Params.Int64s("inputs")
	if err != nil {
		return err
	}
	if len(ids) > 0 && env.Storage == nil {
		return errors.New("inputs given, but this resource has no cache")
	}
	for _, id := range ids {
		path, err := env.Storage.SyncToCache(ctx, id)
		if err != nil {
			return fmt.Errorf("input %d: %w", id, err)
		}
		link := filepath.Join(env.WorkDir, filepath.Base(path))
		os.Remove(link)
		if err := os.Symlink(path, link); err != nil {
			return err
		}
		env.Logger.WithField("UserfileID", id).Debugf("linked input %s", link)
	}
	return runLocal(ctx, env, env.Task.Params.String("setup_command"))
}

func (Diagnostics) ClusterCommands(env *Env) ([]string, error) {
	cmd := env.Task.Params.String("command")
	if cmd == "" {
		cmd = "true"
	}
	return []string{
		"echo " + cluster.ShellQuote(fmt.Sprintf("diagnostics task %d run %d", env.Task.ID, env.Task.RunNumber)),
		cmd,
	}, nil
}

func (Diagnostics) SaveResults(ctx context.Context, env *Env) error {
	if env.Task.Params.Bool("fail_post") {
		return errors.New("fail_post is set")
	}
	if err := runLocal(ctx, env, env.Task.Params.String("post_command")); err != nil {
		return err
	}
	ids, err := env.Task.Params.Int64s("outputs")
	if err != nil {
		return err
	}
	if len(ids) > 0 && env.Storage == nil {
		return errors.New("outputs given, but this resource has no cache")
	}
	for _, id := range ids {
		if err := saveOutput(ctx, env, id); err != nil {
			return fmt.Errorf("output %d: %w", id, err)
		}
	}
	return nil
}

// saveOutput copies the work directory file named after the userfile
// into the cache, then uploads it to the provider.
func saveOutput(ctx context.Context, env *Env, id int64) error {
	file, err := env.Storage.Userfile(ctx, id)
	if err != nil {
		return err
	}
	src := filepath.Join(env.WorkDir, file.Name)
	err = env.Storage.PrepareCache(ctx, id, func(dst string) error {
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
	if err != nil {
		return err
	}
	if err := env.Storage.SyncToProvider(ctx, id); err != nil {
		return err
	}
	env.Logger.WithField("UserfileID", id).Debugf("saved output %s", src)
	return nil
}

func (d Diagnostics) Hooks() map[bourreau.Phase]RecoveryHooks {
	return map[bourreau.Phase]RecoveryHooks{
		bourreau.PhaseSetup:       {Recover: d.cleanWorkDir, Restart: d.cleanWorkDir},
		bourreau.PhaseCluster:     {Recover: d.removeExitStatus, Restart: d.removeExitStatus},
		bourreau.PhasePostProcess: {Recover: d.checkFailRecover, Restart: d.checkFailRecover},
	}
}

func (Diagnostics) checkFailRecover(ctx context.Context, env *Env) error {
	if env.Task.Params.Bool("fail_recover") {
		return errors.New("fail_recover is set")
	}
	return nil
}

// cleanWorkDir empties the work directory so setup starts over.
func (d Diagnostics) cleanWorkDir(ctx context.Context, env *Env) error {
	if err := d.checkFailRecover(ctx, env); err != nil {
		return err
	}
	entries, err := os.ReadDir(env.WorkDir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if err := os.RemoveAll(filepath.Join(env.WorkDir, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}

// removeExitStatus removes the previous run's exit status so a stale
// one is never harvested.
func (d Diagnostics) removeExitStatus(ctx context.Context, env *Env) error {
	if err := d.checkFailRecover(ctx, env); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(env.WorkDir, cluster.ExitStatusFile(env.Task.JobName())))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// runLocal runs a command line in the work directory, without a
// shell.
func runLocal(ctx context.Context, env *Env, cmdline string) error {
	args, err := shlex.Split(cmdline)
	if err != nil {
		return fmt.Errorf("%q: %w", cmdline, err)
	}
	if len(args) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = env.WorkDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	env.Logger.WithField("Command", args).Debugf("output: %q", out)
	if err != nil {
		return fmt.Errorf("%s: %w (%q)", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
