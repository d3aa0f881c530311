// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package local runs task jobs as detached processes on the worker
// host. The job ID is the process ID.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/cbrain/bourreau/lib/cluster"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type Adapter struct {
	logger logrus.FieldLogger

	mtx sync.Mutex
	// pids of our own children that have exited and been reaped
	exited map[int]bool
}

var _ cluster.Adapter = (*Adapter)(nil)

func New(logger logrus.FieldLogger) *Adapter {
	return &Adapter{logger: logger, exited: map[int]bool{}}
}

// Submit writes the job script into the work directory and starts it
// in its own process group.
func (a *Adapter) Submit(ctx context.Context, job cluster.JobDescription) (string, error) {
	scriptPath := filepath.Join(job.WorkDir, ".bourreau.script."+job.Name)
	if err := os.WriteFile(scriptPath, job.Script, 0755); err != nil {
		return "", err
	}
	stdout, err := openOutput(job.Stdout)
	if err != nil {
		return "", err
	}
	defer stdout.Close()
	stderr, err := openOutput(job.Stderr)
	if err != nil {
		return "", err
	}
	defer stderr.Close()

	cmd := exec.Command("/bin/bash", scriptPath)
	cmd.Dir = job.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Keep running even if the worker is interrupted.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("exec %s: %w", scriptPath, err)
	}
	pid := cmd.Process.Pid
	a.logger.WithField("PID", pid).Infof("started %s", job.Name)
	go func() {
		cmd.Wait()
		a.mtx.Lock()
		a.exited[pid] = true
		a.mtx.Unlock()
	}()
	return strconv.Itoa(pid), nil
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		path = os.DevNull
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func (a *Adapter) Poll(ctx context.Context, jobID string) (cluster.JobState, error) {
	pid, err := parsePID(jobID)
	if err != nil {
		return "", err
	}
	a.mtx.Lock()
	exited := a.exited[pid]
	a.mtx.Unlock()
	if exited {
		return cluster.Gone, nil
	}
	err = unix.Kill(pid, 0)
	if errors.Is(err, unix.ESRCH) {
		return cluster.Gone, nil
	} else if err != nil && !errors.Is(err, unix.EPERM) {
		return "", err
	}
	switch procState(pid) {
	case "T", "t":
		return cluster.Suspended, nil
	case "Z", "X":
		return cluster.Gone, nil
	default:
		return cluster.OnCPU, nil
	}
}

// procState returns the one-letter state from /proc/<pid>/stat, or
// "" if it cannot be read.
func procState(pid int) string {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ""
	}
	// The command name is in parentheses and may contain spaces.
	stat := string(buf)
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return ""
	}
	fields := strings.Fields(stat[i+1:])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (a *Adapter) Terminate(ctx context.Context, jobID string) error {
	return a.signal(jobID, unix.SIGTERM)
}

func (a *Adapter) Suspend(ctx context.Context, jobID string) error {
	return a.signal(jobID, unix.SIGSTOP)
}

func (a *Adapter) Resume(ctx context.Context, jobID string) error {
	return a.signal(jobID, unix.SIGCONT)
}

func (a *Adapter) Hold(ctx context.Context, jobID string) error {
	return cluster.ErrUnsupported
}

func (a *Adapter) Release(ctx context.Context, jobID string) error {
	return cluster.ErrUnsupported
}

// signal sends sig to the job's whole process group. A job that no
// longer exists is not an error.
func (a *Adapter) signal(jobID string, sig unix.Signal) error {
	pid, err := parsePID(jobID)
	if err != nil {
		return err
	}
	a.logger.WithField("PID", pid).Infof("sending %s", unix.SignalName(sig))
	err = unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func parsePID(jobID string) (int, error) {
	pid, err := strconv.Atoi(jobID)
	if err != nil || pid <= 1 {
		return 0, fmt.Errorf("invalid local job ID %q", jobID)
	}
	return pid, nil
}
