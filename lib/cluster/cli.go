// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// CLI runs job manager command line programs.
type CLI struct {
	Logger logrus.FieldLogger
	// (for testing) if non-nil, call StubCommand() instead of
	// exec.CommandContext() when running command line programs.
	StubCommand func(string, ...string) *exec.Cmd

	runSemaphore chan bool
}

// NewCLI returns a CLI that runs at most maxConcurrent programs at a
// time. maxConcurrent < 1 means no limit.
func NewCLI(logger logrus.FieldLogger, maxConcurrent int) *CLI {
	cli := &CLI{Logger: logger}
	if maxConcurrent > 0 {
		cli.runSemaphore = make(chan bool, maxConcurrent)
	}
	return cli
}

func (cli *CLI) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := cli.StubCommand; f != nil {
		return f(prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

// Run runs prog with the given stdin (if not nil) and returns its
// stdout. If the program fails, the returned error includes its
// stderr.
func (cli *CLI) Run(ctx context.Context, stdin []byte, prog string, args ...string) ([]byte, error) {
	if cli.runSemaphore != nil {
		select {
		case cli.runSemaphore <- true:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-cli.runSemaphore }()
	}
	cmd := cli.command(ctx, prog, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	logger := cli.Logger.WithField("Command", append([]string{prog}, args...))
	if err != nil {
		errTrim := strings.TrimSpace(stderr.String())
		logger.WithField("stderr", errTrim).Infof("%s failed: %s", prog, err)
		return out, fmt.Errorf("%s: %s (%q)", prog, err, errTrim)
	}
	logger.WithField("stdout", strings.TrimSpace(string(out))).Debugf("%s finished", prog)
	return out, nil
}
