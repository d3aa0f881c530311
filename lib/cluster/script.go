// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ExitStatusFile returns the name, relative to the work directory, of
// the file where the job script records its exit status.
func ExitStatusFile(jobName string) string {
	return ".bourreau.exit." + jobName
}

// Script returns a bash script that runs the given commands in
// workdir and records the exit status of the first failing command
// (or 0) in ExitStatusFile(jobName).
func Script(jobName, workdir string, commands []string) []byte {
	exitfile := ShellQuote(ExitStatusFile(jobName))
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "cd %s || exit 1\n", ShellQuote(workdir))
	fmt.Fprintf(&b, "rm -f %s\n", exitfile)
	b.WriteString("(\nset -e\n")
	for _, cmd := range commands {
		b.WriteString(cmd)
		b.WriteString("\n")
	}
	b.WriteString(")\nstatus=$?\n")
	fmt.Fprintf(&b, "echo $status > %s\n", exitfile)
	b.WriteString("exit $status\n")
	return []byte(b.String())
}

// ReadExitStatus returns the exit status recorded by a job script.
// It returns an error if the file is missing or does not contain a
// number.
func ReadExitStatus(workdir, jobName string) (int, error) {
	buf, err := os.ReadFile(filepath.Join(workdir, ExitStatusFile(jobName)))
	if err != nil {
		return 0, err
	}
	status, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil {
		return 0, fmt.Errorf("%s: unparseable exit status %q", ExitStatusFile(jobName), buf)
	}
	return status, nil
}

// ShellQuote returns s quoted for use as a single word in a POSIX
// shell command.
func ShellQuote(s string) string {
	return `'` + strings.Replace(s, `'`, `'\''`, -1) + `'`
}
