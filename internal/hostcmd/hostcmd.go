// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package hostcmd

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("bsud.hostcmd")

// Output carries the captured streams of a finished host command.
type Output struct {
	Stdout string
	Stderr string
}

// Runner runs host commands. Implementations must log every invocation
// verbatim so an operator can reproduce any action by hand.
type Runner interface {
	// Run executes the command and fails if it exits non zero.
	Run(ctx context.Context, name string, args ...string) (Output, error)

	// TryRun executes the command and reports whether it exited zero.
	// It only fails if the command could not be started at all.
	TryRun(ctx context.Context, name string, args ...string) (bool, error)
}

// NewRunner returns a Runner backed by the host's commands.
func NewRunner() Runner {
	return execRunner{}
}

// WithTimeout wraps run so that every command gets its own timeout on
// top of whatever deadline the caller's context carries.
func WithTimeout(run Runner, timeout time.Duration) Runner {
	return timeoutRunner{run: run, timeout: timeout}
}

type timeoutRunner struct {
	run     Runner
	timeout time.Duration
}

// Run is part of the Runner interface.
func (r timeoutRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.run.Run(ctx, name, args...)
}

// TryRun is part of the Runner interface.
func (r timeoutRunner) TryRun(ctx context.Context, name string, args ...string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.run.TryRun(ctx, name, args...)
}

type execRunner struct{}

func commandLine(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func run(ctx context.Context, name string, args ...string) (Output, bool, error) {
	line := commandLine(name, args)
	logger.Infof("exec: %s", line)
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		if out.Stdout != "" {
			logger.Debugf("%s stdout: %s", line, out.Stdout)
		}
		if out.Stderr != "" {
			logger.Debugf("%s stderr: %s", line, out.Stderr)
		}
		return out, false, nil
	}
	return out, false, errors.Annotatef(err, "running %q", line)
}

// Run is part of the Runner interface.
func (execRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	out, ok, err := run(ctx, name, args...)
	if err != nil {
		return out, errors.Trace(err)
	}
	if !ok {
		return out, errors.Errorf("%q exited non zero: %s", commandLine(name, args), strings.TrimSpace(out.Stderr))
	}
	return out, nil
}

// TryRun is part of the Runner interface.
func (execRunner) TryRun(ctx context.Context, name string, args ...string) (bool, error) {
	_, ok, err := run(ctx, name, args...)
	if err != nil {
		return false, errors.Trace(err)
	}
	return ok, nil
}
