// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package runner is the single call wrapper every external command and
// destructive primitive of the installer goes through.
//
// The wrapper implements the dry-run execution policy: destructive calls are
// logged and skipped, read-only calls still run.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
)

// ExecFunc runs a process and returns its standard output.
type ExecFunc func(ctx context.Context, name string, args ...string) (string, error)

// Runner executes commands and tracks the last one for failure reports.
type Runner struct {
	logger *zap.Logger
	exec   ExecFunc
	dryRun bool

	mu          sync.Mutex
	lastCommand string
	skipped     []string
}

// Option configures the Runner.
type Option func(*Runner)

// WithDryRun enables the dry-run policy.
func WithDryRun(dryRun bool) Option {
	return func(r *Runner) {
		r.dryRun = dryRun
	}
}

// WithExec replaces the process executor.
func WithExec(exec ExecFunc) Option {
	return func(r *Runner) {
		r.exec = exec
	}
}

// New creates a Runner.
func New(logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		logger: logger,
		exec:   cmd.RunContext,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// DryRun reports whether the dry-run policy is active.
func (r *Runner) DryRun() bool {
	return r.dryRun
}

// Run executes a command which does not modify the target system.
//
// Read-only commands are executed even in dry-run mode.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.run(ctx, true, name, args...)
}

// RunUntracked is Run for background tasks: the command is not recorded as the last command.
func (r *Runner) RunUntracked(ctx context.Context, name string, args ...string) (string, error) {
	return r.run(ctx, false, name, args...)
}

func (r *Runner) run(ctx context.Context, track bool, name string, args ...string) (string, error) {
	commandLine := FormatCommand(name, args...)

	if track {
		r.setLast(commandLine)
	}

	r.logger.Debug("running", zap.String("command", commandLine))

	out, err := r.exec(ctx, name, args...)
	if err != nil {
		if ctx.Err() != nil {
			return out, fmt.Errorf("%s: %w", commandLine, failure.ErrInterrupted)
		}

		return out, &failure.ExternalToolError{
			Command: commandLine,
			Output:  out,
			Err:     err,
		}
	}

	return out, nil
}

// Mutate executes a command which modifies the target system.
//
// In dry-run mode the command is logged and skipped.
func (r *Runner) Mutate(ctx context.Context, name string, args ...string) (string, error) {
	var out string

	err := r.Do(ctx, FormatCommand(name, args...), func(ctx context.Context) error {
		var err error

		out, err = r.Run(ctx, name, args...)

		return err
	})

	return out, err
}

// Do runs a destructive primitive which is not an external command.
//
// The description is recorded as the last command; in dry-run mode fn is not called.
// Cancellation of ctx is not propagated to fn: a primitive is never cut short
// half way through a write.
func (r *Runner) Do(ctx context.Context, description string, fn func(ctx context.Context) error) error {
	r.setLast(description)

	if r.dryRun {
		r.mu.Lock()
		r.skipped = append(r.skipped, description)
		r.mu.Unlock()

		r.logger.Info("dry run: skipping", zap.String("command", description))

		return nil
	}

	return fn(context.WithoutCancel(ctx))
}

// LastCommand returns the last command attempted.
func (r *Runner) LastCommand() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastCommand
}

// Skipped returns the destructive calls skipped by the dry-run policy.
func (r *Runner) Skipped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.skipped...)
}

func (r *Runner) setLast(commandLine string) {
	r.mu.Lock()
	r.lastCommand = commandLine
	r.mu.Unlock()
}

// FormatCommand renders a command line for logs.
func FormatCommand(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)

	for _, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\"'") {
			arg = fmt.Sprintf("%q", arg)
		}

		parts = append(parts, arg)
	}

	return strings.Join(parts, " ")
}
