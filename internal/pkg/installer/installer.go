// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package installer drives an installation run through its states.
//
// Every run ends with the same teardown, whether it succeeded, failed,
// panicked or was interrupted.
package installer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/bootstrap"
	"github.com/siderolabs/nixinstall/internal/pkg/configsource"
	"github.com/siderolabs/nixinstall/internal/pkg/environment"
	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/filesystem"
	"github.com/siderolabs/nixinstall/internal/pkg/hwconfig"
	"github.com/siderolabs/nixinstall/internal/pkg/nix"
	"github.com/siderolabs/nixinstall/internal/pkg/partition"
	"github.com/siderolabs/nixinstall/internal/pkg/poll"
	"github.com/siderolabs/nixinstall/internal/pkg/request"
	"github.com/siderolabs/nixinstall/internal/pkg/runner"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
	"github.com/siderolabs/nixinstall/internal/pkg/verify"
	"github.com/siderolabs/nixinstall/pkg/logging"
)

// tailLines is the size of the log tail printed on failure.
const tailLines = 20

// Prober checks the environment the installer runs in.
type Prober interface {
	Probe(ctx context.Context, req environment.Requirements) (environment.Report, error)
}

// Bootstrapper makes the required tools available.
type Bootstrapper interface {
	Ensure(tools []bootstrap.Tool, args []string) error
}

// Keepalive keeps elevated privileges alive while the run lasts.
type Keepalive interface {
	Start(ctx context.Context)
	Stop()
}

// Options configure an Installer.
type Options struct {
	Input request.Input
	// Prompter fills in missing input; nil disables prompts.
	Prompter request.Prompter

	// Host is the real host; in dry-run mode it is only inspected.
	Host   system.Host
	Runner *runner.Runner
	Logger *zap.Logger

	// LogPath is the run log; the install report is written next to it.
	LogPath string
	// Output receives the failure report.
	Output io.Writer

	Prober       Prober
	Requirements environment.Requirements
	Bootstrapper Bootstrapper
	// Args are the command line arguments without the program name, used to re-run under the bootstrap shell.
	Args      []string
	Keepalive Keepalive

	Getter configsource.Getter
	// Generator produces the hardware descriptor; defaults to nixos-generate-config.
	Generator hwconfig.Generator
	// BootFS opens the mounted ESP for post-install validation.
	BootFS func(dir string) fs.FS

	// WorkDir holds the fetched configuration repository.
	WorkDir string
	// BackupDir receives the ESP archives.
	BackupDir   string
	PollOptions poll.Options
}

// Installer runs one installation.
type Installer struct {
	opts   Options
	logger *zap.Logger
	runner *runner.Runner

	resolver *request.Resolver
	config   *configsource.Resolver
	builder  *nix.Builder

	mu    sync.Mutex
	state InstallationState

	source     configsource.Source
	machines   []string
	req        request.Request
	passphrase []byte

	host      system.Host
	generator hwconfig.Generator
	engine    *partition.Engine
	plan      *partition.Plan
	layout    *partition.Layout
	result    *filesystem.Result

	// mutating is set once the target disk belongs to this run.
	mutating         bool
	keepaliveStarted bool
	overridePath     string

	descriptor *hwconfig.Descriptor
	users      []string
	boot       *verify.Report

	teardownOnce sync.Once
	teardownErr  error

	started time.Time
}

// New creates an Installer.
func New(opts Options) *Installer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if opts.Runner == nil {
		opts.Runner = runner.New(opts.Logger, runner.WithDryRun(opts.Input.DryRun))
	}

	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	if opts.BootFS == nil {
		opts.BootFS = os.DirFS
	}

	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "nixinstall")
	}

	if opts.BackupDir == "" {
		opts.BackupDir = opts.WorkDir

		if opts.LogPath != "" {
			opts.BackupDir = filepath.Dir(opts.LogPath)
		}
	}

	i := &Installer{
		opts:     opts,
		logger:   opts.Logger,
		runner:   opts.Runner,
		resolver: request.NewResolver(opts.Input, opts.Prompter),
		config:   configsource.NewResolver(opts.Logger.With(logging.Component("config")), opts.Runner, opts.Getter),
		builder:  nix.NewBuilder(opts.Runner, opts.Logger.With(logging.Component("nix"))),
		state: InstallationState{
			LogPath: opts.LogPath,
		},
	}

	return i
}

// State returns a copy of the current progress.
func (i *Installer) State() InstallationState {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.state
}

type step struct {
	state State
	run   func(ctx context.Context) error
}

func (i *Installer) steps() []step {
	return []step{
		{StateValidate, i.validate},
		{StateBootstrap, i.ensureTools},
		{StateFetchConfig, i.fetchConfig},
		{StateDiscoverMachines, i.discoverMachines},
		{StateSelectMode, i.resolver.SelectMode},
		{StateSelectMachine, i.selectMachine},
		{StateSelectFilesystem, i.resolver.SelectFilesystem},
		{StateSelectEncryption, i.resolver.SelectEncryption},
		{StateSelectDisk, i.selectDisk},
		{StateCleanup, i.cleanupTarget},
		{StatePartition, i.applyPartitions},
		{StateFilesystem, i.createFilesystems},
		{StateUserResolution, i.resolveUsers},
		{StateBuildValidate, i.buildValidate},
		{StateHardwareDescriptor, i.hardwareDescriptor},
		{StateInstall, i.install},
		{StatePostValidate, i.postValidate},
		{StateFinish, i.teardown},
	}
}

// Run executes every state in order.
//
// On failure the failing state, the last command and the log tail are
// reported, and the teardown runs before Run returns.
func (i *Installer) Run(ctx context.Context) error {
	i.started = time.Now()

	steps := i.steps()

	i.mu.Lock()
	i.state.TotalSteps = len(steps)
	i.mu.Unlock()

	for n, s := range steps {
		i.mu.Lock()
		i.state.CurrentStep = n + 1
		i.state.State = s.state
		i.mu.Unlock()

		i.logger.Info(fmt.Sprintf("[%d/%d] %s", n+1, len(steps), s.state))

		if err := i.runStep(ctx, s); err != nil {
			return i.fail(ctx, err)
		}
	}

	i.logger.Info("installation finished", zap.String("machine", i.req.Machine), zap.Duration("elapsed", time.Since(i.started)))

	if err := i.writeReport(nil); err != nil {
		i.logger.Warn("failed to write install report", zap.Error(err))
	}

	return nil
}

func (i *Installer) runStep(ctx context.Context, s step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 8192)
			n := runtime.Stack(buf, false)
			err = fmt.Errorf("panic in state %s: %v\n%s", s.state, r, string(buf[:n]))
		}
	}()

	if err = ctx.Err(); err != nil && s.state != StateFinish {
		return fmt.Errorf("%s: %w", s.state, failure.ErrInterrupted)
	}

	// an interrupt is honored between states only
	return s.run(context.WithoutCancel(ctx))
}

// fail records the error, tears down and prints the failure report.
func (i *Installer) fail(ctx context.Context, err error) error {
	state := i.State()
	lastCommand := i.runner.LastCommand()

	i.mu.Lock()
	i.state.LastError = err.Error()
	i.state.LastCommand = lastCommand
	i.mu.Unlock()

	i.logger.Error("installation failed",
		zap.String("state", string(state.State)),
		zap.Int("step", state.CurrentStep),
		zap.String("kind", failure.KindOf(err).String()),
		zap.String("last_command", lastCommand),
		zap.Error(err),
	)

	if state.State != StateFinish {
		if teardownErr := i.teardown(ctx); teardownErr != nil {
			i.logger.Error("teardown failed", zap.Error(teardownErr))
		}
	}

	if reportErr := i.writeReport(err); reportErr != nil {
		i.logger.Warn("failed to write install report", zap.Error(reportErr))
	}

	i.printFailure(state, lastCommand, err)

	return err
}

func (i *Installer) printFailure(state InstallationState, lastCommand string, err error) {
	red := color.New(color.FgRed)

	red.Fprintf(i.opts.Output, "installation failed in state %s (step %d/%d): %s\n", //nolint:errcheck
		state.State, state.CurrentStep, state.TotalSteps, err)

	if lastCommand != "" {
		fmt.Fprintf(i.opts.Output, "last command: %s\n", lastCommand) //nolint:errcheck
	}

	if i.opts.LogPath == "" {
		return
	}

	lines, tailErr := logging.Tail(i.opts.LogPath, tailLines)
	if tailErr != nil {
		return
	}

	fmt.Fprintf(i.opts.Output, "last log lines (%s):\n", i.opts.LogPath) //nolint:errcheck

	for _, line := range lines {
		fmt.Fprintf(i.opts.Output, "  %s\n", line) //nolint:errcheck
	}
}
