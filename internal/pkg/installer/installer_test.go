// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package installer_test

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/siderolabs/go-pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/nixinstall/internal/pkg/bootstrap"
	"github.com/siderolabs/nixinstall/internal/pkg/configsource"
	"github.com/siderolabs/nixinstall/internal/pkg/encryption"
	"github.com/siderolabs/nixinstall/internal/pkg/environment"
	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/hwconfig"
	"github.com/siderolabs/nixinstall/internal/pkg/installer"
	"github.com/siderolabs/nixinstall/internal/pkg/poll"
	"github.com/siderolabs/nixinstall/internal/pkg/request"
	"github.com/siderolabs/nixinstall/internal/pkg/runner"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
	"github.com/siderolabs/nixinstall/internal/pkg/system/simulated"
)

const (
	mib = 1 << 20
	gib = 1 << 30
)

var boot = fstest.MapFS{
	"EFI/systemd/systemd-bootx64.efi":        {Data: []byte("efi")},
	"loader/entries/nixos-generation-1.conf": {Data: []byte("title NixOS\n")},
}

// nixTool answers the external commands of a run.
type nixTool struct {
	mu       sync.Mutex
	commands []string
	fail     map[string]error
	hooks    map[string]func(ctx context.Context)
}

func (n *nixTool) exec(ctx context.Context, name string, args ...string) (string, error) {
	command := runner.FormatCommand(name, args...)

	n.mu.Lock()
	n.commands = append(n.commands, command)
	err := n.fail[name]
	hook := n.hooks[name]
	n.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}

	if err != nil {
		return "error: " + name + " failed\n", err
	}

	switch {
	case strings.HasSuffix(command, "builtins.attrNames"):
		return `["laptop","server"]`, nil
	case strings.Contains(command, ".config.users.users"):
		return `["alice"]`, nil
	case strings.HasSuffix(command, ".drvPath"):
		return "/nix/store/0xyz-nixos-system-laptop.drv", nil
	default:
		return "", nil
	}
}

func (n *nixTool) ran(prefix string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var commands []string

	for _, c := range n.commands {
		if strings.HasPrefix(c, prefix) {
			commands = append(commands, c)
		}
	}

	return commands
}

type keepalive struct {
	started, stopped int
}

func (k *keepalive) Start(context.Context) { k.started++ }

func (k *keepalive) Stop() { k.stopped++ }

type prober struct {
	report environment.Report
}

func (p prober) Probe(context.Context, environment.Requirements) (environment.Report, error) {
	return p.report, nil
}

type bootstrapper func()

func (b bootstrapper) Ensure([]bootstrap.Tool, []string) error {
	b()

	return nil
}

type harness struct {
	host      *simulated.Host
	tool      *nixTool
	runner    *runner.Runner
	keepalive *keepalive
	output    bytes.Buffer
	input     request.Input
	opts      installer.Options
}

func newHarness(t *testing.T, in request.Input, disk system.Disk) *harness {
	t.Helper()

	h := &harness{
		host:      simulated.New(simulated.WithDisk(disk)),
		tool:      &nixTool{fail: map[string]error{}},
		keepalive: &keepalive{},
	}

	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "flake.nix"), []byte("{ outputs = _: { }; }\n"), 0o644))

	in.Repo = repo
	in.MountRoot = filepath.Join(t.TempDir(), "mnt")
	in.NonInteractive = true

	logDir := t.TempDir()
	logger := zaptest.NewLogger(t)

	h.input = in
	h.runner = runner.New(logger, runner.WithDryRun(in.DryRun), runner.WithExec(h.tool.exec))

	h.opts = installer.Options{
		Input:       in,
		Host:        h.host,
		Runner:      h.runner,
		Logger:      logger,
		LogPath:     filepath.Join(logDir, "nixinstall-20261019-101500.log"),
		Output:      &h.output,
		Keepalive:   h.keepalive,
		BootFS:      func(string) fs.FS { return boot },
		WorkDir:     t.TempDir(),
		PollOptions: poll.Options{Timeout: time.Second, Interval: 10 * time.Millisecond},
	}

	if !in.DryRun {
		h.opts.Generator = h.host
	}

	return h
}

func (h *harness) run(ctx context.Context) (*installer.Installer, error) {
	i := installer.New(h.opts)

	return i, i.Run(ctx)
}

func blankDisk(size uint64) system.Disk {
	return system.Disk{Path: "/dev/vda", Size: size, SectorSize: 512}
}

func freshInput() request.Input {
	return request.Input{
		Mode:       "fresh",
		Machine:    "laptop",
		Disk:       "/dev/vda",
		Filesystem: "btrfs",
		Encrypt:    pointer.To(false),
		Confirm:    "ERASE /dev/vda",
	}
}

func TestScenarioFreshBtrfs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, freshInput(), blankDisk(20*gib))
	root := h.input.MountRoot

	i, err := h.run(t.Context())
	require.NoError(t, err)

	disk, ok := h.host.Disk("/dev/vda")
	require.True(t, ok)
	require.Len(t, disk.Partitions, 2)
	assert.Equal(t, uint64(512*mib), disk.Partitions[0].Size)
	assert.Equal(t, uint64(20*gib-512*mib-2*mib), disk.Partitions[1].Size)
	assert.Equal(t, system.TypeEFISystem, disk.Partitions[0].TypeGUID)

	assert.Equal(t, []string{"@", "@home", "@nix", "@snapshots"}, h.host.Subvolumes("/dev/vda2"))

	content, err := os.ReadFile(installer.DescriptorPath(root, "laptop"))
	require.NoError(t, err)

	rootFS, err := h.host.ProbeFilesystem(t.Context(), "/dev/vda2")
	require.NoError(t, err)

	facts := hwconfig.Parse(content)
	assert.Equal(t, rootFS.UUID, facts.RootUUID())
	assert.Equal(t, []string{"subvol=@", "subvol=@home", "subvol=@nix", "subvol=@snapshots"}, facts.SubvolumeOptions())

	assert.Equal(t, []string{
		"nixos-install --root " + root + " --flake path:" + filepath.Join(root, "etc/nixos") + "#laptop --no-root-passwd --no-channel-copy",
	}, h.tool.ran("nixos-install"))

	// teardown
	mounts, err := h.host.Mounts(root)
	require.NoError(t, err)
	assert.Empty(t, mounts)
	assert.NoFileExists(t, filepath.Join(root, "etc/nixos", configsource.OverrideFile))
	assert.Equal(t, 1, h.keepalive.started)
	assert.Equal(t, 1, h.keepalive.stopped)

	state := i.State()
	assert.Equal(t, installer.StateFinish, state.State)
	assert.Equal(t, 18, state.CurrentStep)
	assert.Equal(t, 18, state.TotalSteps)

	out, err := os.ReadFile(installer.ReportPath(h.opts.LogPath))
	require.NoError(t, err)

	var report installer.Report

	require.NoError(t, yaml.Unmarshal(out, &report))
	assert.Equal(t, "success", report.Result)
	assert.Equal(t, "systemd-boot", report.Bootloader)
	assert.Equal(t, []string{"nixos-generation-1"}, report.BootEntries)
	assert.Equal(t, []string{"alice"}, report.Users)
	assert.Len(t, report.Mounts, 5)
	assert.Empty(t, report.Skipped)
}

func TestDryRun(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		input request.Input
		disk  system.Disk
	}{
		{
			name:  "fresh",
			input: freshInput(),
			disk:  blankDisk(20 * gib),
		},
		{
			name: "dual-boot encrypted",
			input: request.Input{
				Mode:           "dual-boot",
				Machine:        "server",
				Disk:           "/dev/vda",
				Filesystem:     "ext4",
				Encrypt:        pointer.To(true),
				PassphraseFile: "passphrase",
				RootSize:       "10GiB",
			},
			disk: system.Disk{
				Path:  "/dev/vda",
				Size:  64 * gib,
				Table: "gpt",
				Partitions: []system.Partition{
					{Index: 1, Start: mib, Size: 100 * mib, TypeGUID: system.TypeEFISystem, Filesystem: "vfat", UUID: "7C2A-91F0"},
					{Index: 2, Start: 101 * mib, Size: 30 * gib, TypeGUID: system.TypeMicrosoftBasic, Filesystem: "ntfs"},
				},
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			in := test.input
			in.DryRun = true

			if in.PassphraseFile != "" {
				in.PassphraseFile = filepath.Join(t.TempDir(), in.PassphraseFile)
				require.NoError(t, os.WriteFile(in.PassphraseFile, []byte("hunter2\n"), 0o600))
			}

			h := newHarness(t, in, test.disk)

			i, err := h.run(t.Context())
			require.NoError(t, err)

			assert.Empty(t, h.host.Calls())
			assert.Equal(t, installer.StateFinish, i.State().State)

			skipped := strings.Join(h.runner.Skipped(), "\n")
			assert.Contains(t, skipped, "nixos-install")
			assert.Contains(t, skipped, "Format ")
			assert.Contains(t, skipped, "write "+installer.DescriptorPath(h.input.MountRoot, in.Machine))

			assert.Empty(t, h.tool.ran("nixos-install"))
			assert.Empty(t, h.tool.ran("mkdir"))
			assert.Empty(t, h.tool.ran("cp"))
			assert.NotEmpty(t, h.tool.ran("nix build --dry-run"))

			assert.NoDirExists(t, h.input.MountRoot)

			if in.Encrypt != nil && *in.Encrypt {
				assert.Contains(t, skipped, "LuksFormat /dev/vda3")
			}
		})
	}
}

func TestFreshWithoutToken(t *testing.T) {
	t.Parallel()

	in := freshInput()
	in.Confirm = ""

	h := newHarness(t, in, blankDisk(20*gib))

	i, err := h.run(t.Context())
	require.Error(t, err)

	assert.True(t, failure.IsReason(err, failure.ReasonNotConfirmed))
	assert.Equal(t, failure.ExitFailure, failure.ExitCode(err))
	assert.Equal(t, installer.StateCleanup, i.State().State)
	assert.Empty(t, h.host.Calls())
	assert.Empty(t, h.tool.ran("nixos-install"))
	assert.Equal(t, 1, h.keepalive.stopped)
	assert.Contains(t, h.output.String(), "installation failed in state Cleanup (step 10/18)")
}

func TestDualBootInsufficientSpace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, request.Input{
		Mode:       "dual-boot",
		Machine:    "laptop",
		Disk:       "/dev/vda",
		Filesystem: "btrfs",
		Encrypt:    pointer.To(false),
		RootSize:   "40GiB",
	}, system.Disk{
		Path:  "/dev/vda",
		Size:  64 * gib,
		Table: "gpt",
		Partitions: []system.Partition{
			{Index: 1, Start: mib, Size: 100 * mib, TypeGUID: system.TypeEFISystem, Filesystem: "vfat", UUID: "7C2A-91F0"},
			{Index: 2, Start: 101 * mib, Size: 30 * gib, TypeGUID: system.TypeMicrosoftBasic, Filesystem: "ntfs"},
		},
	})

	i, err := h.run(t.Context())
	require.Error(t, err)

	assert.True(t, failure.IsReason(err, failure.ReasonInsufficientSpace))
	assert.Equal(t, installer.StateCleanup, i.State().State)
	assert.Empty(t, h.host.Calls())

	disk, ok := h.host.Disk("/dev/vda")
	require.True(t, ok)
	assert.Len(t, disk.Partitions, 2)
}

func TestTeardownOnFailure(t *testing.T) {
	t.Parallel()

	in := freshInput()
	in.Encrypt = pointer.To(true)
	in.PassphraseFile = filepath.Join(t.TempDir(), "passphrase")
	require.NoError(t, os.WriteFile(in.PassphraseFile, []byte("hunter2"), 0o600))

	h := newHarness(t, in, blankDisk(20*gib))
	h.tool.fail["nixos-install"] = errors.New("exit status 1")

	require.NoError(t, os.WriteFile(h.opts.LogPath, []byte("line one\nline two\n"), 0o640))

	i, err := h.run(t.Context())
	require.Error(t, err)

	var toolErr *failure.ExternalToolError

	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, installer.StateInstall, i.State().State)

	mounts, err := h.host.Mounts(h.input.MountRoot)
	require.NoError(t, err)
	assert.Empty(t, mounts)

	open, err := h.host.MappingOpen(t.Context(), encryption.MappingName)
	require.NoError(t, err)
	assert.False(t, open)

	assert.NoFileExists(t, filepath.Join(h.input.MountRoot, "etc/nixos", configsource.OverrideFile))
	assert.Equal(t, 1, h.keepalive.stopped)

	output := h.output.String()
	assert.Contains(t, output, "installation failed in state Install (step 16/18)")
	assert.Contains(t, output, "last command: nixos-install --root")
	assert.Contains(t, output, "line two")

	out, err := os.ReadFile(installer.ReportPath(h.opts.LogPath))
	require.NoError(t, err)

	var report installer.Report

	require.NoError(t, yaml.Unmarshal(out, &report))
	assert.Equal(t, "failure", report.Result)
	assert.Equal(t, "ExternalToolError", report.Kind)
	assert.True(t, report.Encrypted)
	assert.Contains(t, report.State.LastCommand, "nixos-install")
}

func TestDescriptorRepaired(t *testing.T) {
	t.Parallel()

	in := freshInput()

	h := newHarness(t, in, blankDisk(20*gib))
	host := simulated.New(simulated.WithDisk(blankDisk(20*gib)), simulated.WithDescriptorHook(func(attempt int, content []byte) []byte {
		if attempt > 1 {
			return content
		}

		f := hwconfig.Parse(content)
		f.FileSystems = slices.DeleteFunc(f.FileSystems, func(entry hwconfig.FileSystem) bool { return entry.MountPoint == "/nix" })

		return hwconfig.Render(f)
	}))
	h.host = host
	h.opts.Host = host
	h.opts.Generator = host

	_, err := h.run(t.Context())
	require.NoError(t, err)

	path := installer.DescriptorPath(h.input.MountRoot, "laptop")
	assert.FileExists(t, path+".rejected")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, hwconfig.Parse(content).SubvolumeOptions(), "subvol=@nix")
}

func TestValidateEnvironment(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		dryRun bool
		err    bool
	}{
		{name: "unprivileged", err: true},
		{name: "unprivileged dry run", dryRun: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			in := freshInput()
			in.DryRun = test.dryRun

			h := newHarness(t, in, blankDisk(20*gib))
			h.opts.Prober = prober{report: environment.Report{EUID: 1000, UEFI: true, Online: true}}
			h.opts.Requirements = environment.Requirements{Root: true, UEFI: true, Online: true}

			i, err := h.run(t.Context())

			if !test.err {
				require.NoError(t, err)

				return
			}

			assert.True(t, failure.IsReason(err, failure.ReasonEnvironment))
			assert.Equal(t, installer.StateValidate, i.State().State)
			assert.Equal(t, 0, h.keepalive.started)
		})
	}
}

func TestMissingInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, request.Input{Mode: "fresh"}, blankDisk(20*gib))

	_, err := h.run(t.Context())

	var validation *failure.ValidationError

	require.ErrorAs(t, err, &validation)
	assert.Equal(t, []string{"machine", "filesystem", "encrypt", "disk"}, validation.Fields)
}

func TestBootstrapReexec(t *testing.T) {
	t.Parallel()

	errReplaced := errors.New("process replaced")

	var argv []string

	h := newHarness(t, freshInput(), blankDisk(20*gib))
	h.opts.Args = []string{"install", "--machine", "laptop", "--disk", "/dev/vda"}
	h.opts.Bootstrapper = bootstrap.New(zaptest.NewLogger(t),
		bootstrap.WithLookPath(func(name string) (string, error) {
			if name == "nix-shell" {
				return "/bin/nix-shell", nil
			}

			return "", exec.ErrNotFound
		}),
		bootstrap.WithExec(func(_ string, args, _ []string) error {
			argv = args

			return errReplaced
		}),
		bootstrap.WithGetenv(func(string) string { return "" }),
		bootstrap.WithExecutable(func() (string, error) { return "/usr/bin/nixinstall", nil }),
	)

	i, err := h.run(t.Context())
	require.ErrorIs(t, err, errReplaced)

	assert.Equal(t, installer.StateBootstrap, i.State().State)
	require.NotEmpty(t, argv)
	assert.Equal(t, "/usr/bin/nixinstall install --machine laptop --disk /dev/vda", argv[len(argv)-1])
	assert.Empty(t, h.host.Calls())
}

func TestPanicIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, freshInput(), blankDisk(20*gib))
	h.opts.Bootstrapper = bootstrapper(func() { panic("boom") })

	i, err := h.run(t.Context())
	require.Error(t, err)

	assert.ErrorContains(t, err, "panic in state Bootstrap: boom")
	assert.Equal(t, installer.StateBootstrap, i.State().State)
	assert.Equal(t, failure.ExitFailure, failure.ExitCode(err))
}

func TestInterruptedDuringInstall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, freshInput(), blankDisk(20*gib))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	installErr := errors.New("nixos-install did not run")

	h.tool.hooks = map[string]func(context.Context){
		"nixos-install": func(ctx context.Context) {
			cancel()

			installErr = ctx.Err()
		},
	}

	i, err := h.run(ctx)
	require.Error(t, err)

	assert.NoError(t, installErr)
	assert.Len(t, h.tool.ran("nixos-install"), 1)

	assert.ErrorIs(t, err, failure.ErrInterrupted)
	assert.Equal(t, failure.ExitInterrupted, failure.ExitCode(err))
	assert.Equal(t, installer.StatePostValidate, i.State().State)

	mounts, err := h.host.Mounts(h.input.MountRoot)
	require.NoError(t, err)
	assert.Empty(t, mounts)
	assert.Equal(t, 1, h.keepalive.stopped)
}

func TestInterrupted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, freshInput(), blankDisk(20*gib))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := h.run(ctx)
	require.Error(t, err)

	assert.Equal(t, failure.ExitInterrupted, failure.ExitCode(err))
	assert.Empty(t, h.host.Calls())
}
