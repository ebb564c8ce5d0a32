// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bootstrap makes sure the external tools the installer drives are callable.
//
// When a tool is missing, the process re-executes itself inside a nix-shell
// which provides the missing packages.
package bootstrap

import (
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
)

// EnvBootstrapped marks a process which was already re-executed.
const EnvBootstrapped = "NIXINSTALL_BOOTSTRAPPED"

// Tool is an external command and the package which provides it.
type Tool struct {
	Command string
	Package string
}

// RequiredTools are the commands used by an installation.
var RequiredTools = []Tool{
	{Command: "nix", Package: "nix"},
	{Command: "nixos-install", Package: "nixos-install-tools"},
	{Command: "nixos-generate-config", Package: "nixos-install-tools"},
	{Command: "git", Package: "git"},
	{Command: "sgdisk", Package: "gptfdisk"},
	{Command: "partprobe", Package: "parted"},
	{Command: "wipefs", Package: "util-linux"},
	{Command: "mount", Package: "util-linux"},
	{Command: "udevadm", Package: "systemd"},
	{Command: "mkfs.vfat", Package: "dosfstools"},
	{Command: "mkfs.ext4", Package: "e2fsprogs"},
	{Command: "mkfs.btrfs", Package: "btrfs-progs"},
	{Command: "btrfs", Package: "btrfs-progs"},
	{Command: "cryptsetup", Package: "cryptsetup"},
}

// ExecFunc replaces the current process image.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// Bootstrapper checks for tools and re-executes the installer when needed.
type Bootstrapper struct {
	logger     *zap.Logger
	lookPath   func(string) (string, error)
	exec       ExecFunc
	getenv     func(string) string
	executable func() (string, error)
}

// Option configures the Bootstrapper.
type Option func(*Bootstrapper)

// WithLookPath overrides the PATH lookup.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(b *Bootstrapper) {
		b.lookPath = lookPath
	}
}

// WithExec overrides the process replacement.
func WithExec(exec ExecFunc) Option {
	return func(b *Bootstrapper) {
		b.exec = exec
	}
}

// WithGetenv overrides the environment lookup.
func WithGetenv(getenv func(string) string) Option {
	return func(b *Bootstrapper) {
		b.getenv = getenv
	}
}

// WithExecutable overrides the lookup of the running binary.
func WithExecutable(executable func() (string, error)) Option {
	return func(b *Bootstrapper) {
		b.executable = executable
	}
}

// New creates a Bootstrapper.
func New(logger *zap.Logger, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		logger:     logger,
		lookPath:   exec.LookPath,
		exec:       unix.Exec,
		getenv:     os.Getenv,
		executable: os.Executable,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Missing returns the tools which are not found in PATH.
func (b *Bootstrapper) Missing(tools []Tool) []Tool {
	return slices.DeleteFunc(slices.Clone(tools), func(tool Tool) bool {
		_, err := b.lookPath(tool.Command)

		return err == nil
	})
}

// Ensure returns nil when every tool is available.
//
// args are the command line arguments without the program name.
// Otherwise the process is replaced by `nix-shell -p <packages> --run <self args>`;
// on success Ensure does not return.
func (b *Bootstrapper) Ensure(tools []Tool, args []string) error {
	missing := b.Missing(tools)
	if len(missing) == 0 {
		return nil
	}

	commands := strings.Join(xslices.Map(missing, func(t Tool) string { return t.Command }), ", ")

	if b.getenv(EnvBootstrapped) != "" {
		return failure.Preconditionf(failure.ReasonEnvironment, "required tools are still missing after bootstrap: %s", commands)
	}

	nixShell, err := b.lookPath("nix-shell")
	if err != nil {
		return failure.Preconditionf(failure.ReasonEnvironment, "required tools are missing and nix-shell is not available: %s", commands)
	}

	self, err := b.executable()
	if err != nil {
		return err
	}

	argv := ShellCommand(nixShell, Packages(missing), append([]string{self}, args...))

	b.logger.Info("re-executing inside nix-shell", zap.String("missing", commands))

	return b.exec(nixShell, argv, append(os.Environ(), EnvBootstrapped+"=1"))
}

// Packages returns the sorted unique package set providing tools.
func Packages(tools []Tool) []string {
	packages := xslices.Map(tools, func(t Tool) string { return t.Package })

	slices.Sort(packages)

	return slices.Compact(packages)
}

// ShellCommand builds the nix-shell argv running command with packages available.
func ShellCommand(nixShell string, packages, command []string) []string {
	argv := []string{nixShell, "-p"}
	argv = append(argv, packages...)

	return append(argv, "--run", strings.Join(xslices.Map(command, shellQuote), " "))
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?&;|<>(){}[]#~") {
		return s
	}

	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
