// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package request resolves the installation request from flags and prompts.
package request

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

// Mode is the partitioning strategy.
type Mode string

// Partitioning modes.
const (
	ModeFresh    Mode = "fresh"
	ModeDualBoot Mode = "dual-boot"
	ModeManual   Mode = "manual"
)

// Modes lists the supported modes.
var Modes = []Mode{ModeFresh, ModeDualBoot, ModeManual}

// Filesystems lists the supported root filesystems.
var Filesystems = []system.Filesystem{system.FilesystemBtrfs, system.FilesystemExt4}

// Defaults.
const (
	DefaultMountRoot = "/mnt"
	DefaultBranch    = "main"
)

// Input is the raw, possibly incomplete, operator input.
type Input struct {
	Mode           string
	Machine        string
	Disk           string
	Filesystem     string
	Encrypt        *bool
	PassphraseFile string
	Repo           string
	Branch         string
	RootSize       string
	ESP            string
	Root           string
	Home           string
	Confirm        string
	MountRoot      string

	DryRun         bool
	NonInteractive bool
	AssumeYes      bool
}

// PassphraseSource tells where the encryption passphrase comes from.
type PassphraseSource struct {
	File   string
	Prompt bool
}

// Manual is the operator-supplied layout of the manual mode.
type Manual struct {
	ESP  string
	Root string
	Home string
}

// Request is a complete installation request.
//
// It is built once by New and passed by value.
type Request struct {
	Mode         Mode
	Machine      string
	Disk         string
	Filesystem   system.Filesystem
	Encrypt      bool
	Passphrase   PassphraseSource
	Repo         string
	Branch       string
	RootSize     uint64
	Manual       Manual
	ConfirmToken string
	MountRoot    string

	DryRun         bool
	NonInteractive bool
	AssumeYes      bool
}

// New validates a complete input and builds the Request.
//
// Every missing mandatory field and every invalid value is reported in one error.
func New(in Input) (Request, error) {
	if err := validate(in, true); err != nil {
		return Request{}, err
	}

	mountRoot := in.MountRoot
	if mountRoot == "" {
		mountRoot = DefaultMountRoot
	}

	branch := in.Branch
	if branch == "" {
		branch = DefaultBranch
	}

	req := Request{
		Mode:       Mode(in.Mode),
		Machine:    in.Machine,
		Disk:       in.Disk,
		Filesystem: system.Filesystem(in.Filesystem),
		Encrypt:    in.Encrypt != nil && *in.Encrypt,
		Repo:       in.Repo,
		Branch:     branch,
		Manual: Manual{
			ESP:  in.ESP,
			Root: in.Root,
			Home: in.Home,
		},
		ConfirmToken:   in.Confirm,
		MountRoot:      filepath.Clean(mountRoot),
		DryRun:         in.DryRun,
		NonInteractive: in.NonInteractive,
		AssumeYes:      in.AssumeYes,
	}

	if req.Encrypt {
		req.Passphrase = PassphraseSource{File: in.PassphraseFile, Prompt: in.PassphraseFile == ""}
	}

	if req.Mode == ModeDualBoot {
		req.RootSize, _ = humanize.ParseBytes(in.RootSize) //nolint:errcheck
	}

	return req, nil
}

// Check validates the values present in the input.
//
// Completeness is only enforced in non-interactive mode, as prompts fill the
// gaps otherwise.
func Check(in Input) error {
	return validate(in, in.NonInteractive)
}

//nolint:gocyclo
func validate(in Input, complete bool) error {
	var (
		missing []string
		errs    error
	)

	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	require("mode", in.Mode)
	require("machine", in.Machine)
	require("filesystem", in.Filesystem)
	require("repo", in.Repo)

	if in.Encrypt == nil {
		missing = append(missing, "encrypt")
	}

	switch Mode(in.Mode) {
	case ModeFresh:
		require("disk", in.Disk)
	case ModeDualBoot:
		require("disk", in.Disk)
		require("root-size", in.RootSize)
	case ModeManual:
		require("esp", in.ESP)
		require("root", in.Root)
	case "":
	default:
		errs = failure.Append(errs, failure.Validationf("unsupported mode %q, expected one of %s", in.Mode, joinValues(Modes)))
	}

	if in.Filesystem != "" && !slices.Contains(Filesystems, system.Filesystem(in.Filesystem)) {
		errs = failure.Append(errs, failure.Validationf("unsupported filesystem %q, expected one of %s", in.Filesystem, joinValues(Filesystems)))
	}

	if in.Encrypt != nil && *in.Encrypt && in.PassphraseFile == "" && in.NonInteractive {
		missing = append(missing, "passphrase-file")
	}

	if in.RootSize != "" {
		size, err := humanize.ParseBytes(in.RootSize)

		switch {
		case err != nil:
			errs = failure.Append(errs, failure.Validationf("invalid root size %q: %s", in.RootSize, err))
		case size == 0:
			errs = failure.Append(errs, failure.Validationf("root size must be positive"))
		}
	}

	errs = failure.Append(errs, CheckPaths(in))

	if complete && len(missing) > 0 {
		errs = failure.Append(&failure.ValidationError{Message: "missing mandatory fields", Fields: missing}, errs)
	}

	return errs
}

// CheckPaths validates the device and mount root paths set in the input.
//
// Every path must be absolute, and the mount root must not be /.
func CheckPaths(in Input) error {
	var errs error

	for _, field := range []struct{ name, path string }{
		{"disk", in.Disk},
		{"esp", in.ESP},
		{"root", in.Root},
		{"home", in.Home},
		{"mount-root", in.MountRoot},
	} {
		if field.path != "" && !filepath.IsAbs(field.path) {
			errs = failure.Append(errs, failure.Validationf("%s must be an absolute path: %q", field.name, field.path))
		}
	}

	if in.MountRoot != "" && filepath.Clean(in.MountRoot) == "/" {
		errs = failure.Append(errs, failure.Validationf("mount root must not be /"))
	}

	return errs
}

func joinValues[T ~string](values []T) string {
	parts := make([]string, 0, len(values))

	for _, v := range values {
		parts = append(parts, string(v))
	}

	return strings.Join(parts, ", ")
}

// EraseToken is the literal confirmation which allows erasing disk.
func EraseToken(disk string) string {
	return "ERASE " + disk
}

// ConfirmsErase checks the confirmation token against the disk.
func (r Request) ConfirmsErase() bool {
	return r.Disk != "" && (r.ConfirmToken == EraseToken(r.Disk) || r.ConfirmToken == r.Disk)
}

func (r Request) String() string {
	return fmt.Sprintf("mode=%s machine=%s disk=%s filesystem=%s encrypt=%t", r.Mode, r.Machine, r.Disk, r.Filesystem, r.Encrypt)
}
