// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package verify checks that the installed system will boot.
package verify

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/hwconfig"
	"github.com/siderolabs/nixinstall/internal/pkg/mount"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

// Bootloader is a recognized boot loader.
type Bootloader string

// Recognized boot loaders.
const (
	SystemdBoot Bootloader = "systemd-boot"
	GRUB        Bootloader = "grub"
)

// Report is the outcome of a successful validation.
type Report struct {
	Bootloader Bootloader
	Entries    []string
}

// Validator re-verifies the target after installation.
type Validator struct {
	host   system.Inspector
	logger *zap.Logger
}

// NewValidator creates a Validator.
func NewValidator(host system.Inspector, logger *zap.Logger) *Validator {
	return &Validator{
		host:   host,
		logger: logger,
	}
}

// Target describes what was installed.
type Target struct {
	Root       string
	RootDevice string
	ESP        string
	Points     mount.Points
	Descriptor hwconfig.Facts
	// Boot is the content of the ESP as mounted at Root/boot.
	Boot fs.FS
}

// Validate checks mounts, descriptor UUIDs and boot loader artifacts.
//
// All problems found are reported in one ConsistencyError.
func (v *Validator) Validate(ctx context.Context, target Target) (*Report, error) {
	var problems []string

	mounts, err := v.host.Mounts(target.Root)
	if err != nil {
		return nil, err
	}

	for _, p := range target.Points {
		if !slices.ContainsFunc(mounts, func(mp system.MountPoint) bool { return mp.Target == p.Target }) {
			problems = append(problems, fmt.Sprintf("%s is no longer mounted", p.Target))
		}
	}

	for _, check := range []struct {
		name       string
		device     string
		descriptor string
	}{
		{name: "root", device: target.RootDevice, descriptor: target.Descriptor.RootUUID()},
		{name: "ESP", device: target.ESP, descriptor: target.Descriptor.ESPUUID()},
	} {
		info, err := v.host.ProbeFilesystem(ctx, check.device)
		if err != nil {
			return nil, err
		}

		if info.UUID == "" || !strings.EqualFold(info.UUID, check.descriptor) {
			problems = append(problems, fmt.Sprintf("%s UUID %q of %s does not match the descriptor (%q)", check.name, info.UUID, check.device, check.descriptor))
		}
	}

	report, err := DetectBootloader(target.Boot)
	if err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return nil, &failure.ConsistencyError{Problems: problems}
	}

	v.logger.Info("installed system verified", zap.String("bootloader", string(report.Bootloader)), zap.Strings("entries", report.Entries))

	return report, nil
}

// DetectBootloader looks for boot loader binaries and boot entries on the ESP.
func DetectBootloader(boot fs.FS) (*Report, error) {
	systemd, err := fs.Glob(boot, "EFI/systemd/systemd-boot*.efi")
	if err != nil {
		return nil, err
	}

	if len(systemd) > 0 {
		entries, err := fs.Glob(boot, "loader/entries/*.conf")
		if err != nil {
			return nil, err
		}

		if len(entries) == 0 {
			return nil, fmt.Errorf("systemd-boot is installed but has no boot entries")
		}

		return &Report{Bootloader: SystemdBoot, Entries: baseNames(entries)}, nil
	}

	grub, err := fs.Glob(boot, "EFI/*/grubx64.efi")
	if err != nil {
		return nil, err
	}

	if len(grub) > 0 {
		cfg, err := fs.ReadFile(boot, "grub/grub.cfg")
		if err != nil {
			return nil, fmt.Errorf("GRUB is installed but its configuration is missing: %w", err)
		}

		var entries []string

		for line := range strings.Lines(string(cfg)) {
			line = strings.TrimSpace(line)

			if strings.HasPrefix(line, "menuentry ") {
				entries = append(entries, strings.Trim(strings.Fields(line)[1], `"'`))
			}
		}

		if len(entries) == 0 {
			return nil, fmt.Errorf("GRUB is installed but has no menu entries")
		}

		return &Report{Bootloader: GRUB, Entries: entries}, nil
	}

	return nil, fmt.Errorf("no boot loader found on the ESP")
}

func baseNames(paths []string) []string {
	names := make([]string, 0, len(paths))

	for _, p := range paths {
		names = append(names, strings.TrimSuffix(path.Base(p), ".conf"))
	}

	return names
}
