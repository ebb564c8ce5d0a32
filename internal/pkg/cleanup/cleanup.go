// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cleanup removes the leftovers of a previous, partial installation.
package cleanup

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/encryption"
	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

// topLevelOption mounts the btrfs top-level subvolume.
const topLevelOption = "subvolid=5"

// Target is what the upcoming installation is about to touch.
type Target struct {
	// MountRoot is where the target system gets mounted.
	MountRoot string
	// Disk is the target disk; empty in manual mode without a disk.
	Disk string
	// Root is the root partition, which may not exist yet.
	Root string
	// Devices are the existing partitions which will be reformatted.
	Devices []string
}

// Evidence is what a previous run left behind.
type Evidence struct {
	Mounts []system.MountPoint
	// MappingOpen is set when the encrypted root mapping is still open.
	MappingOpen bool
	// RootFilesystem is the filesystem found on the root partition (or on the open mapping).
	RootFilesystem string
	// Signatures lists the devices to be reformatted which still carry a signature.
	Signatures []string
}

// Empty reports whether there is nothing to clean up.
func (e Evidence) Empty() bool {
	return len(e.Mounts) == 0 && !e.MappingOpen && e.RootFilesystem == "" && len(e.Signatures) == 0
}

func (e Evidence) String() string {
	var parts []string

	if len(e.Mounts) > 0 {
		parts = append(parts, fmt.Sprintf("mounts: %s", strings.Join(xslices.Map(e.Mounts, func(mp system.MountPoint) string { return mp.Target }), ", ")))
	}

	if e.MappingOpen {
		parts = append(parts, fmt.Sprintf("open mapping: %s", encryption.MappingName))
	}

	if e.RootFilesystem != "" {
		parts = append(parts, fmt.Sprintf("root filesystem: %s", e.RootFilesystem))
	}

	if len(e.Signatures) > 0 {
		parts = append(parts, fmt.Sprintf("signatures on: %s", strings.Join(e.Signatures, ", ")))
	}

	if len(parts) == 0 {
		return "none"
	}

	return strings.Join(parts, "; ")
}

// Confirmer asks the operator before leftovers are removed.
type Confirmer interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Manager detects and removes leftovers.
type Manager struct {
	host      system.Host
	logger    *zap.Logger
	confirmer Confirmer
}

// Option configures the Manager.
type Option func(*Manager)

// WithConfirmer makes the Manager ask before removing anything.
func WithConfirmer(confirmer Confirmer) Option {
	return func(m *Manager) {
		m.confirmer = confirmer
	}
}

// NewManager creates a Manager.
func NewManager(host system.Host, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		host:   host,
		logger: logger,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Inspect collects the evidence of a previous run without changing anything.
func (m *Manager) Inspect(ctx context.Context, target Target) (Evidence, error) {
	var (
		evidence Evidence
		err      error
	)

	if evidence.Mounts, err = m.host.Mounts(target.MountRoot); err != nil {
		return evidence, err
	}

	if evidence.MappingOpen, err = m.host.MappingOpen(ctx, encryption.MappingName); err != nil {
		return evidence, err
	}

	rootDevice := target.Root
	if evidence.MappingOpen {
		rootDevice = system.MapperPath(encryption.MappingName)
	}

	if evidence.RootFilesystem, err = m.filesystemOf(ctx, rootDevice); err != nil {
		return evidence, err
	}

	for _, device := range target.Devices {
		fs, err := m.filesystemOf(ctx, device)
		if err != nil {
			return evidence, err
		}

		if fs != "" {
			evidence.Signatures = append(evidence.Signatures, device)
		}
	}

	return evidence, nil
}

func (m *Manager) filesystemOf(ctx context.Context, device string) (string, error) {
	if device == "" {
		return "", nil
	}

	exists, err := m.host.IsBlockDevice(device)
	if err != nil || !exists {
		return "", err
	}

	info, err := m.host.ProbeFilesystem(ctx, device)
	if err != nil {
		return "", err
	}

	return info.Type, nil
}

// Run removes the leftovers found for target.
//
// Mounts go deepest first, btrfs subvolumes in reverse listing order, and
// signatures are wiped only on the devices listed in target. Running it on a
// clean disk changes nothing.
func (m *Manager) Run(ctx context.Context, target Target) (Evidence, error) {
	evidence, err := m.Inspect(ctx, target)
	if err != nil {
		return evidence, fmt.Errorf("failed to inspect %s: %w", target.MountRoot, err)
	}

	if evidence.Empty() {
		m.logger.Info("no leftovers of a previous installation found")

		return evidence, m.checkClean(target)
	}

	m.logger.Warn("found leftovers of a previous installation", zap.Stringer("evidence", evidence))

	if m.confirmer != nil {
		ok, err := m.confirmer.Confirm(ctx, fmt.Sprintf("Remove the leftovers of a previous installation (%s)?", evidence))
		if err != nil {
			return evidence, err
		}

		if !ok {
			return evidence, failure.Preconditionf(failure.ReasonDirtyDisk, "leftovers of a previous installation were not removed: %s", evidence)
		}
	}

	for _, mp := range system.SortDeepestFirst(evidence.Mounts) {
		m.logger.Info("unmounting", zap.String("target", mp.Target))

		if err = m.host.Unmount(ctx, mp.Target); err != nil {
			return evidence, fmt.Errorf("failed to unmount %s: %w", mp.Target, err)
		}
	}

	if evidence.RootFilesystem == string(system.FilesystemBtrfs) {
		device := target.Root
		if evidence.MappingOpen {
			device = system.MapperPath(encryption.MappingName)
		}

		if err = m.deleteSubvolumes(ctx, device, target.MountRoot); err != nil {
			return evidence, err
		}
	}

	if err = encryption.Close(ctx, m.host, m.logger, encryption.MappingName); err != nil {
		return evidence, err
	}

	for _, device := range evidence.Signatures {
		m.logger.Info("wiping signatures", zap.String("device", device))

		if err = m.host.WipeSignatures(ctx, device); err != nil {
			return evidence, fmt.Errorf("failed to wipe %s: %w", device, err)
		}
	}

	return evidence, m.checkClean(target)
}

func (m *Manager) deleteSubvolumes(ctx context.Context, device, root string) (err error) {
	if err = m.host.Mount(ctx, device, root, system.FilesystemBtrfs, []string{topLevelOption}); err != nil {
		return fmt.Errorf("failed to mount top-level subvolume of %s: %w", device, err)
	}

	defer func() {
		err = failure.Append(err, m.host.Unmount(ctx, root))
	}()

	subvolumes, err := m.host.ListSubvolumes(ctx, root)
	if err != nil {
		return err
	}

	for _, name := range slices.Backward(subvolumes) {
		m.logger.Info("deleting subvolume", zap.String("subvolume", name))

		if err = m.host.DeleteSubvolume(ctx, filepath.Join(root, name)); err != nil {
			return fmt.Errorf("failed to delete subvolume %s: %w", name, err)
		}
	}

	return nil
}

// checkClean asserts that nothing is mounted below the mount root and the disk is still there.
func (m *Manager) checkClean(target Target) error {
	mounts, err := m.host.Mounts(target.MountRoot)
	if err != nil {
		return err
	}

	if len(mounts) > 0 {
		return failure.Preconditionf(failure.ReasonDirtyDisk, "%s is still mounted", mounts[0].Target)
	}

	if target.Disk == "" {
		return nil
	}

	ok, err := m.host.IsBlockDevice(target.Disk)
	if err != nil {
		return err
	}

	if !ok {
		return failure.Preconditionf(failure.ReasonNotBlockDevice, "%s is no longer a block device", target.Disk)
	}

	return nil
}
