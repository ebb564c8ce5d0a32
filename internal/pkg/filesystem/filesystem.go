// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package filesystem formats the partition layout and mounts the target system.
package filesystem

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/encryption"
	"github.com/siderolabs/nixinstall/internal/pkg/mount"
	"github.com/siderolabs/nixinstall/internal/pkg/partition"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

// Filesystem labels.
const (
	RootLabel = "nixos"
	HomeLabel = "home"
	ESPLabel  = "ESP"
)

// Options configures the filesystem creation.
type Options struct {
	Filesystem system.Filesystem
	MountRoot  string
	// Encryption is set when the root partition is encrypted.
	Encryption *encryption.Handler
}

// Result is the mounted target system.
type Result struct {
	// RootDevice is the device carrying the root filesystem, the mapped device when encrypted.
	RootDevice string
	Encrypted  bool
	Points     mount.Points
}

// Engine creates filesystems and mounts them.
type Engine struct {
	host   system.Host
	logger *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(host system.Host, logger *zap.Logger) *Engine {
	return &Engine{
		host:   host,
		logger: logger,
	}
}

// Create formats the layout and mounts it below the mount root.
//
// Every mount is verified to be present and writable before returning.
func (e *Engine) Create(ctx context.Context, layout *partition.Layout, opts Options) (*Result, error) {
	result := &Result{RootDevice: layout.Root}

	if opts.Encryption != nil {
		mapped, err := opts.Encryption.FormatAndOpen(ctx, layout.Root)
		if err != nil {
			return nil, err
		}

		result.RootDevice = mapped
		result.Encrypted = true
	}

	if err := e.format(ctx, result.RootDevice, opts.Filesystem, RootLabel); err != nil {
		return nil, err
	}

	if layout.FormatESP {
		if err := e.format(ctx, layout.ESP, system.FilesystemVFAT, ESPLabel); err != nil {
			return nil, err
		}
	}

	if layout.Home != "" {
		if err := e.format(ctx, layout.Home, opts.Filesystem, HomeLabel); err != nil {
			return nil, err
		}
	}

	switch opts.Filesystem {
	case system.FilesystemBtrfs:
		if err := e.createSubvolumes(ctx, result.RootDevice, opts.MountRoot); err != nil {
			return nil, err
		}

		result.Points = mount.SubvolumePoints(result.RootDevice, opts.MountRoot, layout.Rotational)

		if layout.Home != "" {
			result.Points = slices.DeleteFunc(result.Points, func(p mount.Point) bool {
				return p.Target == filepath.Join(opts.MountRoot, "home")
			})
		}
	case system.FilesystemExt4:
		result.Points = mount.Points{
			{Source: result.RootDevice, Target: opts.MountRoot, FS: system.FilesystemExt4, Options: []string{"noatime"}},
		}
	default:
		return nil, fmt.Errorf("unsupported filesystem %q", opts.Filesystem)
	}

	result.Points = append(result.Points, mount.Point{
		Source:  layout.ESP,
		Target:  filepath.Join(opts.MountRoot, mount.BootDir),
		FS:      system.FilesystemVFAT,
		Options: []string{"fmask=0022", "dmask=0022"},
	})

	if layout.Home != "" {
		result.Points = append(result.Points, mount.Point{
			Source: layout.Home,
			Target: filepath.Join(opts.MountRoot, "home"),
			FS:     opts.Filesystem,
		})
	}

	if _, err := result.Points.Mount(ctx, e.host); err != nil {
		return nil, err
	}

	if err := e.Verify(opts.MountRoot, result.Points); err != nil {
		return nil, err
	}

	return result, nil
}

func (e *Engine) format(ctx context.Context, device string, fs system.Filesystem, label string) error {
	e.logger.Info("formatting", zap.String("device", device), zap.String("filesystem", string(fs)))

	if err := e.host.Format(ctx, device, fs, label); err != nil {
		return fmt.Errorf("failed to format %s: %w", device, err)
	}

	return nil
}

// createSubvolumes creates the SubvolumeSet on a temporary top-level mount at root.
func (e *Engine) createSubvolumes(ctx context.Context, device, root string) error {
	if err := e.host.Mount(ctx, device, root, system.FilesystemBtrfs, nil); err != nil {
		return err
	}

	for _, subvol := range mount.SubvolumeSet {
		if err := e.host.CreateSubvolume(ctx, filepath.Join(root, subvol.Name)); err != nil {
			return fmt.Errorf("failed to create subvolume %s: %w", subvol.Name, err)
		}
	}

	e.logger.Info("created subvolumes", zap.Int("count", len(mount.SubvolumeSet)))

	return e.host.Unmount(ctx, root)
}

// Verify checks that every point is mounted and writable.
func (e *Engine) Verify(root string, points mount.Points) error {
	mounts, err := e.host.Mounts(root)
	if err != nil {
		return err
	}

	for _, p := range points {
		if !slices.ContainsFunc(mounts, func(mp system.MountPoint) bool { return mp.Target == p.Target }) {
			return fmt.Errorf("%s is not mounted", p.Target)
		}

		if err = e.host.CheckWritable(p.Target); err != nil {
			return err
		}
	}

	return nil
}
