// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mount describes the mount layout of the installed system.
package mount

import (
	"context"
	"path/filepath"
	"slices"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

// BootDir is where the ESP is mounted, relative to the mount root.
const BootDir = "/boot"

// Subvolume is a btrfs subvolume of the root filesystem.
type Subvolume struct {
	Name       string
	MountPoint string
}

// SubvolumeSet is the fixed subvolume layout, in mount order.
var SubvolumeSet = []Subvolume{
	{Name: "@", MountPoint: "/"},
	{Name: "@home", MountPoint: "/home"},
	{Name: "@nix", MountPoint: "/nix"},
	{Name: "@snapshots", MountPoint: "/.snapshots"},
}

// SubvolumeOptions returns the mount options shared by every subvolume.
func SubvolumeOptions(rotational bool) []string {
	opts := []string{"compress=zstd", "noatime"}

	if !rotational {
		opts = append(opts, "ssd")
	}

	return opts
}

// SubvolumeExpectation maps each mount point of the SubvolumeSet to its subvolume.
func SubvolumeExpectation() map[string]string {
	m := make(map[string]string, len(SubvolumeSet))

	for _, subvol := range SubvolumeSet {
		m[subvol.MountPoint] = subvol.Name
	}

	return m
}

// Point is a mount to establish below the mount root.
type Point struct {
	Source  string
	Target  string
	FS      system.Filesystem
	Options []string
}

// Points is a list of mount points, in mount order.
type Points []Point

// SubvolumePoints lays out the SubvolumeSet of device below root.
func SubvolumePoints(device, root string, rotational bool) Points {
	points := make(Points, 0, len(SubvolumeSet))

	for _, subvol := range SubvolumeSet {
		points = append(points, Point{
			Source:  device,
			Target:  filepath.Join(root, subvol.MountPoint),
			FS:      system.FilesystemBtrfs,
			Options: append(SubvolumeOptions(rotational), "subvol="+subvol.Name),
		})
	}

	return points
}

// Targets returns the mount targets.
func (points Points) Targets() []string {
	targets := make([]string, 0, len(points))

	for _, p := range points {
		targets = append(targets, p.Target)
	}

	return targets
}

// Mount mounts every point in order.
//
// On failure the points mounted so far are unmounted again. The returned
// unmounter unmounts in reverse order.
func (points Points) Mount(ctx context.Context, ops system.Ops) (unmounter func(ctx context.Context) error, err error) {
	mounted := make(Points, 0, len(points))

	unmount := func(ctx context.Context) error {
		var errs error

		for _, p := range slices.Backward(mounted) {
			errs = failure.Append(errs, ops.Unmount(ctx, p.Target))
		}

		return errs
	}

	for _, p := range points {
		if err = ops.Mount(ctx, p.Source, p.Target, p.FS, p.Options); err != nil {
			return nil, failure.Append(err, unmount(ctx))
		}

		mounted = append(mounted, p)
	}

	return unmount, nil
}
