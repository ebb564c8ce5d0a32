// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package system defines the host primitives the installer drives: partition
// tables, filesystems, encrypted volumes, mounts and subvolumes.
//
// Every primitive which changes the target disk is part of the Ops interface;
// read-only inspection lives in Inspector.
package system

import (
	"context"
	"slices"
	"strings"
)

// Filesystem is a filesystem kind.
type Filesystem string

// Supported filesystems.
const (
	FilesystemBtrfs Filesystem = "btrfs"
	FilesystemExt4  Filesystem = "ext4"
	FilesystemVFAT  Filesystem = "vfat"
)

// PartitionSpec describes a partition to create.
//
// Zero Start places the partition at the first aligned free byte, zero Size
// takes all remaining space.
type PartitionSpec struct {
	Label    string
	TypeGUID string
	Start    uint64
	Size     uint64
}

// MountPoint is an entry of the live mount table.
type MountPoint struct {
	Source  string
	Target  string
	FSType  string
	Options []string
}

// Option returns the value of a key=value mount option.
func (m MountPoint) Option(key string) (string, bool) {
	for _, opt := range m.Options {
		if k, v, ok := strings.Cut(opt, "="); ok && k == key {
			return v, true
		}
	}

	return "", false
}

// FilesystemInfo is the probed content of a block device.
type FilesystemInfo struct {
	Type  string
	UUID  string
	Label string
}

// Ops are the primitives which modify the target system.
type Ops interface {
	CreatePartitionTable(ctx context.Context, disk string, parts []PartitionSpec) error
	AddPartition(ctx context.Context, disk string, index uint, spec PartitionSpec) error
	WipeSignatures(ctx context.Context, device string) error
	Format(ctx context.Context, device string, fs Filesystem, label string) error
	LuksFormat(ctx context.Context, device string, passphrase []byte) error
	LuksOpen(ctx context.Context, device, name string, passphrase []byte) (string, error)
	LuksClose(ctx context.Context, name string) error
	Mount(ctx context.Context, source, target string, fs Filesystem, options []string) error
	Unmount(ctx context.Context, target string) error
	CreateSubvolume(ctx context.Context, path string) error
	DeleteSubvolume(ctx context.Context, path string) error
}

// Inspector queries the host without changing it.
type Inspector interface {
	ProbeDisk(ctx context.Context, disk string) (*Disk, error)
	ProbeFilesystem(ctx context.Context, device string) (FilesystemInfo, error)
	IsBlockDevice(path string) (bool, error)
	RereadPartitions(ctx context.Context, disk string) error
	Settle(ctx context.Context) error
	Mounts(root string) ([]MountPoint, error)
	MappingOpen(ctx context.Context, name string) (bool, error)
	ListSubvolumes(ctx context.Context, mountpoint string) ([]string, error)
	CheckWritable(dir string) error
}

// Host is the complete set of host primitives.
type Host interface {
	Ops
	Inspector
}

// MapperPath returns the device node of an opened encrypted mapping.
func MapperPath(name string) string {
	return "/dev/mapper/" + name
}

// SortDeepestFirst orders mount points for unmounting: children before parents.
func SortDeepestFirst(mounts []MountPoint) []MountPoint {
	sorted := slices.Clone(mounts)

	slices.SortStableFunc(sorted, func(a, b MountPoint) int {
		da, db := strings.Count(a.Target, "/"), strings.Count(b.Target, "/")

		switch {
		case da > db:
			return -1
		case da < db:
			return 1
		default:
			return strings.Compare(b.Target, a.Target)
		}
	})

	return sorted
}
