// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/nixinstall/internal/pkg/mount"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
	"github.com/siderolabs/nixinstall/internal/pkg/system/simulated"
)

func TestSubvolumePoints(t *testing.T) {
	t.Parallel()

	points := mount.SubvolumePoints("/dev/mapper/cryptroot", "/mnt", false)

	assert.Equal(t, []string{"/mnt", "/mnt/home", "/mnt/nix", "/mnt/.snapshots"}, points.Targets())
	assert.Equal(t, []string{"compress=zstd", "noatime", "ssd", "subvol=@nix"}, points[2].Options)

	rotational := mount.SubvolumePoints("/dev/sda2", "/mnt", true)
	assert.Equal(t, []string{"compress=zstd", "noatime", "subvol=@"}, rotational[0].Options)

	assert.Equal(t, map[string]string{
		"/":           "@",
		"/home":       "@home",
		"/nix":        "@nix",
		"/.snapshots": "@snapshots",
	}, mount.SubvolumeExpectation())
}

func TestPointsMount(t *testing.T) {
	t.Parallel()

	host := simulated.New(simulated.WithDisk(system.Disk{
		Path: "/dev/vda",
		Size: 1 << 34,
		Partitions: []system.Partition{
			{Index: 1, Start: 1 << 20, Size: 1 << 29, TypeGUID: system.TypeEFISystem, Filesystem: "vfat"},
			{Index: 2, Start: 1<<29 + 1<<20, Size: 1 << 33, TypeGUID: system.TypeLinuxFilesystem, Filesystem: "ext4"},
		},
	}))

	points := mount.Points{
		{Source: "/dev/vda2", Target: "/mnt", FS: system.FilesystemExt4},
		{Source: "/dev/vda1", Target: "/mnt/boot", FS: system.FilesystemVFAT, Options: []string{"umask=0077"}},
	}

	unmount, err := points.Mount(t.Context(), host)
	require.NoError(t, err)

	mounts, err := host.Mounts("/mnt")
	require.NoError(t, err)
	assert.Len(t, mounts, 2)

	require.NoError(t, unmount(t.Context()))

	mounts, err = host.Mounts("/mnt")
	require.NoError(t, err)
	assert.Empty(t, mounts)

	unmounts := host.CallsTo("Unmount")
	require.Len(t, unmounts, 2)
	assert.Equal(t, "/mnt/boot", unmounts[0].Args[0])
	assert.Equal(t, "/mnt", unmounts[1].Args[0])
}

func TestPointsMountRollback(t *testing.T) {
	t.Parallel()

	host := simulated.New(simulated.WithDisk(system.Disk{
		Path: "/dev/vda",
		Size: 1 << 34,
		Partitions: []system.Partition{
			{Index: 1, Start: 1 << 20, Size: 1 << 29, TypeGUID: system.TypeEFISystem, Filesystem: "vfat"},
			{Index: 2, Start: 1<<29 + 1<<20, Size: 1 << 33, TypeGUID: system.TypeLinuxFilesystem, Filesystem: "ext4"},
		},
	}))

	points := mount.Points{
		{Source: "/dev/vda2", Target: "/mnt", FS: system.FilesystemExt4},
		{Source: "/dev/vda1", Target: "/mnt/boot", FS: system.FilesystemBtrfs},
	}

	_, err := points.Mount(t.Context(), host)
	require.Error(t, err)
	assert.ErrorContains(t, err, "wrong fs type on /dev/vda1")

	mounts, err := host.Mounts("/mnt")
	require.NoError(t, err)
	assert.Empty(t, mounts)

	host.Fail("Mount", errors.New("mount: permission denied"))

	_, err = points.Mount(t.Context(), host)
	assert.ErrorContains(t, err, "permission denied")
}
