// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package filesystem_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/nixinstall/internal/pkg/encryption"
	"github.com/siderolabs/nixinstall/internal/pkg/filesystem"
	"github.com/siderolabs/nixinstall/internal/pkg/partition"
	"github.com/siderolabs/nixinstall/internal/pkg/poll"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
	"github.com/siderolabs/nixinstall/internal/pkg/system/simulated"
)

const (
	mib = 1 << 20
	gib = 1 << 30
)

func newHost() *simulated.Host {
	return simulated.New(simulated.WithDisk(system.Disk{
		Path:       "/dev/vda",
		Size:       40 * gib,
		SectorSize: 512,
		Table:      "gpt",
		Partitions: []system.Partition{
			{Index: 1, Start: mib, Size: 512 * mib, TypeGUID: system.TypeEFISystem},
			{Index: 2, Start: 513 * mib, Size: 30 * gib, TypeGUID: system.TypeLinuxFilesystem},
			{Index: 3, Start: 513*mib + 30*gib, Size: 8 * gib, TypeGUID: system.TypeLinuxFilesystem},
		},
	}))
}

func targets(t *testing.T, host *simulated.Host) []string {
	t.Helper()

	mounts, err := host.Mounts("/mnt")
	require.NoError(t, err)

	result := make([]string, 0, len(mounts))

	for _, mp := range mounts {
		result = append(result, mp.Target)
	}

	return result
}

func TestCreateBtrfs(t *testing.T) {
	t.Parallel()

	host := newHost()
	engine := filesystem.NewEngine(host, zaptest.NewLogger(t))

	result, err := engine.Create(t.Context(),
		&partition.Layout{ESP: "/dev/vda1", Root: "/dev/vda2", FormatESP: true},
		filesystem.Options{Filesystem: system.FilesystemBtrfs, MountRoot: "/mnt"},
	)
	require.NoError(t, err)

	assert.Equal(t, "/dev/vda2", result.RootDevice)
	assert.False(t, result.Encrypted)

	assert.Equal(t, []string{"@", "@home", "@nix", "@snapshots"}, host.Subvolumes("/dev/vda2"))
	assert.Equal(t, []string{"/mnt", "/mnt/home", "/mnt/nix", "/mnt/.snapshots", "/mnt/boot"}, targets(t, host))

	mounts, err := host.Mounts("/mnt/nix")
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, []string{"compress=zstd", "noatime", "ssd", "subvol=@nix"}, mounts[0].Options)

	formats := host.CallsTo("Format")
	require.Len(t, formats, 2)
	assert.Equal(t, []string{"/dev/vda2", "btrfs", "nixos"}, formats[0].Args)
	assert.Equal(t, []string{"/dev/vda1", "vfat", "ESP"}, formats[1].Args)

	// the temporary top-level mount comes first and is gone before the subvolumes are mounted
	mountCalls := host.CallsTo("Mount")
	require.Len(t, mountCalls, 6)
	assert.Equal(t, []string{"/dev/vda2", "/mnt", ""}, mountCalls[0].Args)
	assert.Equal(t, "/mnt", host.CallsTo("Unmount")[0].Args[0])
}

func TestCreateExt4Encrypted(t *testing.T) {
	t.Parallel()

	host := newHost()
	logger := zaptest.NewLogger(t)
	engine := filesystem.NewEngine(host, logger)

	handler := encryption.NewHandler(host, logger, []byte("passphrase"), poll.Options{Timeout: time.Second, Interval: 10 * time.Millisecond})

	result, err := engine.Create(t.Context(),
		&partition.Layout{ESP: "/dev/vda1", Root: "/dev/vda2", FormatESP: true, Rotational: true},
		filesystem.Options{Filesystem: system.FilesystemExt4, MountRoot: "/mnt", Encryption: handler},
	)
	require.NoError(t, err)

	assert.Equal(t, "/dev/mapper/cryptroot", result.RootDevice)
	assert.True(t, result.Encrypted)
	assert.Equal(t, []string{"/mnt", "/mnt/boot"}, targets(t, host))

	formats := host.CallsTo("Format")
	require.Len(t, formats, 2)
	assert.Equal(t, "/dev/mapper/cryptroot", formats[0].Args[0])

	open, err := host.MappingOpen(t.Context(), encryption.MappingName)
	require.NoError(t, err)
	assert.True(t, open)
}

func TestCreateSeparateHome(t *testing.T) {
	t.Parallel()

	host := newHost()
	host.SetFilesystem("/dev/vda1", system.FilesystemInfo{Type: "vfat", UUID: "1234-ABCD"})

	engine := filesystem.NewEngine(host, zaptest.NewLogger(t))

	_, err := engine.Create(t.Context(),
		&partition.Layout{ESP: "/dev/vda1", Root: "/dev/vda2", Home: "/dev/vda3"},
		filesystem.Options{Filesystem: system.FilesystemBtrfs, MountRoot: "/mnt"},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"/mnt", "/mnt/nix", "/mnt/.snapshots", "/mnt/boot", "/mnt/home"}, targets(t, host))

	home, err := host.Mounts("/mnt/home")
	require.NoError(t, err)
	require.Len(t, home, 1)
	assert.Equal(t, "/dev/vda3", home[0].Source)

	// the shared ESP is not reformatted
	for _, call := range host.CallsTo("Format") {
		assert.NotEqual(t, "/dev/vda1", call.Args[0])
	}
}

func TestCreateNotWritable(t *testing.T) {
	t.Parallel()

	host := newHost()
	host.SetReadOnly("/mnt/nix")

	engine := filesystem.NewEngine(host, zaptest.NewLogger(t))

	_, err := engine.Create(t.Context(),
		&partition.Layout{ESP: "/dev/vda1", Root: "/dev/vda2", FormatESP: true},
		filesystem.Options{Filesystem: system.FilesystemBtrfs, MountRoot: "/mnt"},
	)
	assert.ErrorContains(t, err, "/mnt/nix is not writable")
}
