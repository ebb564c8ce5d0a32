// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system_test

import (
	"context"
	"strings"
	"testing"

	"github.com/siderolabs/go-cmd/pkg/cmd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/nixinstall/internal/pkg/runner"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

type execRecorder struct {
	calls []string
}

func (e *execRecorder) exec(_ context.Context, name string, args ...string) (string, error) {
	e.calls = append(e.calls, runner.FormatCommand(name, args...))

	return "", nil
}

func TestLinuxDryRunSkipsMutations(t *testing.T) {
	t.Parallel()

	rec := &execRecorder{}
	r := runner.New(zaptest.NewLogger(t), runner.WithDryRun(true), runner.WithExec(rec.exec))
	host := system.NewLinux(r, zaptest.NewLogger(t))
	ctx := t.Context()

	require.NoError(t, host.CreatePartitionTable(ctx, "/dev/vda", []system.PartitionSpec{
		{Label: "ESP", TypeGUID: system.TypeEFISystem, Size: 512 << 20},
		{Label: "nixos", TypeGUID: system.TypeLinuxFilesystem},
	}))
	require.NoError(t, host.WipeSignatures(ctx, "/dev/vda2"))
	require.NoError(t, host.LuksFormat(ctx, "/dev/vda2", []byte("secret")))

	path, err := host.LuksOpen(ctx, "/dev/vda2", "cryptroot", []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "/dev/mapper/cryptroot", path)

	require.NoError(t, host.Format(ctx, "/dev/mapper/cryptroot", system.FilesystemBtrfs, "nixos"))
	require.NoError(t, host.Mount(ctx, "/dev/mapper/cryptroot", "/mnt", system.FilesystemBtrfs, []string{"subvol=@"}))
	require.NoError(t, host.CreateSubvolume(ctx, "/mnt/@"))
	require.NoError(t, host.Unmount(ctx, "/mnt"))
	require.NoError(t, host.LuksClose(ctx, "cryptroot"))

	assert.Empty(t, rec.calls)
	assert.Equal(t, []string{
		"create GPT on /dev/vda",
		"wipefs --all --force /dev/vda2",
		"luksFormat --type luks2 /dev/vda2",
		"luksOpen /dev/vda2 cryptroot",
		"mkfs.btrfs -f -L nixos /dev/mapper/cryptroot",
		"mount --mkdir -t btrfs -o subvol=@ /dev/mapper/cryptroot /mnt",
		"btrfs subvolume create /mnt/@",
		"umount /mnt",
		"luksClose cryptroot",
	}, r.Skipped())
}

func TestLinuxFormatCommands(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		fs       system.Filesystem
		expected string
	}{
		{system.FilesystemVFAT, "mkfs.vfat -F 32 -n ESP /dev/sda1"},
		{system.FilesystemBtrfs, "mkfs.btrfs -f -L ESP /dev/sda1"},
		{system.FilesystemExt4, "mkfs.ext4 -F -L ESP /dev/sda1"},
	} {
		t.Run(string(test.fs), func(t *testing.T) {
			t.Parallel()

			rec := &execRecorder{}
			host := system.NewLinux(runner.New(zaptest.NewLogger(t), runner.WithExec(rec.exec)), zaptest.NewLogger(t))

			require.NoError(t, host.Format(t.Context(), "/dev/sda1", test.fs, "ESP"))
			assert.Equal(t, []string{test.expected}, rec.calls)
		})
	}

	host := system.NewLinux(runner.New(zaptest.NewLogger(t)), zaptest.NewLogger(t))
	assert.Error(t, host.Format(t.Context(), "/dev/sda1", "zfs", "ESP"))
}

func TestLinuxIsBlockDevice(t *testing.T) {
	t.Parallel()

	host := system.NewLinux(runner.New(zaptest.NewLogger(t)), zaptest.NewLogger(t))

	ok, err := host.IsBlockDevice(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = host.IsBlockDevice("/nonexistent/device")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLinuxCheckWritable(t *testing.T) {
	t.Parallel()

	host := system.NewLinux(runner.New(zaptest.NewLogger(t)), zaptest.NewLogger(t))

	require.NoError(t, host.CheckWritable(t.TempDir()))
	assert.Error(t, host.CheckWritable("/nonexistent/dir"))
}

type blkidStub map[string]string

func (b blkidStub) exec(_ context.Context, name string, args ...string) (string, error) {
	if name != "blkid" {
		return "", nil
	}

	out, ok := b[args[len(args)-1]]
	if !ok {
		return "", &cmd.ExitError{ExitCode: 2}
	}

	return out, nil
}

func TestLinuxProbeFilesystem(t *testing.T) {
	t.Parallel()

	stub := blkidStub{
		"/dev/vda1": "DEVNAME=/dev/vda1\nSEC_TYPE=msdos\nLABEL_FATBOOT=ESP\nLABEL=ESP\nUUID=1234-5678\nBLOCK_SIZE=512\nTYPE=vfat\nUSAGE=filesystem\n",
		"/dev/vda2": "DEVNAME=/dev/vda2\nLABEL=nixos\nUUID=4a1c6f3e-2b7d-4c55-9a0e-1f2d3c4b5a69\nUUID_SUB=0b9e2c1d-8f7a-4e6b-9c5d-3a2b1c0d9e8f\nBLOCK_SIZE=4096\nTYPE=btrfs\nUSAGE=filesystem\n",
		"/dev/vda3": "DEVNAME=/dev/vda3\nVERSION=2\nUUID=9d3e1f4a-6b2c-4d8e-a1f0-5c7b9e2d4a13\nTYPE=crypto_LUKS\nUSAGE=crypto\n",
		"/dev/vda4": "DEVNAME=/dev/vda4\nLABEL=Microsoft\\ basic\\ data\nUUID=1C2D3E4F5A6B7C8D\nTYPE=ntfs\n",
	}

	for _, test := range []struct {
		device   string
		expected system.FilesystemInfo
	}{
		{"/dev/vda1", system.FilesystemInfo{Type: "vfat", UUID: "1234-5678", Label: "ESP"}},
		{"/dev/vda2", system.FilesystemInfo{Type: "btrfs", UUID: "4a1c6f3e-2b7d-4c55-9a0e-1f2d3c4b5a69", Label: "nixos"}},
		{"/dev/vda3", system.FilesystemInfo{Type: "crypto_LUKS", UUID: "9d3e1f4a-6b2c-4d8e-a1f0-5c7b9e2d4a13"}},
		{"/dev/vda4", system.FilesystemInfo{Type: "ntfs", UUID: "1C2D3E4F5A6B7C8D", Label: "Microsoft basic data"}},
		{"/dev/vda5", system.FilesystemInfo{}},
	} {
		t.Run(strings.TrimPrefix(test.device, "/dev/"), func(t *testing.T) {
			t.Parallel()

			host := system.NewLinux(runner.New(zaptest.NewLogger(t), runner.WithExec(stub.exec)), zaptest.NewLogger(t))

			info, err := host.ProbeFilesystem(t.Context(), test.device)
			require.NoError(t, err)
			assert.Equal(t, test.expected, info)
		})
	}
}

func TestLinuxProbeFilesystemFailure(t *testing.T) {
	t.Parallel()

	failing := func(context.Context, string, ...string) (string, error) {
		return "", &cmd.ExitError{ExitCode: 4, Output: []byte("usage error")}
	}

	host := system.NewLinux(runner.New(zaptest.NewLogger(t), runner.WithExec(failing)), zaptest.NewLogger(t))

	_, err := host.ProbeFilesystem(t.Context(), "/dev/vda1")
	assert.ErrorContains(t, err, "failed to probe /dev/vda1")
}
