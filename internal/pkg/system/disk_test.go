// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

const (
	mib = uint64(1 << 20)
	gib = uint64(1 << 30)
)

func TestFreeRanges(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name     string
		disk     system.Disk
		expected []system.Range
	}{
		{
			name: "empty disk",
			disk: system.Disk{Size: 20 * gib},
			expected: []system.Range{
				{Start: mib, Size: 20*gib - 2*mib},
			},
		},
		{
			name: "windows layout with tail gap",
			disk: system.Disk{
				Size: 100 * gib,
				Partitions: []system.Partition{
					{Index: 1, Start: mib, Size: 100 * mib, TypeGUID: system.TypeEFISystem},
					{Index: 2, Start: 101 * mib, Size: 16 * mib},
					{Index: 3, Start: 117 * mib, Size: 60 * gib, TypeGUID: system.TypeMicrosoftBasic},
				},
			},
			expected: []system.Range{
				{Start: 117*mib + 60*gib, Size: 100*gib - mib - (117*mib + 60*gib)},
			},
		},
		{
			name: "hole between partitions",
			disk: system.Disk{
				Size: 10 * gib,
				Partitions: []system.Partition{
					{Index: 2, Start: 5 * gib, Size: 5*gib - mib},
					{Index: 1, Start: mib, Size: gib},
				},
			},
			expected: []system.Range{
				{Start: mib + gib, Size: 4*gib - mib},
			},
		},
		{
			name: "unaligned partition end",
			disk: system.Disk{
				Size: 4 * gib,
				Partitions: []system.Partition{
					{Index: 1, Start: mib, Size: gib + 4096},
				},
			},
			expected: []system.Range{
				{Start: 2*mib + gib, Size: 4*gib - mib - (2*mib + gib)},
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.expected, test.disk.FreeRanges())
		})
	}
}

func TestLargestFreeRange(t *testing.T) {
	t.Parallel()

	disk := system.Disk{
		Size: 40 * gib,
		Partitions: []system.Partition{
			{Index: 1, Start: mib, Size: 2 * gib},
			{Index: 2, Start: 5 * gib, Size: 10 * gib},
		},
	}

	r, ok := disk.LargestFreeRange()
	require.True(t, ok)
	assert.Equal(t, 15*gib, r.Start)
	assert.Equal(t, 25*gib-mib, r.Size)

	full := system.Disk{
		Size:       gib,
		Partitions: []system.Partition{{Index: 1, Start: 0, Size: gib}},
	}

	_, ok = full.LargestFreeRange()
	assert.False(t, ok)
}

func TestDiskLookups(t *testing.T) {
	t.Parallel()

	disk := system.Disk{
		Partitions: []system.Partition{
			{Index: 1, Path: "/dev/sda1", TypeGUID: "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"},
			{Index: 3, Path: "/dev/sda3", Label: "nixos"},
		},
	}

	esp, ok := disk.FindESP()
	require.True(t, ok)
	assert.Equal(t, "/dev/sda1", esp.Path)

	root, ok := disk.FindByLabel("nixos")
	require.True(t, ok)
	assert.EqualValues(t, 3, root.Index)

	assert.EqualValues(t, 2, disk.NextIndex())
}

func TestSortDeepestFirst(t *testing.T) {
	t.Parallel()

	mounts := []system.MountPoint{
		{Target: "/mnt"},
		{Target: "/mnt/boot"},
		{Target: "/mnt/home"},
		{Target: "/mnt/nix/store"},
	}

	sorted := system.SortDeepestFirst(mounts)

	assert.Equal(t, []string{"/mnt/nix/store", "/mnt/home", "/mnt/boot", "/mnt"}, []string{
		sorted[0].Target, sorted[1].Target, sorted[2].Target, sorted[3].Target,
	})
}

func TestParseSubvolumeList(t *testing.T) {
	t.Parallel()

	out := `ID 256 gen 9 top level 5 path @
ID 257 gen 9 top level 5 path @home
ID 258 gen 9 top level 5 path @nix
ID 259 gen 8 top level 5 path @snapshots
`

	assert.Equal(t, []string{"@", "@home", "@nix", "@snapshots"}, system.ParseSubvolumeList(out))
}

func TestMountPointOption(t *testing.T) {
	t.Parallel()

	mp := system.MountPoint{Options: []string{"rw", "compress=zstd:3", "subvol=/@home"}}

	v, ok := mp.Option("subvol")
	require.True(t, ok)
	assert.Equal(t, "/@home", v)

	_, ok = mp.Option("ssd")
	assert.False(t, ok)
}
