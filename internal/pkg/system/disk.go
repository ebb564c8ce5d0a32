// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system

import (
	"slices"
	"strings"
)

// Well-known GPT partition types.
const (
	TypeEFISystem       = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"
	TypeLinuxFilesystem = "0fc63daf-8483-4772-8e79-3d69d8477de4"
	TypeMicrosoftBasic  = "ebd0a0a2-b9e5-4433-87c0-68b6b72699c7"
)

// Alignment is the partition alignment used for new partitions.
const Alignment = 1 << 20

// Reserved sizes of the GPT structures: protective MBR + header + entries at
// the start, entries + backup header at the end (512-byte sectors).
const (
	gptPrimarySize = 34 * 512
	gptBackupSize  = 33 * 512
)

// Disk is a probed whole-disk block device.
type Disk struct {
	Path       string
	Size       uint64
	SectorSize uint
	Table      string
	Rotational bool
	Partitions []Partition
}

// Partition is an entry of the disk partition table.
type Partition struct {
	Index      uint
	Path       string
	Start      uint64
	Size       uint64
	TypeGUID   string
	Label      string
	Filesystem string
	UUID       string
}

// End returns the first byte after the partition.
func (p Partition) End() uint64 {
	return p.Start + p.Size
}

// IsESP checks the partition type GUID against the EFI system partition type.
func (p Partition) IsESP() bool {
	return strings.EqualFold(p.TypeGUID, TypeEFISystem)
}

// Range is a contiguous byte range on a disk.
type Range struct {
	Start uint64
	Size  uint64
}

// End returns the first byte after the range.
func (r Range) End() uint64 {
	return r.Start + r.Size
}

// FindESP returns the first EFI system partition.
func (d *Disk) FindESP() (Partition, bool) {
	for _, p := range d.Partitions {
		if p.IsESP() {
			return p, true
		}
	}

	return Partition{}, false
}

// FindByLabel returns the partition carrying the GPT label.
func (d *Disk) FindByLabel(label string) (Partition, bool) {
	for _, p := range d.Partitions {
		if p.Label == label {
			return p, true
		}
	}

	return Partition{}, false
}

// FindByPath returns the partition with the device path.
func (d *Disk) FindByPath(path string) (Partition, bool) {
	for _, p := range d.Partitions {
		if p.Path == path {
			return p, true
		}
	}

	return Partition{}, false
}

// NextIndex returns the first unused partition number.
func (d *Disk) NextIndex() uint {
	used := map[uint]struct{}{}

	for _, p := range d.Partitions {
		used[p.Index] = struct{}{}
	}

	for idx := uint(1); ; idx++ {
		if _, ok := used[idx]; !ok {
			return idx
		}
	}
}

// FreeRanges lists the 1 MiB aligned unallocated ranges inside the GPT usable area.
func (d *Disk) FreeRanges() []Range {
	if d.Size <= gptPrimarySize+gptBackupSize {
		return nil
	}

	parts := slices.Clone(d.Partitions)
	slices.SortFunc(parts, func(a, b Partition) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		default:
			return 0
		}
	})

	var ranges []Range

	cursor := uint64(gptPrimarySize)
	usableEnd := d.Size - gptBackupSize

	appendRange := func(start, end uint64) {
		start = alignUp(start)
		end = alignDown(end)

		if end > start {
			ranges = append(ranges, Range{Start: start, Size: end - start})
		}
	}

	for _, p := range parts {
		if p.Start > cursor {
			appendRange(cursor, min(p.Start, usableEnd))
		}

		cursor = max(cursor, p.End())
	}

	if usableEnd > cursor {
		appendRange(cursor, usableEnd)
	}

	return ranges
}

// LargestFreeRange returns the biggest unallocated aligned range.
func (d *Disk) LargestFreeRange() (Range, bool) {
	var (
		best  Range
		found bool
	)

	for _, r := range d.FreeRanges() {
		if r.Size > best.Size {
			best = r
			found = true
		}
	}

	return best, found
}

func alignUp(v uint64) uint64 {
	return (v + Alignment - 1) / Alignment * Alignment
}

func alignDown(v uint64) uint64 {
	return v / Alignment * Alignment
}
