// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/moby/sys/mountinfo"
	"github.com/siderolabs/gen/xslices"
	"github.com/siderolabs/go-blockdevice/v2/blkid"
	"github.com/siderolabs/go-blockdevice/v2/block"
	"github.com/siderolabs/go-blockdevice/v2/encryption"
	"github.com/siderolabs/go-blockdevice/v2/encryption/luks"
	"github.com/siderolabs/go-blockdevice/v2/partitioning"
	"github.com/siderolabs/go-blockdevice/v2/partitioning/gpt"
	"github.com/siderolabs/go-cmd/pkg/cmd"
	"github.com/siderolabs/go-pointer"
	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/runner"
)

const (
	luksCipher    = "aes-xts-plain64"
	settleTimeout = 30 * time.Second

	// blkid exits with 2 when no known signature is present.
	blkidNoSignature = 2
)

var blkidUnescaper = strings.NewReplacer(`\ `, " ", `\"`, `"`, `\$`, "$", "\\`", "`", `\\`, `\`)

// Linux implements Host by driving the real block device stack.
//
// Every mutation is routed through the runner, so the dry-run policy applies to all of them.
type Linux struct {
	runner *runner.Runner
	logger *zap.Logger
}

// NewLinux creates the real host implementation.
func NewLinux(r *runner.Runner, logger *zap.Logger) *Linux {
	return &Linux{
		runner: r,
		logger: logger,
	}
}

// ProbeDisk implements Inspector.
func (l *Linux) ProbeDisk(ctx context.Context, disk string) (*Disk, error) {
	info, err := blkid.ProbePath(disk, blkid.WithSkipLocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", disk, err)
	}

	d := &Disk{
		Path:       disk,
		Size:       info.Size,
		SectorSize: info.SectorSize,
		Table:      info.Name,
		Rotational: rotational(disk),
	}

	d.Partitions = xslices.Map(info.Parts, func(nested blkid.NestedProbeResult) Partition {
		p := Partition{
			Index:      nested.PartitionIndex,
			Path:       partitioning.DevName(disk, nested.PartitionIndex),
			Start:      nested.PartitionOffset,
			Size:       nested.PartitionSize,
			Label:      pointer.SafeDeref(nested.PartitionLabel),
			Filesystem: nested.Name,
		}

		if nested.PartitionType != nil {
			p.TypeGUID = strings.ToLower(nested.PartitionType.String())
		}

		if nested.UUID != nil {
			p.UUID = nested.UUID.String()
		}

		return p
	})

	for i := range d.Partitions {
		p := &d.Partitions[i]

		fsInfo, err := l.ProbeFilesystem(ctx, p.Path)
		if err != nil {
			l.logger.Warn("failed to probe partition filesystem", zap.String("partition", p.Path), zap.Error(err))

			continue
		}

		if fsInfo.Type != "" {
			p.Filesystem = fsInfo.Type
		}

		if fsInfo.UUID != "" {
			p.UUID = fsInfo.UUID
		}
	}

	return d, nil
}

// ProbeFilesystem implements Inspector.
//
// Filesystem signatures are resolved by blkid(8): the in-process prober does not
// report btrfs or the vfat volume serial, both of which end up in the hardware descriptor.
func (l *Linux) ProbeFilesystem(ctx context.Context, device string) (FilesystemInfo, error) {
	out, err := l.runner.Run(ctx, "blkid", "--probe", "--output", "export", device)
	if err != nil {
		var exitErr *cmd.ExitError

		if errors.As(err, &exitErr) && exitErr.ExitCode == blkidNoSignature {
			return FilesystemInfo{}, nil
		}

		return FilesystemInfo{}, fmt.Errorf("failed to probe %s: %w", device, err)
	}

	return parseBlkidExport(out), nil
}

// parseBlkidExport decodes `blkid --output export` key=value lines.
func parseBlkidExport(out string) FilesystemInfo {
	var info FilesystemInfo

	for line := range strings.Lines(out) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}

		value = blkidUnescaper.Replace(value)

		switch key {
		case "TYPE":
			info.Type = value
		case "UUID":
			info.UUID = value
		case "LABEL":
			info.Label = value
		}
	}

	return info
}

// IsBlockDevice implements Inspector.
func (l *Linux) IsBlockDevice(path string) (bool, error) {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	return st.Mode()&os.ModeDevice != 0 && st.Mode()&os.ModeCharDevice == 0, nil
}

// RereadPartitions implements Inspector.
func (l *Linux) RereadPartitions(ctx context.Context, disk string) error {
	_, err := l.runner.Run(ctx, "partprobe", disk)

	return err
}

// Settle implements Inspector.
func (l *Linux) Settle(ctx context.Context) error {
	_, err := l.runner.Run(ctx, "udevadm", "settle", "--timeout="+strconv.Itoa(int(settleTimeout.Seconds())))

	return err
}

// Mounts implements Inspector.
func (l *Linux) Mounts(root string) ([]MountPoint, error) {
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(root))
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	return xslices.Map(infos, func(info *mountinfo.Info) MountPoint {
		return MountPoint{
			Source:  info.Source,
			Target:  info.Mountpoint,
			FSType:  info.FSType,
			Options: strings.Split(info.Options+","+info.VFSOptions, ","),
		}
	}), nil
}

// MappingOpen implements Inspector.
func (l *Linux) MappingOpen(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(MapperPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// ListSubvolumes implements Inspector.
//
// Paths are returned in the order btrfs lists them.
func (l *Linux) ListSubvolumes(ctx context.Context, mountpoint string) ([]string, error) {
	out, err := l.runner.Run(ctx, "btrfs", "subvolume", "list", mountpoint)
	if err != nil {
		return nil, err
	}

	return ParseSubvolumeList(out), nil
}

// ParseSubvolumeList extracts subvolume paths from `btrfs subvolume list` output.
func ParseSubvolumeList(out string) []string {
	var paths []string

	for _, line := range strings.Split(out, "\n") {
		_, path, ok := strings.Cut(line, " path ")
		if !ok {
			continue
		}

		paths = append(paths, strings.TrimSpace(path))
	}

	return paths
}

// CheckWritable implements Inspector.
func (l *Linux) CheckWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".nixinstall-probe-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}

	name := f.Name()

	if err = f.Close(); err != nil {
		return err
	}

	return os.Remove(name)
}

// CreatePartitionTable implements Ops.
//
// Any existing partition table on the disk is replaced.
func (l *Linux) CreatePartitionTable(ctx context.Context, disk string, parts []PartitionSpec) error {
	return l.runner.Do(ctx, fmt.Sprintf("create GPT on %s", disk), func(ctx context.Context) error {
		bd, err := block.NewFromPath(disk, block.OpenForWrite())
		if err != nil {
			return fmt.Errorf("failed to open blockdevice %s: %w", disk, err)
		}

		defer bd.Close() //nolint:errcheck

		if err = bd.RetryLockWithTimeout(ctx, true, time.Minute); err != nil {
			return fmt.Errorf("failed to lock blockdevice %s: %w", disk, err)
		}

		defer bd.Unlock() //nolint:errcheck

		gptdev, err := gpt.DeviceFromBlockDevice(bd)
		if err != nil {
			return fmt.Errorf("error getting GPT device: %w", err)
		}

		pt, err := gpt.New(gptdev)
		if err != nil {
			return fmt.Errorf("failed to initialize GPT: %w", err)
		}

		for _, p := range parts {
			size := p.Size

			if size == 0 {
				size = pt.LargestContiguousAllocatable()
			}

			if _, _, err = pt.AllocatePartition(size, p.Label, uuid.MustParse(p.TypeGUID)); err != nil {
				return fmt.Errorf("failed to allocate partition %s: %w", p.Label, err)
			}

			l.logger.Info("allocated partition", zap.String("label", p.Label), zap.String("size", humanize.IBytes(size)))
		}

		if err = pt.Write(); err != nil {
			return fmt.Errorf("failed to write GPT: %w", err)
		}

		return nil
	})
}

// AddPartition implements Ops.
//
// The partition is placed at exactly spec.Start; existing entries are not rewritten.
func (l *Linux) AddPartition(ctx context.Context, disk string, index uint, spec PartitionSpec) error {
	d, err := l.ProbeDisk(ctx, disk)
	if err != nil {
		return err
	}

	sector := uint64(d.SectorSize)
	if sector == 0 {
		sector = 512
	}

	first := spec.Start / sector
	last := (spec.Start+spec.Size)/sector - 1

	_, err = l.runner.Mutate(ctx, "sgdisk",
		fmt.Sprintf("--new=%d:%d:%d", index, first, last),
		fmt.Sprintf("--typecode=%d:%s", index, strings.ToUpper(spec.TypeGUID)),
		fmt.Sprintf("--change-name=%d:%s", index, spec.Label),
		disk,
	)

	return err
}

// WipeSignatures implements Ops.
func (l *Linux) WipeSignatures(ctx context.Context, device string) error {
	_, err := l.runner.Mutate(ctx, "wipefs", "--all", "--force", device)

	return err
}

// Format implements Ops.
func (l *Linux) Format(ctx context.Context, device string, fs Filesystem, label string) error {
	name, args, err := formatCommand(fs, label)
	if err != nil {
		return err
	}

	_, err = l.runner.Mutate(ctx, name, append(args, device)...)

	return err
}

func formatCommand(fs Filesystem, label string) (string, []string, error) {
	switch fs {
	case FilesystemVFAT:
		return "mkfs.vfat", []string{"-F", "32", "-n", label}, nil
	case FilesystemBtrfs:
		return "mkfs.btrfs", []string{"-f", "-L", label}, nil
	case FilesystemExt4:
		return "mkfs.ext4", []string{"-F", "-L", label}, nil
	default:
		return "", nil, fmt.Errorf("unsupported filesystem type: %q", fs)
	}
}

func (l *Linux) luksProvider() (encryption.Provider, error) {
	cipher, err := luks.ParseCipherKind(luksCipher)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cipher kind: %w", err)
	}

	return luks.New(cipher), nil
}

// LuksFormat implements Ops.
func (l *Linux) LuksFormat(ctx context.Context, device string, passphrase []byte) error {
	return l.runner.Do(ctx, fmt.Sprintf("luksFormat --type luks2 %s", device), func(ctx context.Context) error {
		provider, err := l.luksProvider()
		if err != nil {
			return err
		}

		return provider.Encrypt(ctx, device, encryption.NewKey(0, passphrase))
	})
}

// LuksOpen implements Ops.
func (l *Linux) LuksOpen(ctx context.Context, device, name string, passphrase []byte) (string, error) {
	path := MapperPath(name)

	err := l.runner.Do(ctx, fmt.Sprintf("luksOpen %s %s", device, name), func(ctx context.Context) error {
		provider, err := l.luksProvider()
		if err != nil {
			return err
		}

		isOpen, openPath, err := provider.IsOpen(ctx, device, name)
		if err != nil {
			return err
		}

		if isOpen {
			path = openPath

			return nil
		}

		path, err = provider.Open(ctx, device, name, encryption.NewKey(0, passphrase))

		return err
	})

	return path, err
}

// LuksClose implements Ops.
func (l *Linux) LuksClose(ctx context.Context, name string) error {
	return l.runner.Do(ctx, fmt.Sprintf("luksClose %s", name), func(ctx context.Context) error {
		provider, err := l.luksProvider()
		if err != nil {
			return err
		}

		if err = provider.Close(ctx, MapperPath(name)); err != nil {
			if errors.Is(err, encryption.ErrDeviceNotReady) {
				return nil
			}

			return fmt.Errorf("error closing %s: %w", name, err)
		}

		return nil
	})
}

// Mount implements Ops.
func (l *Linux) Mount(ctx context.Context, source, target string, fs Filesystem, options []string) error {
	args := []string{"--mkdir", "-t", string(fs)}

	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}

	_, err := l.runner.Mutate(ctx, "mount", append(args, source, target)...)

	return err
}

// Unmount implements Ops.
func (l *Linux) Unmount(ctx context.Context, target string) error {
	return l.runner.Do(ctx, "umount "+target, func(ctx context.Context) error {
		return safeUnmount(ctx, l.logger, target)
	})
}

// CreateSubvolume implements Ops.
func (l *Linux) CreateSubvolume(ctx context.Context, path string) error {
	_, err := l.runner.Mutate(ctx, "btrfs", "subvolume", "create", path)

	return err
}

// DeleteSubvolume implements Ops.
func (l *Linux) DeleteSubvolume(ctx context.Context, path string) error {
	_, err := l.runner.Mutate(ctx, "btrfs", "subvolume", "delete", path)

	return err
}

func rotational(disk string) bool {
	contents, err := os.ReadFile(filepath.Join("/sys/class/block", filepath.Base(disk), "queue", "rotational"))
	if err != nil {
		return true
	}

	return strings.TrimSpace(string(contents)) == "1"
}
