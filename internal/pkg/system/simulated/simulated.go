// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package simulated provides an in-memory host which records every primitive.
//
// The simulated host backs the tests and the dry-run mode: it is seeded with
// the probed disk layout and evolves as if the primitives were applied.
package simulated

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/siderolabs/go-blockdevice/v2/partitioning"

	"github.com/siderolabs/nixinstall/internal/pkg/hwconfig"
	"github.com/siderolabs/nixinstall/internal/pkg/runner"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

const (
	gptReserved   = 1 << 20
	luksType      = "crypto_LUKS"
	topLevelMount = "subvolid=5"
)

// Call is a recorded primitive invocation.
type Call struct {
	Op   string
	Args []string
}

func (c Call) String() string {
	return strings.TrimSpace(c.Op + " " + strings.Join(c.Args, " "))
}

type device struct {
	fs         system.FilesystemInfo
	passphrase []byte
}

// Host is an in-memory system.Host.
type Host struct {
	mu sync.Mutex

	runner *runner.Runner

	disks      map[string]*system.Disk
	devices    map[string]*device
	mappings   map[string]string
	mounts     []system.MountPoint
	subvolumes map[string][]string

	calls    []Call
	faults   map[string]error
	hidden   map[string]int
	readOnly map[string]struct{}

	descriptorHook func(attempt int, content []byte) []byte
	generations    int
}

// Option configures the Host.
type Option func(*Host)

// WithRunner routes every mutation through the runner, which applies the dry-run policy.
func WithRunner(r *runner.Runner) Option {
	return func(h *Host) {
		h.runner = r
	}
}

// WithDisk seeds the host with a disk and its partitions.
func WithDisk(disk system.Disk) Option {
	return func(h *Host) {
		h.addDisk(disk)
	}
}

// WithDescriptorHook alters generated descriptors; attempt counts from 1.
func WithDescriptorHook(hook func(attempt int, content []byte) []byte) Option {
	return func(h *Host) {
		h.descriptorHook = hook
	}
}

// New creates an empty Host.
func New(opts ...Option) *Host {
	h := &Host{
		disks:      map[string]*system.Disk{},
		devices:    map[string]*device{},
		mappings:   map[string]string{},
		subvolumes: map[string][]string{},
		faults:     map[string]error{},
		hidden:     map[string]int{},
		readOnly:   map[string]struct{}{},
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *Host) addDisk(disk system.Disk) {
	d := disk
	d.Partitions = slices.Clone(disk.Partitions)

	for i := range d.Partitions {
		p := &d.Partitions[i]

		if p.Path == "" {
			p.Path = partitioning.DevName(d.Path, p.Index)
		}

		h.devices[p.Path] = &device{fs: system.FilesystemInfo{Type: p.Filesystem, UUID: p.UUID}}
	}

	h.disks[d.Path] = &d
}

// Fail makes the next invocations of op return err.
func (h *Host) Fail(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.faults[op] = err
}

// HideDevice keeps the device node invisible until the partition table was re-read n times.
func (h *Host) HideDevice(path string, rereads int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.hidden[path] = rereads
}

// SetReadOnly makes CheckWritable fail for dir.
func (h *Host) SetReadOnly(dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.readOnly[dir] = struct{}{}
}

// AddMount injects a mount, as left over by an earlier run.
func (h *Host) AddMount(mp system.MountPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.mounts = append(h.mounts, mp)
}

// AddSubvolume injects an existing subvolume on a formatted device.
func (h *Host) AddSubvolume(device, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subvolumes[device] = append(h.subvolumes[device], name)
}

// OpenMapping injects an open encrypted mapping.
func (h *Host) OpenMapping(name, backing string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.mappings[name] = backing

	if _, ok := h.devices[system.MapperPath(name)]; !ok {
		h.devices[system.MapperPath(name)] = &device{}
	}
}

// SetFilesystem injects filesystem content on a device.
func (h *Host) SetFilesystem(path string, fs system.FilesystemInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dev, ok := h.devices[path]
	if !ok {
		dev = &device{}
		h.devices[path] = dev
	}

	dev.fs = fs
	h.syncPartition(path)
}

// Calls returns every mutation applied so far.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()

	return slices.Clone(h.calls)
}

// CallsTo returns the recorded invocations of op.
func (h *Host) CallsTo(op string) []Call {
	h.mu.Lock()
	defer h.mu.Unlock()

	var calls []Call

	for _, c := range h.calls {
		if c.Op == op {
			calls = append(calls, c)
		}
	}

	return calls
}

// Disk returns a copy of the current disk model.
func (h *Host) Disk(path string) (system.Disk, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.disks[path]
	if !ok {
		return system.Disk{}, false
	}

	c := *d
	c.Partitions = slices.Clone(d.Partitions)

	return c, true
}

// Subvolumes returns the subvolumes of a device in creation order.
func (h *Host) Subvolumes(device string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return slices.Clone(h.subvolumes[device])
}

// mutate records the call, applies fault injection and routes the call through the runner.
//
// Must be called with the lock held.
func (h *Host) mutate(ctx context.Context, op string, args ...string) error {
	h.calls = append(h.calls, Call{Op: op, Args: args})

	if err, ok := h.faults[op]; ok {
		return err
	}

	if h.runner == nil {
		return nil
	}

	return h.runner.Do(ctx, Call{Op: op, Args: args}.String(), func(context.Context) error { return nil })
}

func (h *Host) syncPartition(path string) {
	dev := h.devices[path]

	for _, d := range h.disks {
		for i := range d.Partitions {
			if d.Partitions[i].Path == path {
				d.Partitions[i].Filesystem = dev.fs.Type
				d.Partitions[i].UUID = dev.fs.UUID
			}
		}
	}
}

func (h *Host) mountedSource(source string) bool {
	for _, mp := range h.mounts {
		if mp.Source == source {
			return true
		}
	}

	return false
}

// CreatePartitionTable implements system.Ops.
func (h *Host) CreatePartitionTable(ctx context.Context, disk string, parts []system.PartitionSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.mutate(ctx, "CreatePartitionTable", disk); err != nil {
		return err
	}

	d, ok := h.disks[disk]
	if !ok {
		return fmt.Errorf("no such disk %s", disk)
	}

	for _, p := range d.Partitions {
		if h.mountedSource(p.Path) {
			return fmt.Errorf("partition %s is in use", p.Path)
		}

		delete(h.devices, p.Path)
	}

	d.Table = "gpt"
	d.Partitions = nil

	cursor := uint64(gptReserved)
	end := d.Size / system.Alignment * system.Alignment
	end -= gptReserved

	for i, spec := range parts {
		size := spec.Size

		if size == 0 {
			size = end - cursor
		}

		if cursor+size > end {
			return fmt.Errorf("partition %s does not fit on %s", spec.Label, disk)
		}

		idx := uint(i + 1)
		path := partitioning.DevName(disk, idx)

		d.Partitions = append(d.Partitions, system.Partition{
			Index:    idx,
			Path:     path,
			Start:    cursor,
			Size:     size,
			TypeGUID: spec.TypeGUID,
			Label:    spec.Label,
		})

		h.devices[path] = &device{}
		cursor += size
	}

	return nil
}

// AddPartition implements system.Ops.
func (h *Host) AddPartition(ctx context.Context, disk string, index uint, spec system.PartitionSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.mutate(ctx, "AddPartition", disk, fmt.Sprint(index), fmt.Sprint(spec.Start), fmt.Sprint(spec.Size)); err != nil {
		return err
	}

	d, ok := h.disks[disk]
	if !ok {
		return fmt.Errorf("no such disk %s", disk)
	}

	fits := false

	for _, r := range d.FreeRanges() {
		if spec.Start >= r.Start && spec.Start+spec.Size <= r.End() {
			fits = true
		}
	}

	if !fits {
		return fmt.Errorf("range %d+%d is not free on %s", spec.Start, spec.Size, disk)
	}

	for _, p := range d.Partitions {
		if p.Index == index {
			return fmt.Errorf("partition %d already exists on %s", index, disk)
		}
	}

	path := partitioning.DevName(disk, index)

	d.Partitions = append(d.Partitions, system.Partition{
		Index:    index,
		Path:     path,
		Start:    spec.Start,
		Size:     spec.Size,
		TypeGUID: spec.TypeGUID,
		Label:    spec.Label,
	})

	h.devices[path] = &device{}

	return nil
}

// WipeSignatures implements system.Ops.
func (h *Host) WipeSignatures(ctx context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.mutate(ctx, "WipeSignatures", path); err != nil {
		return err
	}

	dev, ok := h.devices[path]
	if !ok {
		return fmt.Errorf("no such device %s", path)
	}

	if h.mountedSource(path) {
		return fmt.Errorf("device %s is mounted", path)
	}

	dev.fs = system.FilesystemInfo{}
	dev.passphrase = nil
	delete(h.subvolumes, path)
	h.syncPartition(path)

	return nil
}

// Format implements system.Ops.
func (h *Host) Format(ctx context.Context, path string, fs system.Filesystem, label string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.mutate(ctx, "Format", path, string(fs), label); err != nil {
		return err
	}

	dev, ok := h.devices[path]
	if !ok {
		return fmt.Errorf("no such device %s", path)
	}

	if h.mountedSource(path) {
		return fmt.Errorf("device %s is mounted", path)
	}

	dev.fs = system.FilesystemInfo{Type: string(fs), UUID: uuid.NewString(), Label: label}
	dev.passphrase = nil
	delete(h.subvolumes, path)
	h.syncPartition(path)

	return nil
}

// LuksFormat implements system.Ops.
func (h *Host) LuksFormat(ctx context.Context, path string, passphrase []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.mutate(ctx, "LuksFormat", path); err != nil {
		return err
	}

	dev, ok := h.devices[path]
	if !ok {
		return fmt.Errorf("no such device %s", path)
	}

	dev.fs = system.FilesystemInfo{Type: luksType, UUID: uuid.NewString()}
	dev.passphrase = slices.Clone(passphrase)
	h.syncPartition(path)

	return nil
}

// LuksOpen implements system.Ops.
func (h *Host) LuksOpen(ctx context.Context, path, name string, passphrase []byte) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.mutate(ctx, "LuksOpen", path, name); err != nil {
		return "", err
	}

	dev, ok := h.devices[path]
	if !ok || dev.fs.Type != luksType {
		return "", fmt.Errorf("%s is not a LUKS device", path)
	}

	if string(dev.passphrase) != string(passphrase) {
		return "", fmt.Errorf("no key available with this passphrase for %s", path)
	}

	h.mappings[name] = path
	h.devices[system.MapperPath(name)] = &device{}

	return system.MapperPath(name), nil
}

// LuksClose implements system.Ops.
func (h *Host) LuksClose(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.mutate(ctx, "LuksClose", name); err != nil {
		return err
	}

	if h.mountedSource(system.MapperPath(name)) {
		return fmt.Errorf("mapping %s is in use", name)
	}

	delete(h.mappings, name)

	return nil
}

// Mount implements system.Ops.
func (h *Host) Mount(ctx context.Context, source, target string, fs system.Filesystem, options []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.mutate(ctx, "Mount", source, target, strings.Join(options, ",")); err != nil {
		return err
	}

	dev, ok := h.devices[source]
	if !ok {
		return fmt.Errorf("no such device %s", source)
	}

	if dev.fs.Type != string(fs) {
		return fmt.Errorf("wrong fs type on %s: %q", source, dev.fs.Type)
	}

	for _, mp := range h.mounts {
		if mp.Target == target {
			return fmt.Errorf("%s is already mounted", target)
		}
	}

	mp := system.MountPoint{Source: source, Target: target, FSType: string(fs), Options: slices.Clone(options)}

	if subvol, ok := mp.Option("subvol"); ok {
		if !slices.Contains(h.subvolumes[source], strings.TrimPrefix(subvol, "/")) {
			return fmt.Errorf("subvolume %s does not exist on %s", subvol, source)
		}
	}

	h.mounts = append(h.mounts, mp)

	return nil
}

// Unmount implements system.Ops.
func (h *Host) Unmount(ctx context.Context, target string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.mutate(ctx, "Unmount", target); err != nil {
		return err
	}

	idx := -1

	for i, mp := range h.mounts {
		if mp.Target == target {
			idx = i
		}

		if strings.HasPrefix(mp.Target, target+"/") {
			return fmt.Errorf("%s is busy: %s is mounted below", target, mp.Target)
		}
	}

	if idx < 0 {
		return fmt.Errorf("%s is not mounted", target)
	}

	h.mounts = slices.Delete(h.mounts, idx, idx+1)

	return nil
}

// topLevel returns the top-level btrfs mount containing path and the subvolume name.
func (h *Host) topLevel(path string) (system.MountPoint, string, error) {
	for _, mp := range h.mounts {
		if filepath.Dir(path) != mp.Target {
			continue
		}

		if mp.FSType != string(system.FilesystemBtrfs) {
			return mp, "", fmt.Errorf("%s is not a btrfs filesystem", mp.Target)
		}

		if _, ok := mp.Option("subvol"); ok && !slices.Contains(mp.Options, topLevelMount) {
			return mp, "", fmt.Errorf("%s is not the top-level subvolume", mp.Target)
		}

		return mp, filepath.Base(path), nil
	}

	return system.MountPoint{}, "", fmt.Errorf("no btrfs filesystem mounted for %s", path)
}

// CreateSubvolume implements system.Ops.
func (h *Host) CreateSubvolume(ctx context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.mutate(ctx, "CreateSubvolume", path); err != nil {
		return err
	}

	mp, name, err := h.topLevel(path)
	if err != nil {
		return err
	}

	if slices.Contains(h.subvolumes[mp.Source], name) {
		return fmt.Errorf("subvolume %s already exists", path)
	}

	h.subvolumes[mp.Source] = append(h.subvolumes[mp.Source], name)

	return nil
}

// DeleteSubvolume implements system.Ops.
func (h *Host) DeleteSubvolume(ctx context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.mutate(ctx, "DeleteSubvolume", path); err != nil {
		return err
	}

	mp, name, err := h.topLevel(path)
	if err != nil {
		return err
	}

	idx := slices.Index(h.subvolumes[mp.Source], name)
	if idx < 0 {
		return fmt.Errorf("subvolume %s does not exist", path)
	}

	h.subvolumes[mp.Source] = slices.Delete(h.subvolumes[mp.Source], idx, idx+1)

	return nil
}

// ProbeDisk implements system.Inspector.
func (h *Host) ProbeDisk(_ context.Context, disk string) (*system.Disk, error) {
	d, ok := h.Disk(disk)
	if !ok {
		return nil, fmt.Errorf("failed to probe %s: no such device", disk)
	}

	return &d, nil
}

// ProbeFilesystem implements system.Inspector.
func (h *Host) ProbeFilesystem(_ context.Context, path string) (system.FilesystemInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d, ok := h.disks[path]; ok {
		return system.FilesystemInfo{Type: d.Table}, nil
	}

	dev, ok := h.devices[path]
	if !ok {
		return system.FilesystemInfo{}, fmt.Errorf("failed to probe %s: no such device", path)
	}

	return dev.fs, nil
}

// IsBlockDevice implements system.Inspector.
func (h *Host) IsBlockDevice(path string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hidden[path] > 0 {
		return false, nil
	}

	if _, ok := h.disks[path]; ok {
		return true, nil
	}

	if strings.HasPrefix(path, "/dev/mapper/") {
		_, ok := h.mappings[strings.TrimPrefix(path, "/dev/mapper/")]

		return ok, nil
	}

	_, ok := h.devices[path]

	return ok, nil
}

// RereadPartitions implements system.Inspector.
func (h *Host) RereadPartitions(_ context.Context, disk string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, Call{Op: "RereadPartitions", Args: []string{disk}})

	for path, n := range h.hidden {
		if n > 0 {
			h.hidden[path] = n - 1
		}
	}

	return nil
}

// Settle implements system.Inspector.
func (h *Host) Settle(context.Context) error {
	return nil
}

// Mounts implements system.Inspector.
func (h *Host) Mounts(root string) ([]system.MountPoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var mounts []system.MountPoint

	for _, mp := range h.mounts {
		if mp.Target == root || strings.HasPrefix(mp.Target, strings.TrimSuffix(root, "/")+"/") {
			mounts = append(mounts, mp)
		}
	}

	return mounts, nil
}

// MappingOpen implements system.Inspector.
func (h *Host) MappingOpen(_ context.Context, name string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.mappings[name]

	return ok, nil
}

// ListSubvolumes implements system.Inspector.
func (h *Host) ListSubvolumes(_ context.Context, mountpoint string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, mp := range h.mounts {
		if mp.Target == mountpoint {
			return slices.Clone(h.subvolumes[mp.Source]), nil
		}
	}

	return nil, fmt.Errorf("%s is not mounted", mountpoint)
}

// CheckWritable implements system.Inspector.
func (h *Host) CheckWritable(dir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.readOnly[dir]; ok {
		return fmt.Errorf("%s is not writable: read-only file system", dir)
	}

	return nil
}

// GenerateHardwareConfig implements hwconfig.Generator from the simulated mount table.
func (h *Host) GenerateHardwareConfig(_ context.Context, root string) ([]byte, error) {
	mounts, err := h.Mounts(root)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err, ok := h.faults["GenerateHardwareConfig"]; ok {
		return nil, err
	}

	fileSystems, err := hwconfig.LiveFileSystems(root, mounts, func(path string) (string, error) {
		dev, ok := h.devices[path]
		if !ok {
			return "", fmt.Errorf("no such device %s", path)
		}

		return dev.fs.UUID, nil
	})
	if err != nil {
		return nil, err
	}

	facts := hwconfig.Facts{FileSystems: fileSystems}

	for name, backing := range h.mappings {
		if dev, ok := h.devices[backing]; ok {
			facts.LuksDevices = append(facts.LuksDevices, hwconfig.LuksDevice{Name: name, UUID: dev.fs.UUID})
		}
	}

	h.generations++

	content := hwconfig.Render(facts)

	if h.descriptorHook != nil {
		content = h.descriptorHook(h.generations, content)
	}

	return content, nil
}

var _ system.Host = (*Host)(nil)
