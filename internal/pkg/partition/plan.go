// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package partition implements the partitioning strategies of the installer.
//
// A Plan is computed from read-only inspection first, so that every
// precondition fails before anything on the disk is changed.
package partition

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/siderolabs/go-blockdevice/v2/partitioning"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/request"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

// Partition labels and sizes.
const (
	ESPLabel  = "ESP"
	RootLabel = "nixos"

	ESPSize     = 512 * humanize.MiByte
	MinRootSize = 4 * humanize.GiByte
)

// Plan is the partitioning to apply.
type Plan struct {
	Mode request.Mode
	// Disk is the probed target disk; nil in manual mode without a disk.
	Disk *system.Disk

	ESP  string
	Root string
	Home string

	// CreateTable replaces the partition table (fresh).
	CreateTable bool
	// CreateRoot adds the root partition in RootRange (dual-boot).
	CreateRoot bool
	RootIndex  uint
	RootRange  system.Range
	// ReuseRoot is set when a root partition of a prior attempt is reused.
	ReuseRoot bool
	// FormatESP is false when an existing ESP is shared.
	FormatESP bool

	// Targets are the existing partitions which will be reformatted.
	Targets []string
}

// Rotational reports whether the target disk is a rotational device.
func (p *Plan) Rotational() bool {
	return p.Disk != nil && p.Disk.Rotational
}

// Plan validates the request against the current disk state.
func (e *Engine) Plan(ctx context.Context, req request.Request) (*Plan, error) {
	switch req.Mode {
	case request.ModeFresh:
		return e.planFresh(ctx, req)
	case request.ModeDualBoot:
		return e.planDualBoot(ctx, req)
	case request.ModeManual:
		return e.planManual(ctx, req)
	default:
		return nil, failure.Validationf("unsupported mode %q", req.Mode)
	}
}

func (e *Engine) probeDisk(ctx context.Context, disk string) (*system.Disk, error) {
	ok, err := e.host.IsBlockDevice(disk)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, failure.Preconditionf(failure.ReasonNotBlockDevice, "%s is not a block device", disk)
	}

	return e.host.ProbeDisk(ctx, disk)
}

func (e *Engine) planFresh(ctx context.Context, req request.Request) (*Plan, error) {
	if !req.ConfirmsErase() {
		return nil, failure.Preconditionf(failure.ReasonNotConfirmed,
			"erasing %s requires the confirmation token %q", req.Disk, request.EraseToken(req.Disk))
	}

	d, err := e.probeDisk(ctx, req.Disk)
	if err != nil {
		return nil, err
	}

	if d.Size < ESPSize+MinRootSize+2*system.Alignment {
		return nil, failure.Preconditionf(failure.ReasonInsufficientSpace,
			"%s is %s, at least %s required", d.Path, humanize.IBytes(d.Size), humanize.IBytes(ESPSize+MinRootSize))
	}

	plan := &Plan{
		Mode:        request.ModeFresh,
		Disk:        d,
		ESP:         partitioning.DevName(d.Path, 1),
		Root:        partitioning.DevName(d.Path, 2),
		CreateTable: true,
		FormatESP:   true,
	}

	for _, path := range []string{plan.ESP, plan.Root} {
		if _, ok := d.FindByPath(path); ok {
			plan.Targets = append(plan.Targets, path)
		}
	}

	return plan, nil
}

func (e *Engine) planDualBoot(ctx context.Context, req request.Request) (*Plan, error) {
	d, err := e.probeDisk(ctx, req.Disk)
	if err != nil {
		return nil, err
	}

	esp, ok := d.FindESP()
	if !ok {
		return nil, failure.Preconditionf(failure.ReasonNoEspFound, "no EFI system partition on %s", d.Path)
	}

	espFS, err := e.host.ProbeFilesystem(ctx, esp.Path)
	if err != nil {
		return nil, err
	}

	if espFS.Type != string(system.FilesystemVFAT) {
		return nil, failure.Preconditionf(failure.ReasonNoEspFound, "EFI system partition %s has no FAT filesystem", esp.Path)
	}

	plan := &Plan{
		Mode: request.ModeDualBoot,
		Disk: d,
		ESP:  esp.Path,
	}

	if root, ok := d.FindByLabel(RootLabel); ok && !root.IsESP() {
		plan.Root = root.Path
		plan.ReuseRoot = true
		plan.Targets = []string{root.Path}

		return plan, nil
	}

	free, ok := d.LargestFreeRange()

	switch {
	case !ok:
		return nil, failure.Preconditionf(failure.ReasonInsufficientSpace, "no free space on %s", d.Path)
	case req.RootSize > d.Size:
		return nil, failure.Preconditionf(failure.ReasonInsufficientSpace,
			"requested %s exceeds the size of %s (%s)", humanize.IBytes(req.RootSize), d.Path, humanize.IBytes(d.Size))
	case req.RootSize > free.Size:
		return nil, failure.Preconditionf(failure.ReasonInsufficientSpace,
			"requested %s, largest free range on %s is %s", humanize.IBytes(req.RootSize), d.Path, humanize.IBytes(free.Size))
	}

	plan.CreateRoot = true
	plan.RootIndex = d.NextIndex()
	plan.RootRange = system.Range{Start: free.Start, Size: req.RootSize}
	plan.Root = partitioning.DevName(d.Path, plan.RootIndex)

	return plan, nil
}

func (e *Engine) planManual(ctx context.Context, req request.Request) (*Plan, error) {
	plan := &Plan{
		Mode: request.ModeManual,
		ESP:  req.Manual.ESP,
		Root: req.Manual.Root,
		Home: req.Manual.Home,
	}

	seen := map[string]string{}

	for _, part := range []struct{ name, path string }{{"esp", plan.ESP}, {"root", plan.Root}, {"home", plan.Home}} {
		if part.path == "" {
			continue
		}

		if other, ok := seen[part.path]; ok {
			return nil, failure.Validationf("%s and %s are the same device %s", other, part.name, part.path)
		}

		seen[part.path] = part.name

		ok, err := e.host.IsBlockDevice(part.path)
		if err != nil {
			return nil, err
		}

		if !ok {
			return nil, failure.Preconditionf(failure.ReasonNotBlockDevice, "%s partition %s is not a block device", part.name, part.path)
		}

		fs, err := e.host.ProbeFilesystem(ctx, part.path)
		if err != nil {
			return nil, err
		}

		switch {
		case isPartitionTable(fs.Type):
			return nil, failure.Preconditionf(failure.ReasonNotBlockDevice, "%s partition %s carries its own partition table", part.name, part.path)
		case part.name == "esp":
			plan.FormatESP = fs.Type == ""

			if !plan.FormatESP && fs.Type != string(system.FilesystemVFAT) {
				return nil, failure.Preconditionf(failure.ReasonNoEspFound, "ESP %s has a %s filesystem", part.path, fs.Type)
			}
		default:
			plan.Targets = append(plan.Targets, part.path)
		}
	}

	if req.Disk != "" {
		d, err := e.probeDisk(ctx, req.Disk)
		if err != nil {
			return nil, err
		}

		plan.Disk = d
	}

	return plan, nil
}

func isPartitionTable(name string) bool {
	switch name {
	case "gpt", "dos", "PMBR":
		return true
	default:
		return false
	}
}

func (p *Plan) String() string {
	switch {
	case p.CreateTable:
		return fmt.Sprintf("new GPT on %s: ESP %s, root %s", p.Disk.Path, p.ESP, p.Root)
	case p.CreateRoot:
		return fmt.Sprintf("new root partition %s (%s) next to ESP %s", p.Root, humanize.IBytes(p.RootRange.Size), p.ESP)
	case p.ReuseRoot:
		return fmt.Sprintf("reusing root partition %s next to ESP %s", p.Root, p.ESP)
	default:
		return fmt.Sprintf("existing partitions: ESP %s, root %s", p.ESP, p.Root)
	}
}
