// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/poll"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

// ESPBackup archives the content of an ESP before the disk is changed.
type ESPBackup interface {
	Backup(ctx context.Context, esp string) (string, error)
}

// Layout is the result of partitioning: the devices to format and mount.
type Layout struct {
	ESP        string
	Root       string
	Home       string
	FormatESP  bool
	Rotational bool
	// Backup is the ESP archive written before a dual-boot change.
	Backup string
}

// Engine applies partitioning plans.
type Engine struct {
	host     system.Host
	logger   *zap.Logger
	backup   ESPBackup
	pollOpts poll.Options
}

// NewEngine creates an Engine.
func NewEngine(host system.Host, logger *zap.Logger, backup ESPBackup, pollOpts poll.Options) *Engine {
	return &Engine{
		host:     host,
		logger:   logger,
		backup:   backup,
		pollOpts: pollOpts,
	}
}

// Apply changes the disk according to the plan and waits for the device nodes.
func (e *Engine) Apply(ctx context.Context, plan *Plan) (*Layout, error) {
	layout := &Layout{
		ESP:        plan.ESP,
		Root:       plan.Root,
		Home:       plan.Home,
		FormatESP:  plan.FormatESP,
		Rotational: plan.Rotational(),
	}

	e.logger.Info("partitioning", zap.Stringer("plan", plan))

	switch {
	case plan.CreateTable:
		if err := e.host.CreatePartitionTable(ctx, plan.Disk.Path, []system.PartitionSpec{
			{Label: ESPLabel, TypeGUID: system.TypeEFISystem, Size: ESPSize},
			{Label: RootLabel, TypeGUID: system.TypeLinuxFilesystem},
		}); err != nil {
			return nil, fmt.Errorf("failed to create partition table on %s: %w", plan.Disk.Path, err)
		}
	case plan.CreateRoot:
		if e.backup != nil {
			archive, err := e.backup.Backup(ctx, plan.ESP)
			if err != nil {
				return nil, fmt.Errorf("failed to back up ESP %s: %w", plan.ESP, err)
			}

			layout.Backup = archive
		}

		if err := e.host.AddPartition(ctx, plan.Disk.Path, plan.RootIndex, system.PartitionSpec{
			Label:    RootLabel,
			TypeGUID: system.TypeLinuxFilesystem,
			Start:    plan.RootRange.Start,
			Size:     plan.RootRange.Size,
		}); err != nil {
			return nil, fmt.Errorf("failed to create root partition on %s: %w", plan.Disk.Path, err)
		}
	default:
		return layout, nil
	}

	devices := []string{layout.ESP, layout.Root}

	if err := e.WaitDevices(ctx, plan.Disk.Path, devices); err != nil {
		return nil, err
	}

	return layout, nil
}

// WaitDevices re-reads the partition table of disk and polls for the device nodes.
//
// When the devices do not appear in time, the partition table is re-read once more.
func (e *Engine) WaitDevices(ctx context.Context, disk string, devices []string) error {
	err := e.refreshAndPoll(ctx, disk, devices)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil || errors.Is(err, failure.ErrInterrupted) {
		return err
	}

	e.logger.Warn("device nodes did not appear, re-reading partition table", zap.Strings("devices", devices), zap.Error(err))

	if err = e.refreshAndPoll(ctx, disk, devices); err != nil {
		if ctx.Err() != nil || errors.Is(err, failure.ErrInterrupted) {
			return err
		}

		return &failure.DeviceNotReadyError{Devices: devices, Err: err}
	}

	return nil
}

func (e *Engine) refreshAndPoll(ctx context.Context, disk string, devices []string) error {
	if err := e.host.RereadPartitions(ctx, disk); err != nil {
		return err
	}

	if err := e.host.Settle(ctx); err != nil {
		return err
	}

	return poll.Until(ctx, e.pollOpts, strings.Join(devices, ", "), func(context.Context) (bool, error) {
		for _, dev := range devices {
			ok, err := e.host.IsBlockDevice(dev)
			if err != nil || !ok {
				return false, err
			}
		}

		return true, nil
	})
}
