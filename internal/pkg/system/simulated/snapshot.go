// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package simulated

import (
	"context"
	"fmt"

	"github.com/siderolabs/nixinstall/internal/pkg/system"
)

// Scope is the part of a real host a snapshot covers.
type Scope struct {
	// Disk is probed with its partitions; it may be empty.
	Disk string
	// Devices are block devices outside of Disk.
	Devices   []string
	MountRoot string
	Mappings  []string
}

// Snapshot seeds a Host with the state of scope as the inspector sees it.
//
// Only read-only inspection is performed on the real host.
func Snapshot(ctx context.Context, inspector system.Inspector, scope Scope, opts ...Option) (*Host, error) {
	h := New(opts...)

	if scope.Disk != "" {
		d, err := inspector.ProbeDisk(ctx, scope.Disk)
		if err != nil {
			return nil, err
		}

		h.addDisk(*d)
	}

	for _, device := range scope.Devices {
		if known, _ := h.IsBlockDevice(device); known {
			continue
		}

		exists, err := inspector.IsBlockDevice(device)
		if err != nil {
			return nil, err
		}

		if !exists {
			continue
		}

		fs, err := inspector.ProbeFilesystem(ctx, device)
		if err != nil {
			return nil, fmt.Errorf("failed to probe %s: %w", device, err)
		}

		h.SetFilesystem(device, fs)
	}

	for _, name := range scope.Mappings {
		open, err := inspector.MappingOpen(ctx, name)
		if err != nil {
			return nil, err
		}

		if !open {
			continue
		}

		h.OpenMapping(name, "")

		fs, err := inspector.ProbeFilesystem(ctx, system.MapperPath(name))
		if err != nil {
			return nil, fmt.Errorf("failed to probe mapping %s: %w", name, err)
		}

		h.SetFilesystem(system.MapperPath(name), fs)
	}

	mounts, err := inspector.Mounts(scope.MountRoot)
	if err != nil {
		return nil, err
	}

	for _, mp := range mounts {
		h.AddMount(mp)
	}

	return h, nil
}
