// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package installer

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/bootstrap"
	"github.com/siderolabs/nixinstall/internal/pkg/cleanup"
	"github.com/siderolabs/nixinstall/internal/pkg/encryption"
	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/filesystem"
	"github.com/siderolabs/nixinstall/internal/pkg/hwconfig"
	"github.com/siderolabs/nixinstall/internal/pkg/partition"
	"github.com/siderolabs/nixinstall/internal/pkg/request"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
	"github.com/siderolabs/nixinstall/internal/pkg/system/simulated"
	"github.com/siderolabs/nixinstall/internal/pkg/verify"
	"github.com/siderolabs/nixinstall/pkg/logging"
)

// ConfigDir is the configuration directory of the installed system, relative to the mount root.
const ConfigDir = "etc/nixos"

// DescriptorPath is where the hardware descriptor of machine is written.
func DescriptorPath(mountRoot, machine string) string {
	return filepath.Join(mountRoot, ConfigDir, "hosts", machine, "hardware-configuration.nix")
}

func (i *Installer) validate(ctx context.Context) error {
	if err := request.Check(i.opts.Input); err != nil {
		return err
	}

	if i.opts.Prober == nil {
		return nil
	}

	reqs := i.opts.Requirements
	if i.opts.Input.DryRun {
		reqs.Root = false
	}

	report, err := i.opts.Prober.Probe(ctx, reqs)
	if err != nil {
		return fmt.Errorf("failed to probe the environment: %w", err)
	}

	i.logger.Debug("environment probed",
		zap.Int("euid", report.EUID),
		zap.Bool("uefi", report.UEFI),
		zap.Bool("online", report.Online),
		zap.Uint64("memory_available", report.MemoryAvailable),
	)

	return report.Check(reqs)
}

func (i *Installer) ensureTools(ctx context.Context) error {
	if i.opts.Bootstrapper != nil {
		if err := i.opts.Bootstrapper.Ensure(bootstrap.RequiredTools, i.opts.Args); err != nil {
			return err
		}
	}

	if i.opts.Keepalive != nil {
		i.opts.Keepalive.Start(ctx)
		i.keepaliveStarted = true
	}

	return nil
}

func (i *Installer) fetchConfig(ctx context.Context) error {
	if err := i.resolver.SelectRepository(ctx); err != nil {
		return err
	}

	in := i.resolver.Input()

	src, err := i.config.Fetch(ctx, in.Repo, in.Branch, i.opts.WorkDir)
	if err != nil {
		return err
	}

	i.source = src

	return nil
}

func (i *Installer) discoverMachines(ctx context.Context) error {
	machines, err := i.config.Machines(ctx, i.source)
	if err != nil {
		return err
	}

	if len(machines) == 0 {
		return failure.Validationf("no installable machines found in %s", i.source.Dir)
	}

	i.logger.Info("discovered machines", zap.Strings("machines", machines))

	i.machines = machines

	return nil
}

func (i *Installer) selectMachine(ctx context.Context) error {
	return i.resolver.SelectMachine(ctx, i.machines)
}

func (i *Installer) selectDisk(ctx context.Context) error {
	if err := i.resolver.SelectDisk(ctx); err != nil {
		return err
	}

	req, err := i.resolver.Resolve()
	if err != nil {
		return err
	}

	i.req = req

	i.logger.Info("installation request", zap.Stringer("request", req))

	if req.Encrypt {
		if i.passphrase, err = request.ReadPassphrase(ctx, req.Passphrase, i.opts.Prompter); err != nil {
			return err
		}
	}

	return i.selectHost(ctx)
}

// selectHost picks the host the primitives run against.
//
// A dry run works on a simulated copy of the target, seeded from the real host.
func (i *Installer) selectHost(ctx context.Context) error {
	i.host = i.opts.Host
	i.generator = i.opts.Generator

	if i.req.DryRun {
		var devices []string

		for _, device := range []string{i.req.Manual.ESP, i.req.Manual.Root, i.req.Manual.Home} {
			if device != "" {
				devices = append(devices, device)
			}
		}

		host, err := simulated.Snapshot(ctx, i.opts.Host, simulated.Scope{
			Disk:      i.req.Disk,
			Devices:   devices,
			MountRoot: i.req.MountRoot,
			Mappings:  []string{encryption.MappingName},
		}, simulated.WithRunner(i.runner))
		if err != nil {
			return fmt.Errorf("failed to inspect the target: %w", err)
		}

		i.host = host

		if i.generator == nil {
			i.generator = host
		}
	}

	if i.generator == nil {
		i.generator = i.builder
	}

	logger := i.logger.With(logging.Component("partition"))

	i.engine = partition.NewEngine(i.host, logger, partition.NewBackuper(i.host, i.runner, logger, i.opts.BackupDir), i.opts.PollOptions)

	return nil
}

func (i *Installer) cleanupTarget(ctx context.Context) error {
	plan, err := i.engine.Plan(ctx, i.req)
	if err != nil {
		return err
	}

	i.plan = plan

	var opts []cleanup.Option

	if !i.req.NonInteractive && !i.req.AssumeYes && i.opts.Prompter != nil {
		opts = append(opts, cleanup.WithConfirmer(i.opts.Prompter))
	}

	target := cleanup.Target{
		MountRoot: i.req.MountRoot,
		Root:      plan.Root,
		Devices:   plan.Targets,
	}

	if plan.Disk != nil {
		target.Disk = plan.Disk.Path
	}

	if _, err = cleanup.NewManager(i.host, i.logger.With(logging.Component("cleanup")), opts...).Run(ctx, target); err != nil {
		return err
	}

	i.mutating = true

	return nil
}

func (i *Installer) applyPartitions(ctx context.Context) error {
	layout, err := i.engine.Apply(ctx, i.plan)
	if err != nil {
		return err
	}

	i.layout = layout

	return nil
}

func (i *Installer) createFilesystems(ctx context.Context) error {
	logger := i.logger.With(logging.Component("filesystem"))

	opts := filesystem.Options{
		Filesystem: i.req.Filesystem,
		MountRoot:  i.req.MountRoot,
	}

	if i.req.Encrypt {
		opts.Encryption = encryption.NewHandler(i.host, logger, i.passphrase, i.opts.PollOptions)
	}

	result, err := filesystem.NewEngine(i.host, logger).Create(ctx, i.layout, opts)
	if err != nil {
		return err
	}

	i.result = result

	return nil
}

func (i *Installer) configDir() string {
	return filepath.Join(i.req.MountRoot, ConfigDir)
}

// resolveUsers stages the configuration on the target and resolves the users of the machine.
func (i *Installer) resolveUsers(ctx context.Context) error {
	dst := i.configDir()

	if err := i.config.Stage(ctx, i.source, dst); err != nil {
		return err
	}

	var err error

	i.overridePath, err = i.config.WriteOverride(ctx, dst, i.req.Machine)
	if err != nil {
		return err
	}

	if i.users, err = i.builder.Users(ctx, i.source.Flake(), i.req.Machine); err != nil {
		return err
	}

	i.logger.Info("resolved users", zap.String("machine", i.req.Machine), zap.Strings("users", i.users))

	return nil
}

func (i *Installer) buildValidate(ctx context.Context) error {
	if err := i.builder.Evaluate(ctx, i.source.Flake(), i.req.Machine); err != nil {
		return err
	}

	return i.builder.DryBuild(ctx, i.source.Flake(), i.req.Machine)
}

func (i *Installer) hardwareDescriptor(ctx context.Context) error {
	root := i.req.MountRoot

	mounts, err := i.host.Mounts(root)
	if err != nil {
		return err
	}

	fileSystems, err := hwconfig.LiveFileSystems(root, mounts, func(device string) (string, error) {
		info, err := i.host.ProbeFilesystem(ctx, device)

		return info.UUID, err
	})
	if err != nil {
		return err
	}

	descriptor, err := hwconfig.NewRepairer(i.generator, i.runner, i.logger.With(logging.Component("hwconfig"))).
		Ensure(ctx, root, DescriptorPath(root, i.req.Machine), hwconfig.ExpectationFor(fileSystems))
	if err != nil {
		return err
	}

	i.descriptor = descriptor

	i.logger.Info("hardware descriptor written",
		zap.String("path", descriptor.Path),
		zap.Bool("repaired", descriptor.Repaired),
		zap.String("root_uuid", descriptor.Facts.RootUUID()),
	)

	return nil
}

func (i *Installer) install(ctx context.Context) error {
	return i.builder.Install(ctx, i.req.MountRoot, "path:"+i.configDir(), i.req.Machine)
}

func (i *Installer) postValidate(ctx context.Context) error {
	if i.req.DryRun {
		i.logger.Info("dry run: skipping post-install validation")

		return nil
	}

	report, err := verify.NewValidator(i.host, i.logger.With(logging.Component("verify"))).Validate(ctx, verify.Target{
		Root:       i.req.MountRoot,
		RootDevice: i.result.RootDevice,
		ESP:        i.layout.ESP,
		Points:     i.result.Points,
		Descriptor: i.descriptor.Facts,
		Boot:       i.opts.BootFS(filepath.Join(i.req.MountRoot, "boot")),
	})
	if err != nil {
		return err
	}

	i.boot = report

	return nil
}

// teardown releases everything the run holds; it runs once.
//
// The override file is removed before the target is unmounted, as it lives on the target.
func (i *Installer) teardown(ctx context.Context) error {
	i.teardownOnce.Do(func() {
		ctx = context.WithoutCancel(ctx)

		if i.keepaliveStarted {
			i.opts.Keepalive.Stop()
		}

		var errs error

		if i.overridePath != "" {
			errs = failure.Append(errs, i.config.RemoveOverride(ctx, i.overridePath))
		}

		if i.mutating {
			errs = failure.Append(errs, i.unmountAll(ctx))
			errs = failure.Append(errs, encryption.Close(ctx, i.host, i.logger, encryption.MappingName))
		}

		i.teardownErr = errs
	})

	return i.teardownErr
}

func (i *Installer) unmountAll(ctx context.Context) error {
	mounts, err := i.host.Mounts(i.req.MountRoot)
	if err != nil {
		return err
	}

	var errs error

	for _, mp := range system.SortDeepestFirst(mounts) {
		if err = i.host.Unmount(ctx, mp.Target); err != nil {
			errs = failure.Append(errs, fmt.Errorf("failed to unmount %s: %w", mp.Target, err))
		}
	}

	return errs
}
