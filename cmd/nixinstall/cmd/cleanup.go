// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/cleanup"
	"github.com/siderolabs/nixinstall/internal/pkg/encryption"
	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/partition"
	"github.com/siderolabs/nixinstall/internal/pkg/request"
	"github.com/siderolabs/nixinstall/internal/pkg/runner"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
	"github.com/siderolabs/nixinstall/internal/pkg/system/simulated"
	"github.com/siderolabs/nixinstall/pkg/logging"
)

type cleanupOptions struct {
	disk      string
	root      string
	home      string
	mountRoot string
	dryRun    bool
	yes       bool
}

var cleanupCmdFlags cleanupOptions

// cleanupCmd represents the cleanup command.
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove the leftovers of an interrupted installation",
	Long: `Cleanup unmounts everything below the mount root, deletes the btrfs subvolumes
of the root partition, closes the encrypted mapping and wipes the signatures of
the root and home partitions.

Without --root the partition labelled "` + partition.RootLabel + `" on --disk is cleaned up.
Other partitions of the disk are never touched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, _, closeLog, err := newLogger(rootCmdFlags.logFile)
		if err != nil {
			return err
		}

		defer closeLog() //nolint:errcheck

		r := runner.New(logger.With(logging.Component("runner")), runner.WithDryRun(cleanupCmdFlags.dryRun))

		var host system.Host = system.NewLinux(r, logger.With(logging.Component("system")))

		target, err := cleanupTarget(cmd.Context(), host, cleanupCmdFlags)
		if err != nil {
			return err
		}

		if cleanupCmdFlags.dryRun {
			if host, err = simulated.Snapshot(cmd.Context(), host, simulated.Scope{
				Disk:      target.Disk,
				Devices:   target.Devices,
				MountRoot: target.MountRoot,
				Mappings:  []string{encryption.MappingName},
			}, simulated.WithRunner(r)); err != nil {
				return err
			}
		}

		var opts []cleanup.Option

		if !cleanupCmdFlags.yes {
			opts = append(opts, cleanup.WithConfirmer(request.NewTerminal()))
		}

		// an interrupt does not cut the cleanup short, it is reported once it is done
		evidence, err := cleanup.NewManager(host, logger.With(logging.Component("cleanup")), opts...).Run(context.WithoutCancel(cmd.Context()), target)
		if err != nil {
			return err
		}

		if cmd.Context().Err() != nil {
			return failure.ErrInterrupted
		}

		logger.Info("cleanup finished", zap.Stringer("removed", evidence), zap.Strings("skipped", r.Skipped()))

		return nil
	},
}

// cleanupTarget builds the target from the flags, looking up the root partition by label when needed.
func cleanupTarget(ctx context.Context, host system.Inspector, opts cleanupOptions) (cleanup.Target, error) {
	if opts.mountRoot == "" {
		return cleanup.Target{}, &failure.ValidationError{Message: "missing mandatory fields", Fields: []string{"mount-root"}}
	}

	if err := request.CheckPaths(request.Input{
		Disk:      opts.disk,
		Root:      opts.root,
		Home:      opts.home,
		MountRoot: opts.mountRoot,
	}); err != nil {
		return cleanup.Target{}, err
	}

	target := cleanup.Target{
		MountRoot: filepath.Clean(opts.mountRoot),
		Disk:      opts.disk,
		Root:      opts.root,
	}

	if target.Root == "" && target.Disk != "" {
		disk, err := host.ProbeDisk(ctx, target.Disk)
		if err != nil {
			return target, err
		}

		if root, ok := disk.FindByLabel(partition.RootLabel); ok {
			target.Root = root.Path
		}
	}

	if target.Root == "" {
		return target, &failure.ValidationError{Message: "no root partition to clean up, set one of", Fields: []string{"root", "disk"}}
	}

	target.Devices = append(target.Devices, target.Root)

	if opts.home != "" {
		target.Devices = append(target.Devices, opts.home)
	}

	return target, nil
}

func init() {
	flags := cleanupCmd.Flags()

	flags.StringVar(&cleanupCmdFlags.disk, "disk", "", "disk holding the root partition")
	flags.StringVar(&cleanupCmdFlags.root, "root", "", "root partition to clean up")
	flags.StringVar(&cleanupCmdFlags.home, "home", "", "home partition to clean up")
	flags.StringVar(&cleanupCmdFlags.mountRoot, "mount-root", request.DefaultMountRoot, "where the target was mounted")
	flags.BoolVar(&cleanupCmdFlags.dryRun, "dry-run", false, "log destructive operations instead of running them")
	flags.BoolVarP(&cleanupCmdFlags.yes, "yes", "y", false, "do not ask before removing anything")

	rootCmd.AddCommand(cleanupCmd)
}
