// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexflint/go-filemutex"
	"github.com/siderolabs/go-pointer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/bootstrap"
	"github.com/siderolabs/nixinstall/internal/pkg/environment"
	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/installer"
	"github.com/siderolabs/nixinstall/internal/pkg/poll"
	"github.com/siderolabs/nixinstall/internal/pkg/privilege"
	"github.com/siderolabs/nixinstall/internal/pkg/request"
	"github.com/siderolabs/nixinstall/internal/pkg/runner"
	"github.com/siderolabs/nixinstall/internal/pkg/system"
	"github.com/siderolabs/nixinstall/pkg/logging"
)

var installCmdFlags struct {
	input   request.Input
	encrypt bool
}

// installCmd represents the install command.
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a machine of the configuration repository onto a disk",
	Long: `Install runs the full installation: it fetches the configuration repository,
partitions the target, creates the filesystems, validates the build, writes the
hardware descriptor and runs nixos-install.

Missing values are prompted for unless --non-interactive is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		in := installCmdFlags.input

		if cmd.Flags().Changed("encrypt") {
			in.Encrypt = pointer.To(installCmdFlags.encrypt)
		}

		logger, logPath, closeLog, err := newLogger(rootCmdFlags.logFile)
		if err != nil {
			return err
		}

		defer closeLog() //nolint:errcheck

		logger.Info("nixinstall starting", zap.String("log", logPath), zap.Bool("dry_run", in.DryRun))

		r := runner.New(logger.With(logging.Component("runner")), runner.WithDryRun(in.DryRun))

		opts := installer.Options{
			Input:        in,
			Host:         system.NewLinux(r, logger.With(logging.Component("system"))),
			Runner:       r,
			Logger:       logger,
			LogPath:      logPath,
			Output:       cmd.ErrOrStderr(),
			Prober:       environment.NewProber(),
			Requirements: environment.DefaultRequirements(),
			Bootstrapper: bootstrap.New(logger.With(logging.Component("bootstrap"))),
			Args:         commandArgs(os.Args),
			WorkDir:      filepath.Join(os.TempDir(), "nixinstall"),
			PollOptions:  poll.DefaultOptions,
		}

		if !in.NonInteractive {
			opts.Prompter = request.NewTerminal()
		}

		if privilege.Elevated(os.Getenv) {
			opts.Keepalive = privilege.NewKeepalive(r, logger.With(logging.Component("privilege")))
		}

		if !in.DryRun {
			unlock, lockErr := lockRun(filepath.Join(os.TempDir(), "nixinstall.lock"))
			if lockErr != nil {
				return lockErr
			}

			defer unlock() //nolint:errcheck
		}

		if err = installer.New(opts).Run(cmd.Context()); err != nil {
			return reportedError{err: err}
		}

		return nil
	},
}

// lockRun makes sure a single installation runs on the host at a time.
func lockRun(path string) (func() error, error) {
	lock, err := filemutex.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	if err = lock.TryLock(); err != nil {
		lock.Close() //nolint:errcheck

		if errors.Is(err, filemutex.AlreadyLocked) {
			return nil, failure.Preconditionf(failure.ReasonEnvironment, "another installation holds %s", path)
		}

		return nil, err
	}

	return lock.Close, nil
}

func init() {
	flags := installCmd.Flags()
	in := &installCmdFlags.input

	flags.StringVar(&in.Mode, "mode", "", "partitioning mode: fresh, dual-boot or manual")
	flags.StringVar(&in.Machine, "machine", "", "machine of the configuration repository to install")
	flags.StringVar(&in.Disk, "disk", "", "target disk (fresh and dual-boot modes)")
	flags.StringVar(&in.Filesystem, "filesystem", "", "root filesystem: btrfs or ext4")
	flags.BoolVar(&installCmdFlags.encrypt, "encrypt", false, "encrypt the root partition with LUKS")
	flags.StringVar(&in.PassphraseFile, "passphrase-file", "", "file holding the encryption passphrase")
	flags.StringVar(&in.Repo, "repo", "", "configuration repository: git URL or local directory")
	flags.StringVar(&in.Branch, "branch", request.DefaultBranch, "branch of the configuration repository")
	flags.StringVar(&in.RootSize, "root-size", "", "size of the root partition created in dual-boot mode, e.g. 64GiB")
	flags.StringVar(&in.ESP, "esp", "", "EFI system partition (manual mode)")
	flags.StringVar(&in.Root, "root", "", "root partition (manual mode)")
	flags.StringVar(&in.Home, "home", "", "optional home partition (manual mode)")
	flags.StringVar(&in.Confirm, "confirm", "", `confirmation token for erasing the disk in fresh mode: "ERASE <disk>"`)
	flags.StringVar(&in.MountRoot, "mount-root", request.DefaultMountRoot, "where the target is mounted during the installation")
	flags.BoolVar(&in.DryRun, "dry-run", false, "log destructive operations instead of running them")
	flags.BoolVar(&in.NonInteractive, "non-interactive", false, "never prompt, fail on missing input")
	flags.BoolVarP(&in.AssumeYes, "yes", "y", false, "assume yes for confirmations")

	rootCmd.AddCommand(installCmd)
}

// commandArgs strips the program name, which the bootstrap shell prepends again.
func commandArgs(argv []string) []string {
	if len(argv) == 0 {
		return nil
	}

	return argv[1:]
}
