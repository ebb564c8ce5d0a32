// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the nixinstall commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/pkg/cli"
	"github.com/siderolabs/nixinstall/pkg/logging"
)

var rootCmdFlags struct {
	defaults string
	logFile  string
	quiet    bool
	debug    bool
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "nixinstall",
	Short: "Unattended NixOS installer driven by a flake configuration repository",
	Long: `nixinstall partitions a disk, creates the filesystems, generates the hardware
descriptor and installs a machine of a NixOS flake repository onto it.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if rootCmdFlags.defaults == "" {
			return nil
		}

		return applyDefaultsFile(cmd.Flags(), rootCmdFlags.defaults)
	},
}

// reportedError is an error the command already reported to the operator.
type reportedError struct {
	err error
}

func (e reportedError) Error() string { return e.err.Error() }

func (e reportedError) Unwrap() error { return e.err }

// Execute runs the root command and returns the process exit code.
func Execute() int {
	var cmd *cobra.Command

	err := cli.WithContext(context.Background(), func(ctx context.Context) error {
		var err error

		cmd, err = rootCmd.ExecuteContextC(ctx)

		return err
	})
	if err == nil {
		return failure.ExitOK
	}

	if !errors.As(err, &reportedError{}) {
		fmt.Fprintln(os.Stderr, err.Error()) //nolint:errcheck

		errorString := err.Error()
		if cmd != nil && (strings.Contains(errorString, "arg(s)") || strings.Contains(errorString, "flag") || strings.Contains(errorString, "command")) {
			fmt.Fprintln(os.Stderr)                    //nolint:errcheck
			fmt.Fprintln(os.Stderr, cmd.UsageString()) //nolint:errcheck
		}
	}

	return failure.ExitCode(err)
}

// newLogger creates the run logger; an empty path logs to a timestamped file in the temporary directory.
func newLogger(path string) (*zap.Logger, string, func() error, error) {
	if path == "" {
		path = logging.RunLogPath(filepath.Join(os.TempDir(), "nixinstall"), time.Now())
	}

	logger, closer, err := logging.New(logging.Options{
		Path:  path,
		Debug: rootCmdFlags.debug,
		Quiet: rootCmdFlags.quiet,
	})
	if err != nil {
		return nil, "", nil, err
	}

	return logger, path, closer, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.defaults, "defaults", "", "env file with default flag values (NIXINSTALL_<FLAG>=value)")
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.logFile, "log-file", "", "path of the run log (default: a timestamped file in the temporary directory)")
	rootCmd.PersistentFlags().BoolVar(&rootCmdFlags.quiet, "quiet", false, "only print warnings and errors to the console")
	rootCmd.PersistentFlags().BoolVar(&rootCmdFlags.debug, "debug", false, "print debug messages to the console")

	rootCmd.MarkFlagsMutuallyExclusive("quiet", "debug")
}
