// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/nixinstall/internal/pkg/configsource"
	"github.com/siderolabs/nixinstall/internal/pkg/request"
	"github.com/siderolabs/nixinstall/internal/pkg/runner"
	"github.com/siderolabs/nixinstall/pkg/logging"
)

var machinesCmdFlags struct {
	repo   string
	branch string
}

// machinesCmd represents the machines command.
var machinesCmd = &cobra.Command{
	Use:   "machines",
	Short: "List the installable machines of a configuration repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, _, closeLog, err := newLogger(rootCmdFlags.logFile)
		if err != nil {
			return err
		}

		defer closeLog() //nolint:errcheck

		resolver := configsource.NewResolver(logger.With(logging.Component("config")), runner.New(logger.With(logging.Component("runner"))), nil)

		src, err := resolver.Fetch(cmd.Context(), machinesCmdFlags.repo, machinesCmdFlags.branch, filepath.Join(os.TempDir(), "nixinstall"))
		if err != nil {
			return err
		}

		machines, err := resolver.Machines(cmd.Context(), src)
		if err != nil {
			return err
		}

		encoder := yaml.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent(2)

		if err = encoder.Encode(struct {
			Repository string   `yaml:"repository"`
			Machines   []string `yaml:"machines"`
		}{
			Repository: machinesCmdFlags.repo,
			Machines:   machines,
		}); err != nil {
			return err
		}

		return encoder.Close()
	},
}

func init() {
	machinesCmd.Flags().StringVar(&machinesCmdFlags.repo, "repo", "", "configuration repository: git URL or local directory")
	machinesCmd.Flags().StringVar(&machinesCmdFlags.branch, "branch", request.DefaultBranch, "branch of the configuration repository")

	rootCmd.AddCommand(machinesCmd)
}
