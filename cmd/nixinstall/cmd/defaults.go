// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-envparse"
	"github.com/spf13/pflag"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
)

// envPrefix prefixes the keys of the defaults file.
const envPrefix = "NIXINSTALL_"

// EnvKey returns the defaults file key of a flag.
func EnvKey(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func applyDefaultsFile(flags *pflag.FlagSet, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return failure.Validationf("failed to open defaults file: %s", err)
	}

	defer f.Close() //nolint:errcheck

	return applyDefaults(flags, f)
}

// applyDefaults sets every flag which was not given on the command line from the env file in r.
func applyDefaults(flags *pflag.FlagSet, r io.Reader) error {
	values, err := envparse.Parse(r)
	if err != nil {
		return failure.Validationf("failed to parse defaults file: %s", err)
	}

	var errs error

	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Changed || flag.Name == "defaults" || flag.Name == "help" {
			return
		}

		value, ok := values[EnvKey(flag.Name)]
		if !ok {
			return
		}

		if err := flags.Set(flag.Name, value); err != nil {
			errs = failure.Append(errs, failure.Validationf("invalid %s in defaults file: %s", EnvKey(flag.Name), err))
		}
	})

	if errs != nil {
		return fmt.Errorf("defaults: %w", errs)
	}

	return nil
}
