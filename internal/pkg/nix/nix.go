// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package nix drives the external build system: evaluation, dry build,
// installation and hardware descriptor generation.
package nix

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/runner"
)

// Builder runs nix commands through the runner.
type Builder struct {
	runner *runner.Runner
	logger *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(r *runner.Runner, logger *zap.Logger) *Builder {
	return &Builder{
		runner: r,
		logger: logger,
	}
}

// Attribute returns the flake output attribute of machine.
func Attribute(flake, machine string, path ...string) string {
	name := machine
	if strings.ContainsAny(name, ".\"") {
		name = strconv.Quote(name)
	}

	return strings.Join(append([]string{flake + "#nixosConfigurations", name}, path...), ".")
}

// Evaluate checks that the configuration of machine evaluates.
func (b *Builder) Evaluate(ctx context.Context, flake, machine string) error {
	out, err := b.runner.Run(ctx, "nix", "eval", "--raw", Attribute(flake, machine, "config", "system", "build", "toplevel", "drvPath"))
	if err != nil {
		return err
	}

	b.logger.Debug("configuration evaluated", zap.String("drv", strings.TrimSpace(out)))

	return nil
}

// DryBuild performs a build of machine without producing outputs.
func (b *Builder) DryBuild(ctx context.Context, flake, machine string) error {
	_, err := b.runner.Run(ctx, "nix", "build", "--dry-run", "--no-link", Attribute(flake, machine, "config", "system", "build", "toplevel"))

	return err
}

// Install installs machine onto the system mounted at root.
func (b *Builder) Install(ctx context.Context, root, flake, machine string) error {
	_, err := b.runner.Mutate(ctx, "nixos-install",
		"--root", root,
		"--flake", flake+"#"+machine,
		"--no-root-passwd",
		"--no-channel-copy",
	)

	return err
}

// GenerateHardwareConfig implements hwconfig.Generator.
func (b *Builder) GenerateHardwareConfig(ctx context.Context, root string) ([]byte, error) {
	out, err := b.runner.Run(ctx, "nixos-generate-config", "--root", root, "--show-hardware-config")
	if err != nil {
		return nil, err
	}

	return []byte(out), nil
}

// Users lists the normal users declared by the configuration of machine.
func (b *Builder) Users(ctx context.Context, flake, machine string) ([]string, error) {
	out, err := b.runner.Run(ctx, "nix", "eval", "--json", Attribute(flake, machine, "config", "users", "users"),
		"--apply", "users: builtins.filter (name: users.${name}.isNormalUser) (builtins.attrNames users)",
	)
	if err != nil {
		return nil, err
	}

	var users []string

	if err = json.Unmarshal([]byte(out), &users); err != nil {
		return nil, fmt.Errorf("failed to decode users of %s: %w", machine, err)
	}

	slices.Sort(users)

	return users, nil
}
