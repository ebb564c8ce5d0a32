// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package request

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
)

// Resolver fills the gaps of the input, one selection at a time.
//
// In non-interactive mode the selections only validate what was given.
type Resolver struct {
	input    Input
	prompter Prompter
}

// NewResolver creates a Resolver.
func NewResolver(in Input, prompter Prompter) *Resolver {
	return &Resolver{
		input:    in,
		prompter: prompter,
	}
}

// Input returns the input gathered so far.
func (r *Resolver) Input() Input {
	return r.input
}

func (r *Resolver) interactive() bool {
	return !r.input.NonInteractive && r.prompter != nil
}

// SelectRepository asks for the configuration repository.
func (r *Resolver) SelectRepository(ctx context.Context) error {
	if r.input.Repo != "" || !r.interactive() {
		return nil
	}

	repo, err := r.prompter.Input(ctx, "Configuration repository (URL or directory)", "")
	if err != nil {
		return err
	}

	r.input.Repo = strings.TrimSpace(repo)

	return nil
}

// SelectMode asks for the partitioning mode.
func (r *Resolver) SelectMode(ctx context.Context) error {
	if r.input.Mode != "" || !r.interactive() {
		return nil
	}

	mode, err := r.prompter.Choose(ctx, "Installation mode", []string{string(ModeFresh), string(ModeDualBoot), string(ModeManual)})
	if err != nil {
		return err
	}

	r.input.Mode = mode

	return nil
}

// SelectMachine asks for the machine and checks it against the discovered ones.
func (r *Resolver) SelectMachine(ctx context.Context, machines []string) error {
	if r.input.Machine == "" && r.interactive() {
		machine, err := r.prompter.Choose(ctx, "Machine", machines)
		if err != nil {
			return err
		}

		r.input.Machine = machine
	}

	if r.input.Machine != "" && len(machines) > 0 && !slices.Contains(machines, r.input.Machine) {
		return failure.Validationf("unknown machine %q, available: %s", r.input.Machine, strings.Join(machines, ", "))
	}

	return nil
}

// SelectFilesystem asks for the root filesystem.
func (r *Resolver) SelectFilesystem(ctx context.Context) error {
	if r.input.Filesystem != "" || !r.interactive() {
		return nil
	}

	fs, err := r.prompter.Choose(ctx, "Root filesystem", []string{string(Filesystems[0]), string(Filesystems[1])})
	if err != nil {
		return err
	}

	r.input.Filesystem = fs

	return nil
}

// SelectEncryption asks whether the root partition is encrypted.
func (r *Resolver) SelectEncryption(ctx context.Context) error {
	if r.input.Encrypt != nil || !r.interactive() {
		return nil
	}

	encrypt, err := r.prompter.Confirm(ctx, "Encrypt the root partition?")
	if err != nil {
		return err
	}

	r.input.Encrypt = &encrypt

	return nil
}

// SelectDisk asks for the target disk or partitions, and the erase confirmation.
//
//nolint:gocyclo
func (r *Resolver) SelectDisk(ctx context.Context) error {
	if !r.interactive() {
		return nil
	}

	ask := func(field *string, question, defaultValue string) error {
		if *field != "" {
			return nil
		}

		answer, err := r.prompter.Input(ctx, question, defaultValue)
		if err != nil {
			return err
		}

		*field = answer

		return nil
	}

	switch Mode(r.input.Mode) {
	case ModeFresh, ModeDualBoot:
		if err := ask(&r.input.Disk, "Target disk", ""); err != nil {
			return err
		}
	case ModeManual:
		if err := ask(&r.input.ESP, "ESP partition", ""); err != nil {
			return err
		}

		if err := ask(&r.input.Root, "Root partition", ""); err != nil {
			return err
		}

		if r.input.Home == "" {
			home, err := r.prompter.Input(ctx, "Home partition (empty for none)", "")
			if err != nil {
				return err
			}

			r.input.Home = home
		}
	}

	if Mode(r.input.Mode) == ModeDualBoot {
		if err := ask(&r.input.RootSize, "Root partition size", ""); err != nil {
			return err
		}
	}

	if Mode(r.input.Mode) == ModeFresh && r.input.Disk != "" && r.input.Confirm != r.input.Disk && r.input.Confirm != EraseToken(r.input.Disk) {
		answer, err := r.prompter.Input(ctx, fmt.Sprintf("All data on %s will be erased. Type %q to continue", r.input.Disk, EraseToken(r.input.Disk)), "")
		if err != nil {
			return err
		}

		r.input.Confirm = answer
	}

	return nil
}

// Resolve builds the final Request.
func (r *Resolver) Resolve() (Request, error) {
	return New(r.input)
}

// ReadPassphrase obtains the passphrase from its source.
func ReadPassphrase(ctx context.Context, src PassphraseSource, prompter Prompter) ([]byte, error) {
	if src.File != "" {
		content, err := os.ReadFile(src.File)
		if err != nil {
			return nil, failure.Validationf("failed to read passphrase file: %s", err)
		}

		passphrase := bytes.TrimRight(content, "\r\n")
		if len(passphrase) == 0 {
			return nil, failure.Validationf("passphrase file %s is empty", src.File)
		}

		return passphrase, nil
	}

	if prompter == nil {
		return nil, &failure.ValidationError{Message: "missing mandatory fields", Fields: []string{"passphrase-file"}}
	}

	return prompter.Passphrase(ctx, "Encryption passphrase")
}
