// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package request

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
)

// Prompter asks the operator for missing input.
type Prompter interface {
	Choose(ctx context.Context, question string, options []string) (string, error)
	Input(ctx context.Context, question, defaultValue string) (string, error)
	Confirm(ctx context.Context, question string) (bool, error)
	Passphrase(ctx context.Context, question string) ([]byte, error)
}

// Terminal is a Prompter reading from a terminal.
type Terminal struct {
	in     *bufio.Reader
	out    io.Writer
	fd     int
	isTerm bool
}

// NewTerminal creates a Terminal prompter on stdin/stderr.
func NewTerminal() *Terminal {
	return NewTerminalWith(os.Stdin, os.Stderr)
}

// NewTerminalWith creates a Terminal prompter on the given streams.
//
// Passphrases are read without echo when in is a terminal.
func NewTerminalWith(in *os.File, out io.Writer) *Terminal {
	fd := int(in.Fd())

	return &Terminal{
		in:     bufio.NewReader(in),
		out:    out,
		fd:     fd,
		isTerm: term.IsTerminal(fd),
	}
}

func (t *Terminal) ask(question string) {
	fmt.Fprint(t.out, color.New(color.Bold).Sprint(question)) //nolint:errcheck
}

func (t *Terminal) readLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", failure.ErrInterrupted
	}

	line, err := t.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	return strings.TrimSpace(line), nil
}

// Choose implements Prompter.
func (t *Terminal) Choose(ctx context.Context, question string, options []string) (string, error) {
	if len(options) == 0 {
		return "", failure.Validationf("%s: nothing to choose from", question)
	}

	for {
		fmt.Fprintln(t.out, color.New(color.Bold).Sprint(question)) //nolint:errcheck

		for i, opt := range options {
			fmt.Fprintf(t.out, "  %s %s\n", color.CyanString("%d)", i+1), opt) //nolint:errcheck
		}

		t.ask("> ")

		answer, err := t.readLine(ctx)
		if err != nil {
			return "", err
		}

		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
			return options[n-1], nil
		}

		if slices.Contains(options, answer) {
			return answer, nil
		}

		fmt.Fprintln(t.out, color.YellowString("invalid choice %q", answer)) //nolint:errcheck
	}
}

// Input implements Prompter.
func (t *Terminal) Input(ctx context.Context, question, defaultValue string) (string, error) {
	if defaultValue != "" {
		t.ask(fmt.Sprintf("%s [%s]: ", question, defaultValue))
	} else {
		t.ask(question + ": ")
	}

	answer, err := t.readLine(ctx)
	if err != nil {
		return "", err
	}

	if answer == "" {
		return defaultValue, nil
	}

	return answer, nil
}

// Confirm implements Prompter.
func (t *Terminal) Confirm(ctx context.Context, question string) (bool, error) {
	t.ask(question + " [y/N]: ")

	answer, err := t.readLine(ctx)
	if err != nil {
		return false, err
	}

	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Passphrase implements Prompter.
//
// The passphrase is asked twice and both entries must match.
func (t *Terminal) Passphrase(ctx context.Context, question string) ([]byte, error) {
	first, err := t.readSecret(ctx, question+": ")
	if err != nil {
		return nil, err
	}

	if len(first) == 0 {
		return nil, failure.Validationf("empty passphrase")
	}

	second, err := t.readSecret(ctx, "Repeat passphrase: ")
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(first, second) {
		return nil, failure.Validationf("passphrases do not match")
	}

	return first, nil
}

func (t *Terminal) readSecret(ctx context.Context, prompt string) ([]byte, error) {
	t.ask(prompt)

	if !t.isTerm {
		line, err := t.readLine(ctx)

		return []byte(line), err
	}

	secret, err := term.ReadPassword(t.fd)

	fmt.Fprintln(t.out) //nolint:errcheck

	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}

	return secret, nil
}
