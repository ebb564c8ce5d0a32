// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/siderolabs/go-tail"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options control the installer logger.
type Options struct {
	Console io.Writer
	Path    string
	Debug   bool
	Quiet   bool
}

// RunLogPath returns a timestamped log file name inside dir.
func RunLogPath(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("nixinstall-%s.log", now.UTC().Format("20060102-150405")))
}

// New creates the run logger: a console destination and an append-only file destination.
//
// The returned function flushes and closes the log file.
func New(opts Options) (*zap.Logger, func() error, error) {
	consoleLevel := zapcore.InfoLevel

	switch {
	case opts.Debug:
		consoleLevel = zapcore.DebugLevel
	case opts.Quiet:
		consoleLevel = zapcore.WarnLevel
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	consoleOpts := []EncoderOption{WithoutTimestamp()}

	if f, ok := console.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		consoleOpts = append(consoleOpts, WithColoredLevels())
	}

	dests := []*LogDestination{NewLogDestination(console, consoleLevel, consoleOpts...)}

	closer := func() error { return nil }

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(opts.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}

		dests = append(dests, NewLogDestination(f, zapcore.DebugLevel, WithISO8601Time()))

		closer = f.Close
	}

	logger := ZapLogger(dests...)

	return logger, func() error {
		logger.Sync() //nolint:errcheck

		return closer()
	}, nil
}

// Tail returns the last n lines of the log file.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close() //nolint:errcheck

	if err = tail.SeekLines(f, n); err != nil {
		return nil, fmt.Errorf("failed to seek log tail: %w", err)
	}

	var lines []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}

	return lines, scanner.Err()
}
