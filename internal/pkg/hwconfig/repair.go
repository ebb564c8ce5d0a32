// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package hwconfig

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/runner"
)

// Generator produces a descriptor from the system mounted at root.
type Generator interface {
	GenerateHardwareConfig(ctx context.Context, root string) ([]byte, error)
}

// Descriptor is the accepted hardware descriptor.
type Descriptor struct {
	Path     string
	Content  []byte
	Facts    Facts
	Repaired bool
}

// Repairer generates, verifies and persists the hardware descriptor.
type Repairer struct {
	generator Generator
	runner    *runner.Runner
	logger    *zap.Logger
	now       func() time.Time
}

// NewRepairer creates a Repairer.
func NewRepairer(generator Generator, r *runner.Runner, logger *zap.Logger) *Repairer {
	return &Repairer{
		generator: generator,
		runner:    r,
		logger:    logger,
		now:       time.Now,
	}
}

// Ensure generates the descriptor for root, repairs it once if it disagrees
// with exp and writes it to path.
//
// Any rejected or replaced version is kept as a backup next to path.
func (r *Repairer) Ensure(ctx context.Context, root, path string, exp Expectation) (*Descriptor, error) {
	content, err := r.generator.GenerateHardwareConfig(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to generate hardware descriptor: %w", err)
	}

	problems := Check(content, exp)
	if len(problems) == 0 {
		return r.persist(ctx, path, content, false)
	}

	r.logger.Warn("hardware descriptor disagrees with the mounted system",
		zap.Strings("problems", xslices.Map(problems, Problem.String)),
	)

	if err = r.backup(ctx, path+".rejected", content); err != nil {
		return nil, err
	}

	if Patchable(problems) {
		r.logger.Info("patching hardware descriptor")

		content = Patch(content, exp)
	} else {
		r.logger.Info("regenerating hardware descriptor")

		if content, err = r.generator.GenerateHardwareConfig(ctx, root); err != nil {
			return nil, fmt.Errorf("failed to regenerate hardware descriptor: %w", err)
		}
	}

	if problems = Check(content, exp); len(problems) > 0 {
		return nil, &failure.ConsistencyError{Problems: xslices.Map(problems, Problem.String)}
	}

	return r.persist(ctx, path, content, true)
}

func (r *Repairer) persist(ctx context.Context, path string, content []byte, repaired bool) (*Descriptor, error) {
	previous, err := os.ReadFile(path)

	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err = r.backup(ctx, fmt.Sprintf("%s.%s.bak", path, r.now().UTC().Format("20060102T150405Z")), previous); err != nil {
			return nil, err
		}
	}

	if err = r.write(ctx, path, content); err != nil {
		return nil, err
	}

	return &Descriptor{
		Path:     path,
		Content:  content,
		Facts:    Parse(content),
		Repaired: repaired,
	}, nil
}

func (r *Repairer) backup(ctx context.Context, path string, content []byte) error {
	r.logger.Info("backing up hardware descriptor", zap.String("path", path))

	return r.write(ctx, path, content)
}

func (r *Repairer) write(ctx context.Context, path string, content []byte) error {
	return r.runner.Do(ctx, "write "+path, func(context.Context) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}

		return os.WriteFile(path, content, 0o644)
	})
}
