// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package configsource fetches the system configuration repository and
// enumerates the machines it can install.
package configsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	"github.com/hashicorp/go-getter/v2"
	"go.uber.org/zap"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
	"github.com/siderolabs/nixinstall/internal/pkg/runner"
)

// DefaultBranch is fetched when no branch is requested.
const DefaultBranch = "main"

// Getter downloads a source into a local directory.
type Getter interface {
	Get(ctx context.Context, req *getter.Request) (*getter.GetResult, error)
}

// Source is a fetched configuration repository.
type Source struct {
	// Dir is the local checkout.
	Dir string
	// Remote is false when the repository was a local directory used in place.
	Remote bool
}

// Flake returns the flake reference of the checkout.
func (s Source) Flake() string {
	return "path:" + s.Dir
}

// Resolver fetches repositories and discovers machines.
type Resolver struct {
	logger *zap.Logger
	runner *runner.Runner
	getter Getter
}

// NewResolver creates a Resolver.
//
// A nil getter fetches with git.
func NewResolver(logger *zap.Logger, r *runner.Runner, g Getter) *Resolver {
	if g == nil {
		g = &getter.Client{
			Getters: []getter.Getter{
				new(getter.GitGetter),
			},
		}
	}

	return &Resolver{
		logger: logger,
		runner: r,
		getter: g,
	}
}

// Fetch makes the repository available below workDir.
//
// An existing local directory is used in place.
func (r *Resolver) Fetch(ctx context.Context, repo, branch, workDir string) (Source, error) {
	if repo == "" {
		return Source{}, failure.Validationf("configuration repository is not set")
	}

	if st, err := os.Stat(repo); err == nil && st.IsDir() {
		dir, err := filepath.Abs(repo)
		if err != nil {
			return Source{}, err
		}

		r.logger.Info("using local configuration repository", zap.String("dir", dir))

		return Source{Dir: dir}, nil
	}

	src, err := GitSource(repo, branch)
	if err != nil {
		return Source{}, err
	}

	dst := filepath.Join(workDir, "config")

	if err = os.RemoveAll(dst); err != nil {
		return Source{}, err
	}

	r.logger.Info("fetching configuration repository", zap.String("src", src), zap.String("dst", dst))

	if _, err = r.getter.Get(ctx, &getter.Request{
		Src:     src,
		Dst:     dst,
		GetMode: getter.ModeDir,
	}); err != nil {
		return Source{}, fmt.Errorf("failed to fetch %s: %w", repo, err)
	}

	return Source{Dir: dst, Remote: true}, nil
}

// GitSource builds the go-getter source string for repo at branch.
func GitSource(repo, branch string) (string, error) {
	if branch == "" {
		branch = DefaultBranch
	}

	u, err := url.Parse(repo)
	if err != nil {
		return "", failure.Validationf("invalid repository URL %q: %s", repo, err)
	}

	q := u.Query()
	q.Set("ref", branch)
	q.Set("depth", "1")
	u.RawQuery = q.Encode()

	return "git::" + u.String(), nil
}

// Machines lists the installable machines of the source, sorted.
//
// The flake outputs are evaluated first; when evaluation fails the hosts/
// directory of the checkout is scanned instead.
func (r *Resolver) Machines(ctx context.Context, src Source) ([]string, error) {
	out, err := r.runner.Run(ctx, "nix", "eval", "--json", src.Flake()+"#nixosConfigurations", "--apply", "builtins.attrNames")
	if err == nil {
		var machines []string

		if err = json.Unmarshal([]byte(out), &machines); err != nil {
			return nil, fmt.Errorf("failed to decode machine list: %w", err)
		}

		slices.Sort(machines)

		return machines, nil
	}

	if errors.Is(err, failure.ErrInterrupted) {
		return nil, err
	}

	r.logger.Warn("failed to evaluate configurations, scanning hosts directory", zap.Error(err))

	machines, scanErr := ScanHosts(src.Dir)
	if scanErr != nil {
		return nil, errors.Join(err, scanErr)
	}

	if len(machines) == 0 {
		return nil, err
	}

	return machines, nil
}

// ScanHosts lists the directories under hosts/ which carry a configuration.
func ScanHosts(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "hosts"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	var machines []string

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		for _, name := range []string{"default.nix", "configuration.nix"} {
			if _, err := os.Stat(filepath.Join(dir, "hosts", entry.Name(), name)); err == nil {
				machines = append(machines, entry.Name())

				break
			}
		}
	}

	return machines, nil
}
