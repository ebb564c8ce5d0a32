// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package environment probes the live environment the installer runs in.
package environment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/procfs"
	"github.com/siderolabs/go-pointer"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
)

// DefaultConnectivityURL is probed to check network access to the binary cache.
const DefaultConnectivityURL = "https://cache.nixos.org/nix-cache-info"

// Report is the result of an environment probe.
type Report struct {
	EUID            int
	SudoUser        string
	UEFI            bool
	Online          bool
	MemoryAvailable uint64
	DiskAvailable   uint64
}

// Requirements are the minimums a run needs.
type Requirements struct {
	Root          bool
	UEFI          bool
	Online        bool
	MinMemory     uint64
	MinDiskSpace  uint64
	DiskSpacePath string
}

// DefaultRequirements for an installation.
func DefaultRequirements() Requirements {
	return Requirements{
		Root:          true,
		UEFI:          true,
		Online:        true,
		MinMemory:     2 * humanize.GiByte,
		MinDiskSpace:  2 * humanize.GiByte,
		DiskSpacePath: os.TempDir(),
	}
}

// Prober collects a Report.
type Prober struct {
	procRoot        string
	sysRoot         string
	connectivityURL string
	client          *http.Client
	geteuid         func() int
}

// Option configures the Prober.
type Option func(*Prober)

// WithProcRoot overrides the procfs mount point.
func WithProcRoot(path string) Option {
	return func(p *Prober) {
		p.procRoot = path
	}
}

// WithSysRoot overrides the sysfs mount point.
func WithSysRoot(path string) Option {
	return func(p *Prober) {
		p.sysRoot = path
	}
}

// WithConnectivityURL overrides the URL used for the connectivity check.
func WithConnectivityURL(url string) Option {
	return func(p *Prober) {
		p.connectivityURL = url
	}
}

// WithEUID overrides the effective user ID lookup.
func WithEUID(geteuid func() int) Option {
	return func(p *Prober) {
		p.geteuid = geteuid
	}
}

// NewProber creates a Prober.
func NewProber(opts ...Option) *Prober {
	p := &Prober{
		procRoot:        procfs.DefaultMountPoint,
		sysRoot:         "/sys",
		connectivityURL: DefaultConnectivityURL,
		client: &http.Client{
			Transport: cleanhttp.DefaultTransport(),
			Timeout:   10 * time.Second,
		},
		geteuid: os.Geteuid,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Probe inspects the environment.
func (p *Prober) Probe(ctx context.Context, req Requirements) (Report, error) {
	report := Report{
		EUID:     p.geteuid(),
		SudoUser: os.Getenv("SUDO_USER"),
	}

	if _, err := os.Stat(filepath.Join(p.sysRoot, "firmware", "efi")); err == nil {
		report.UEFI = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return report, err
	}

	proc, err := procfs.NewFS(p.procRoot)
	if err != nil {
		return report, fmt.Errorf("failed to open procfs: %w", err)
	}

	meminfo, err := proc.Meminfo()
	if err != nil {
		return report, fmt.Errorf("failed to read meminfo: %w", err)
	}

	report.MemoryAvailable = pointer.SafeDeref(meminfo.MemAvailable) * humanize.KiByte

	if req.DiskSpacePath != "" {
		var st unix.Statfs_t

		if err = unix.Statfs(req.DiskSpacePath, &st); err != nil {
			return report, fmt.Errorf("failed to stat %s: %w", req.DiskSpacePath, err)
		}

		report.DiskAvailable = st.Bavail * uint64(st.Bsize)
	}

	if req.Online {
		report.Online = p.online(ctx)
	}

	return report, nil
}

func (p *Prober) online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.connectivityURL, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}

	resp.Body.Close() //nolint:errcheck

	return resp.StatusCode < http.StatusInternalServerError
}

// Check validates the report against the requirements.
//
// All unmet requirements are reported at once.
func (r Report) Check(req Requirements) error {
	var errs error

	if req.Root && r.EUID != 0 {
		errs = failure.Append(errs, failure.Preconditionf(failure.ReasonEnvironment, "must run as root (euid %d)", r.EUID))
	}

	if req.UEFI && !r.UEFI {
		errs = failure.Append(errs, failure.Preconditionf(failure.ReasonEnvironment, "system is not booted in UEFI mode"))
	}

	if req.Online && !r.Online {
		errs = failure.Append(errs, failure.Preconditionf(failure.ReasonEnvironment, "no network connectivity"))
	}

	if r.MemoryAvailable < req.MinMemory {
		errs = failure.Append(errs, failure.Preconditionf(failure.ReasonEnvironment,
			"%s of memory available, %s required", humanize.IBytes(r.MemoryAvailable), humanize.IBytes(req.MinMemory)))
	}

	if req.DiskSpacePath != "" && r.DiskAvailable < req.MinDiskSpace {
		errs = failure.Append(errs, failure.Preconditionf(failure.ReasonEnvironment,
			"%s free on %s, %s required", humanize.IBytes(r.DiskAvailable), req.DiskSpacePath, humanize.IBytes(req.MinDiskSpace)))
	}

	return errs
}
