// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package installer

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siderolabs/nixinstall/internal/pkg/failure"
)

// Report is the install report written next to the run log.
type Report struct {
	Result   string            `yaml:"result"`
	Kind     string            `yaml:"kind,omitempty"`
	Started  time.Time         `yaml:"started"`
	Finished time.Time         `yaml:"finished"`
	State    InstallationState `yaml:"state"`

	Machine    string `yaml:"machine,omitempty"`
	Mode       string `yaml:"mode,omitempty"`
	Disk       string `yaml:"disk,omitempty"`
	Filesystem string `yaml:"filesystem,omitempty"`
	Encrypted  bool   `yaml:"encrypted"`
	DryRun     bool   `yaml:"dryRun"`

	Layout *ReportLayout `yaml:"layout,omitempty"`
	Mounts []string      `yaml:"mounts,omitempty"`

	Descriptor         string   `yaml:"descriptor,omitempty"`
	DescriptorRepaired bool     `yaml:"descriptorRepaired,omitempty"`
	Users              []string `yaml:"users,omitempty"`
	Bootloader         string   `yaml:"bootloader,omitempty"`
	BootEntries        []string `yaml:"bootEntries,omitempty"`

	// Skipped lists the destructive calls a dry run did not execute.
	Skipped []string `yaml:"skipped,omitempty"`
}

// ReportLayout is the partition layout of the report.
type ReportLayout struct {
	ESP       string `yaml:"esp"`
	Root      string `yaml:"root"`
	Home      string `yaml:"home,omitempty"`
	ESPBackup string `yaml:"espBackup,omitempty"`
}

// ReportPath returns the install report path for the run log.
func ReportPath(logPath string) string {
	return strings.TrimSuffix(logPath, filepath.Ext(logPath)) + ".report.yaml"
}

// Report summarizes the run so far.
func (i *Installer) Report(runErr error) Report {
	report := Report{
		Result:   "success",
		Started:  i.started.UTC(),
		Finished: time.Now().UTC(),
		State:    i.State(),

		Machine:    i.req.Machine,
		Mode:       string(i.req.Mode),
		Disk:       i.req.Disk,
		Filesystem: string(i.req.Filesystem),
		Encrypted:  i.req.Encrypt,
		DryRun:     i.runner.DryRun(),

		Users:   i.users,
		Skipped: i.runner.Skipped(),
	}

	if runErr != nil {
		report.Result = "failure"
		report.Kind = failure.KindOf(runErr).String()
	}

	if i.layout != nil {
		report.Layout = &ReportLayout{
			ESP:       i.layout.ESP,
			Root:      i.layout.Root,
			Home:      i.layout.Home,
			ESPBackup: i.layout.Backup,
		}
	}

	if i.result != nil {
		report.Mounts = i.result.Points.Targets()
	}

	if i.descriptor != nil {
		report.Descriptor = i.descriptor.Path
		report.DescriptorRepaired = i.descriptor.Repaired
	}

	if i.boot != nil {
		report.Bootloader = string(i.boot.Bootloader)
		report.BootEntries = i.boot.Entries
	}

	return report
}

func (i *Installer) writeReport(runErr error) error {
	if i.opts.LogPath == "" {
		return nil
	}

	out, err := yaml.Marshal(i.Report(runErr))
	if err != nil {
		return err
	}

	return os.WriteFile(ReportPath(i.opts.LogPath), out, 0o640)
}
