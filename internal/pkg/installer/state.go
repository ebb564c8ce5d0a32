// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package installer

// State is a step of an installation run.
type State string

// Installation states, in execution order.
const (
	StateValidate           State = "Validate"
	StateBootstrap          State = "Bootstrap"
	StateFetchConfig        State = "FetchConfig"
	StateDiscoverMachines   State = "DiscoverMachines"
	StateSelectMode         State = "SelectMode"
	StateSelectMachine      State = "SelectMachine"
	StateSelectFilesystem   State = "SelectFilesystem"
	StateSelectEncryption   State = "SelectEncryption"
	StateSelectDisk         State = "SelectDisk"
	StateCleanup            State = "Cleanup"
	StatePartition          State = "Partition"
	StateFilesystem         State = "Filesystem"
	StateUserResolution     State = "UserResolution"
	StateBuildValidate      State = "BuildValidate"
	StateHardwareDescriptor State = "HardwareDescriptor"
	StateInstall            State = "Install"
	StatePostValidate       State = "PostValidate"
	StateFinish             State = "Cleanup(success)"
)

// InstallationState is the progress of a run.
type InstallationState struct {
	State       State  `yaml:"state"`
	CurrentStep int    `yaml:"currentStep"`
	TotalSteps  int    `yaml:"totalSteps"`
	LogPath     string `yaml:"logPath,omitempty"`
	LastError   string `yaml:"lastError,omitempty"`
	LastCommand string `yaml:"lastCommand,omitempty"`
}
