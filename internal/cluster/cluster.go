// Package cluster holds the validated, immutable view of the configured
// Slurm clusters that the rest of the core consumes.  It is built once by
// the config package and passed by value afterwards.
package cluster

import (
	"sort"

	"github.com/terrpan/slurmrun/internal/slurm"
)

// SchedulerSlurm is the only scheduler supported.
const SchedulerSlurm = "slurm"

// Profile describes one reachable cluster.
type Profile struct {
	ID string `json:"id"`
	// SSHTarget is passed verbatim to ssh/scp (host alias or user@host).
	SSHTarget string `json:"sshTarget"`
	// RemoteRoot is the directory under which run directories are created.
	RemoteRoot string `json:"remoteRoot"`
	Scheduler  string `json:"scheduler"`
	// LoginShell makes remote commands and scripts run under `bash -l`.
	LoginShell        bool         `json:"loginShell"`
	PythonCommand     string       `json:"pythonCommand,omitempty"`
	SubmitArgs        []string     `json:"submitArgs,omitempty"`
	SetupCommands     []string     `json:"setupCommands,omitempty"`
	ModuleInitScripts []string     `json:"moduleInitScripts,omitempty"`
	Defaults          slurm.Header `json:"slurmDefaults"`
}

// Routing controls cluster selection and GPU fallback.
type Routing struct {
	DefaultProfile             string   `json:"defaultProfile,omitempty"`
	GPUProfile                 string   `json:"gpuProfile,omitempty"`
	GPUIndicators              []string `json:"gpuIndicators,omitempty"`
	AutoFallbackToGPU          bool     `json:"autoFallbackToGpuOnSignatures"`
	GPURequiredErrorSignatures []string `json:"gpuRequiredErrorSignatures,omitempty"`
}

// Catalog is the full set of profiles plus routing settings.
type Catalog struct {
	DefaultCluster string
	Profiles       map[string]Profile
	Routing        Routing
}

// Profile returns the profile with the given id.
func (c Catalog) Profile(id string) (Profile, bool) {
	p, ok := c.Profiles[id]
	return p, ok
}

// IDs returns every profile id in sorted order.
func (c Catalog) IDs() []string {
	ids := make([]string, 0, len(c.Profiles))
	for id := range c.Profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns every profile sorted by id.
func (c Catalog) List() []Profile {
	ids := c.IDs()
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.Profiles[id])
	}
	return out
}
