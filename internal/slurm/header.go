// Package slurm renders batch scripts for the Slurm scheduler and
// normalizes the output of sbatch, squeue and sacct.
package slurm

import (
	"errors"
	"fmt"
	"strconv"
)

var ErrAmbiguousGPURequest = errors.New("both gpus and gpus_per_node are set")

// Header describes the #SBATCH directives of a job.  Empty strings and
// zero counts mean "not set".  A nil Modules slice means the list was not
// supplied at all, which matters when merging.
type Header struct {
	JobName       string   `yaml:"job_name" json:"jobName,omitempty"`
	Partition     string   `yaml:"partition" json:"partition,omitempty"`
	Account       string   `yaml:"account" json:"account,omitempty"`
	QOS           string   `yaml:"qos" json:"qos,omitempty"`
	Constraint    string   `yaml:"constraint" json:"constraint,omitempty"`
	Time          string   `yaml:"time" json:"time,omitempty"`
	Nodes         int      `yaml:"nodes" json:"nodes,omitempty"`
	NTasks        int      `yaml:"ntasks" json:"ntasks,omitempty"`
	NTasksPerNode int      `yaml:"ntasks_per_node" json:"ntasksPerNode,omitempty"`
	CPUsPerTask   int      `yaml:"cpus_per_task" json:"cpusPerTask,omitempty"`
	Mem           string   `yaml:"mem" json:"mem,omitempty"`
	GPUs          int      `yaml:"gpus" json:"gpus,omitempty"`
	GPUsPerNode   int      `yaml:"gpus_per_node" json:"gpusPerNode,omitempty"`
	Gres          string   `yaml:"gres" json:"gres,omitempty"`
	Output        string   `yaml:"output" json:"output,omitempty"`
	Error         string   `yaml:"error" json:"error,omitempty"`
	Modules       []string `yaml:"modules" json:"modules,omitempty"`
}

// directive maps one header field to its sbatch flag.  The order of
// directiveTable is the order directives appear in rendered scripts.
type directive struct {
	flag  string
	value func(h *Header) string
}

func count(get func(h *Header) int) func(h *Header) string {
	return func(h *Header) string {
		if n := get(h); n > 0 {
			return strconv.Itoa(n)
		}
		return ""
	}
}

var directiveTable = []directive{
	{"job-name", func(h *Header) string { return h.JobName }},
	{"partition", func(h *Header) string { return h.Partition }},
	{"account", func(h *Header) string { return h.Account }},
	{"qos", func(h *Header) string { return h.QOS }},
	{"constraint", func(h *Header) string { return h.Constraint }},
	{"time", func(h *Header) string { return h.Time }},
	{"nodes", count(func(h *Header) int { return h.Nodes })},
	{"ntasks", count(func(h *Header) int { return h.NTasks })},
	{"ntasks-per-node", count(func(h *Header) int { return h.NTasksPerNode })},
	{"cpus-per-task", count(func(h *Header) int { return h.CPUsPerTask })},
	{"mem", func(h *Header) string { return h.Mem }},
	{"gpus", count(func(h *Header) int { return h.GPUs })},
	{"gpus-per-node", count(func(h *Header) int { return h.GPUsPerNode })},
	{"gres", func(h *Header) string { return h.Gres }},
	{"output", func(h *Header) string { return h.Output }},
	{"error", func(h *Header) string { return h.Error }},
}

// Validate rejects headers that request GPUs both per job and per node.
func (h Header) Validate() error {
	if h.GPUs > 0 && h.GPUsPerNode > 0 {
		return fmt.Errorf("%w (gpus=%d, gpus_per_node=%d)", ErrAmbiguousGPURequest, h.GPUs, h.GPUsPerNode)
	}
	return nil
}

// Directives returns the "#SBATCH --flag=value" lines for every set field
// in the fixed directive order.
func (h Header) Directives() []string {
	var lines []string
	for _, d := range directiveTable {
		if v := d.value(&h); v != "" {
			lines = append(lines, fmt.Sprintf("#SBATCH --%s=%s", d.flag, v))
		}
	}
	return lines
}

// WithoutModules returns a copy of h with the module list cleared.
func (h Header) WithoutModules() Header {
	h.Modules = nil
	return h
}

// MergeHeader overlays overrides on defaults field by field.  A non-nil
// overrides.Modules replaces the default module list instead of extending
// it.  The merged header is validated before it is returned.
func MergeHeader(defaults Header, overrides *Header) (Header, error) {
	merged := defaults
	merged.Modules = append([]string(nil), defaults.Modules...)

	if overrides != nil {
		o := overrides
		setString(&merged.JobName, o.JobName)
		setString(&merged.Partition, o.Partition)
		setString(&merged.Account, o.Account)
		setString(&merged.QOS, o.QOS)
		setString(&merged.Constraint, o.Constraint)
		setString(&merged.Time, o.Time)
		setCount(&merged.Nodes, o.Nodes)
		setCount(&merged.NTasks, o.NTasks)
		setCount(&merged.NTasksPerNode, o.NTasksPerNode)
		setCount(&merged.CPUsPerTask, o.CPUsPerTask)
		setString(&merged.Mem, o.Mem)
		setCount(&merged.GPUs, o.GPUs)
		setCount(&merged.GPUsPerNode, o.GPUsPerNode)
		setString(&merged.Gres, o.Gres)
		setString(&merged.Output, o.Output)
		setString(&merged.Error, o.Error)
		if o.Modules != nil {
			merged.Modules = append([]string(nil), o.Modules...)
		}
	}

	if err := merged.Validate(); err != nil {
		return Header{}, err
	}
	return merged, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setCount(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
