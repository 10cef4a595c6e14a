package slurm

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/terrpan/slurmrun/internal/remote"
)

var (
	ErrEmptyCommandSet = errors.New("at least one command is required to render a job script")
	ErrInvalidEnvName  = errors.New("invalid environment variable name")
)

// ModuleUnavailableMarker is printed to stderr by rendered scripts when
// modules were requested but no `module` command could be found.
const ModuleUnavailableMarker = "__SLURMRUN_MODULE_UNAVAILABLE__"

// StrictPreamble makes scripts and remote commands fail on the first error.
const StrictPreamble = "set -euo pipefail"

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ScriptInput is everything Render needs to produce a batch script.
type ScriptInput struct {
	// Header should already be merged (see MergeHeader).
	Header Header
	// Commands are the workload lines, emitted verbatim after trimming.
	Commands []string
	// Env is exported before any module or setup line.  Keys are emitted
	// in sorted order so the script is reproducible.
	Env map[string]string
	// SetupCommands run after modules are loaded and before the workload.
	SetupCommands []string
	// Modules are loaded in addition to Header.Modules.
	Modules []string
	// ModuleInitScripts are sourced when the `module` command is missing.
	ModuleInitScripts []string
	// LoginShell selects a `bash -l` shebang.
	LoginShell bool
}

// Render produces the complete text of a batch script.
func Render(in ScriptInput) (string, error) {
	commands := nonBlank(in.Commands)
	if len(commands) == 0 {
		return "", ErrEmptyCommandSet
	}
	if err := in.Header.Validate(); err != nil {
		return "", err
	}

	shebang := "#!/bin/bash"
	if in.LoginShell {
		shebang = "#!/bin/bash -l"
	}

	lines := []string{shebang}
	lines = append(lines, in.Header.Directives()...)
	lines = append(lines, "", StrictPreamble, "")

	if len(in.Env) > 0 {
		keys := make([]string, 0, len(in.Env))
		for k := range in.Env {
			if !envName.MatchString(k) {
				return "", fmt.Errorf("%w: %q", ErrInvalidEnvName, k)
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("export %s=%s", k, remote.Quote(in.Env[k])))
		}
		lines = append(lines, "")
	}

	modules := dedupe(append(append([]string(nil), in.Header.Modules...), in.Modules...))
	if len(modules) > 0 {
		lines = append(lines, moduleBootstrap(in.ModuleInitScripts)...)
		for _, m := range modules {
			lines = append(lines, "module load "+m)
		}
	}

	setup := nonBlank(in.SetupCommands)
	lines = append(lines, setup...)
	if len(modules) > 0 || len(setup) > 0 {
		lines = append(lines, "")
	}

	lines = append(lines, commands...)
	return strings.Join(lines, "\n") + "\n", nil
}

// moduleBootstrap sources the configured init scripts when `module` is not
// yet defined, and falls back to a no-op `module` function so that
// `module load` lines cannot abort the job under `set -e`.
func moduleBootstrap(initScripts []string) []string {
	lines := []string{"if ! command -v module >/dev/null 2>&1; then"}
	for _, s := range nonBlank(initScripts) {
		q := remote.Quote(s)
		lines = append(lines, fmt.Sprintf("  if [ -f %s ]; then set +u; . %s; set -u; fi", q, q))
	}
	lines = append(lines,
		"fi",
		"if ! command -v module >/dev/null 2>&1; then",
		fmt.Sprintf("  echo '%s' >&2", ModuleUnavailableMarker),
		"  module() { :; }",
		"fi",
	)
	return lines
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, l := range in {
		if t := strings.TrimSpace(l); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range nonBlank(in) {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
