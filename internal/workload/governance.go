package workload

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/terrpan/slurmrun/internal/orchestrator"
	"github.com/terrpan/slurmrun/internal/slurm"
)

// Bootstrap is an environment bootstrap line found in workload commands.
type Bootstrap struct {
	Label string
	Line  string
}

var inlineBootstrap = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`(?i)^\s*(module|ml)\b`), "module command"},
	{regexp.MustCompile(`(?i)^\s*source\s+activate\b`), "source activate"},
	{regexp.MustCompile(`(?i)^\s*conda\s+activate\b`), "conda activate"},
	{regexp.MustCompile(`(?i)^\s*eval\s+["']?\$\(\s*conda\s+shell\.`), "conda shell hook"},
}

// DetectInlineBootstrap scans every line of every command and returns the
// first one that loads modules or activates a conda environment.
func DetectInlineBootstrap(commands []string) (Bootstrap, bool) {
	for _, cmd := range commands {
		for _, line := range strings.Split(strings.ReplaceAll(cmd, "\r\n", "\n"), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			for _, p := range inlineBootstrap {
				if p.re.MatchString(line) {
					return Bootstrap{Label: p.label, Line: line}, true
				}
			}
		}
	}
	return Bootstrap{}, false
}

// overrideFields names the call-level environment fields that carry at
// least one non-blank entry.
func overrideFields(setup, modules []string, header *slurm.Header) []string {
	var fields []string
	if len(nonBlank(setup)) > 0 {
		fields = append(fields, "setupCommands")
	}
	if len(nonBlank(modules)) > 0 {
		fields = append(fields, "modules")
	}
	if header != nil && len(nonBlank(header.Modules)) > 0 {
		fields = append(fields, "headerOverrides.modules")
	}
	return fields
}

// RenderJobRequest is a low-level render with an explicit opt-in for
// call-level environment bootstrap.
type RenderJobRequest struct {
	orchestrator.RenderRequest
	// AllowEnvOverrides takes effect only when the configuration enables
	// execution.allow_custom_env_override.
	AllowEnvOverrides bool
}

// RenderJob renders a script through the orchestrator after applying the
// environment-override policy.
func (r *Runner) RenderJob(ctx context.Context, req RenderJobRequest) (orchestrator.RenderResult, error) {
	ctx, span := r.tracer.Start(ctx, "workload.RenderJob")
	defer span.End()

	render := req.RenderRequest
	if r.allowCustom && req.AllowEnvOverrides {
		res, err := r.svc.Render(ctx, render)
		if err != nil {
			return res, fail(span, err)
		}
		return res, nil
	}

	hint := "use profile setup_commands/module_init_scripts"
	if req.AllowEnvOverrides {
		hint += " (allow-env-overrides has no effect while execution.allow_custom_env_override is false)"
	} else if r.allowCustom {
		hint += ", or pass allow-env-overrides for an explicit override"
	}

	if b, ok := DetectInlineBootstrap(render.Commands); ok {
		return orchestrator.RenderResult{}, fail(span, fmt.Errorf("%w: render rejected inline %s (%s); %s", ErrEnvironmentOverrideRejected, b.Label, b.Line, hint))
	}
	if fields := overrideFields(render.SetupCommands, render.Modules, render.HeaderOverrides); len(fields) > 0 {
		return orchestrator.RenderResult{}, fail(span, fmt.Errorf("%w: render rejected call-level environment overrides (%s); %s", ErrEnvironmentOverrideRejected, strings.Join(fields, ", "), hint))
	}

	render.SetupCommands = nil
	render.Modules = nil
	if render.HeaderOverrides != nil {
		h := render.HeaderOverrides.WithoutModules()
		render.HeaderOverrides = &h
	}
	res, err := r.svc.Render(ctx, render)
	if err != nil {
		return res, fail(span, err)
	}
	return res, nil
}
