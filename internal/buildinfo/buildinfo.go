// Package buildinfo holds version information injected with -ldflags.
package buildinfo

var (
	// Version is the release tag, or "dev" for local builds.
	// Set via: -ldflags "-X github.com/terrpan/slurmrun/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash.
	// Set via: -ldflags "-X github.com/terrpan/slurmrun/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the RFC 3339 build timestamp.
	// Set via: -ldflags "-X github.com/terrpan/slurmrun/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)
