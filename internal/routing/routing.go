// Package routing picks the cluster profile for a workload and decides
// whether a failed submission should be retried on the GPU profile.
package routing

import (
	"errors"
	"regexp"
	"strings"

	"github.com/terrpan/slurmrun/internal/cluster"
)

var ErrNoRoutableCluster = errors.New("unable to select cluster profile: configure routing.default_profile/default_cluster or pass cluster explicitly")

// Selection reasons.
const (
	ReasonExplicitCluster   = "explicit_cluster"
	ReasonGPUIndicator      = "gpu_indicator"
	ReasonConfiguredDefault = "configured_default"
	ReasonSingleProfile     = "single_profile"
)

// Fallback decision reasons.
const (
	ReasonDisabled         = "disabled"
	ReasonNoGPUProfile     = "no_gpu_profile"
	ReasonAlreadyGPU       = "already_gpu"
	ReasonNoSignatureMatch = "no_signature_match"
	ReasonSignatureMatch   = "signature_match"
)

// DefaultGPUIndicators are matched against workload text when the
// configuration does not list its own.
var DefaultGPUIndicators = []string{
	"torch.cuda",
	"--device cuda",
	"device=cuda",
	"jax[cuda]",
	"jaxlib",
	"tensorflow-gpu",
	"cupy",
	"triton",
	"nvidia-smi",
	"cuda",
}

// DefaultGPURequiredErrorSignatures are matched against submission
// errors when the configuration does not list its own.
var DefaultGPURequiredErrorSignatures = []string{
	"cuda is required",
	"cuda required",
	"gpu is required",
	"gpu required",
	"no cuda devices",
	"no cuda device",
	"found no nvidia driver",
	"torch.cuda.is_available() is false",
}

// ---------------------------------------------------------------------------
// Indicators
// ---------------------------------------------------------------------------

// Indicator is a configured pattern, classified once.  A value of the form
// /pattern/flags is a regular expression; anything else, including a
// regex that does not compile, is a case-insensitive substring.
type Indicator struct {
	Raw    string
	re     *regexp.Regexp
	needle string
}

var regexLiteral = regexp.MustCompile(`^/(.+)/([a-z]*)$`)

// ParseIndicator classifies raw.  Blank input yields an indicator that
// never matches.
func ParseIndicator(raw string) Indicator {
	trimmed := strings.TrimSpace(raw)
	ind := Indicator{Raw: trimmed, needle: strings.ToLower(trimmed)}
	if m := regexLiteral.FindStringSubmatch(trimmed); m != nil {
		if re, ok := compile(m[1], m[2]); ok {
			ind.re = re
		}
	}
	return ind
}

func compile(pattern, flags string) (*regexp.Regexp, bool) {
	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			if !strings.ContainsRune(inline.String(), f) {
				inline.WriteRune(f)
			}
		case 'g', 'u', 'y':
			// No Go equivalent and no effect on a single match test.
		default:
			return nil, false
		}
	}
	if inline.Len() > 0 {
		pattern = "(?" + inline.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	return re, true
}

// IsRegex reports whether the indicator compiled as a regular expression.
func (i Indicator) IsRegex() bool { return i.re != nil }

// Match reports whether text contains the indicator.
func (i Indicator) Match(text string) bool {
	if i.Raw == "" {
		return false
	}
	if i.re != nil {
		return i.re.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), i.needle)
}

func parseAll(raw []string) []Indicator {
	out := make([]Indicator, 0, len(raw))
	for _, r := range raw {
		if ind := ParseIndicator(r); ind.Raw != "" {
			out = append(out, ind)
		}
	}
	return out
}

// firstMatch returns the first indicator, in configured order, that
// matches text.
func firstMatch(text string, indicators []Indicator) (Indicator, bool) {
	for _, ind := range indicators {
		if ind.Match(text) {
			return ind, true
		}
	}
	return Indicator{}, false
}

// ---------------------------------------------------------------------------
// Router
// ---------------------------------------------------------------------------

// Selection is the outcome of Select.
type Selection struct {
	ClusterID        string `json:"clusterId"`
	Reason           string `json:"reason"`
	MatchedIndicator string `json:"matchedIndicator,omitempty"`
}

// FallbackDecision is the outcome of ShouldFallbackToGPU.
type FallbackDecision struct {
	Fallback         bool   `json:"fallback"`
	ToClusterID      string `json:"toClusterId,omitempty"`
	MatchedSignature string `json:"matchedSignature,omitempty"`
	Reason           string `json:"reason"`
}

// Router applies the routing settings of a catalog.  It is immutable and
// safe for concurrent use.
type Router struct {
	catalog    cluster.Catalog
	indicators []Indicator
	signatures []Indicator
}

// New classifies the catalog's indicators and signatures once.
func New(catalog cluster.Catalog) *Router {
	return &Router{
		catalog:    catalog,
		indicators: parseAll(catalog.Routing.GPUIndicators),
		signatures: parseAll(catalog.Routing.GPURequiredErrorSignatures),
	}
}

// Select picks a cluster: explicit id, then the GPU profile when a
// signal matches a GPU indicator, then the configured default, then the
// only profile.  The explicit id is returned as given; callers validate
// it against the catalog.
func (r *Router) Select(explicit string, signals []string) (Selection, error) {
	if id := strings.TrimSpace(explicit); id != "" {
		return Selection{ClusterID: id, Reason: ReasonExplicitCluster}, nil
	}

	if gpu := r.catalog.Routing.GPUProfile; gpu != "" {
		var parts []string
		for _, s := range signals {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			if ind, ok := firstMatch(strings.Join(parts, "\n"), r.indicators); ok {
				return Selection{ClusterID: gpu, Reason: ReasonGPUIndicator, MatchedIndicator: ind.Raw}, nil
			}
		}
	}

	def := r.catalog.Routing.DefaultProfile
	if def == "" {
		def = r.catalog.DefaultCluster
	}
	if def != "" {
		return Selection{ClusterID: def, Reason: ReasonConfiguredDefault}, nil
	}

	if ids := r.catalog.IDs(); len(ids) == 1 {
		return Selection{ClusterID: ids[0], Reason: ReasonSingleProfile}, nil
	}
	return Selection{}, ErrNoRoutableCluster
}

// ShouldFallbackToGPU decides whether a failure on selected warrants one
// retry on the GPU profile.  A non-nil override replaces the configured
// auto-fallback switch.
func (r *Router) ShouldFallbackToGPU(selected, errorText string, override *bool) FallbackDecision {
	enabled := r.catalog.Routing.AutoFallbackToGPU
	if override != nil {
		enabled = *override
	}
	if !enabled {
		return FallbackDecision{Reason: ReasonDisabled}
	}

	gpu := r.catalog.Routing.GPUProfile
	if gpu == "" {
		return FallbackDecision{Reason: ReasonNoGPUProfile}
	}
	if selected == gpu {
		return FallbackDecision{Reason: ReasonAlreadyGPU}
	}

	sig, ok := firstMatch(errorText, r.signatures)
	if !ok {
		return FallbackDecision{Reason: ReasonNoSignatureMatch}
	}
	return FallbackDecision{
		Fallback:         true,
		ToClusterID:      gpu,
		MatchedSignature: sig.Raw,
		Reason:           ReasonSignatureMatch,
	}
}
