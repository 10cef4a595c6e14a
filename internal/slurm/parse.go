package slurm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/terrpan/slurmrun/internal/remote"
)

var ErrUnparseableSubmission = errors.New("unable to parse job id from sbatch output")

// Status sources.
const (
	SourceQueue      = "queue"
	SourceAccounting = "accounting"
	SourceUnknown    = "unknown"
)

// StateNotFound is reported when neither squeue nor sacct knows the job.
const StateNotFound = "NOT_FOUND"

// Status is the normalized view of one job, from either squeue or sacct.
// Fields that the source does not report stay empty.
type Status struct {
	Source    string `json:"source"`
	JobID     string `json:"jobId,omitempty"`
	State     string `json:"state"`
	Elapsed   string `json:"elapsed,omitempty"`
	TimeLimit string `json:"timeLimit,omitempty"`
	Nodes     string `json:"nodes,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ExitCode  string `json:"exitCode,omitempty"`
	MaxRSS    string `json:"maxRss,omitempty"`
	NodeList  string `json:"nodeList,omitempty"`
	Raw       string `json:"raw,omitempty"`
}

var (
	strictJobID = regexp.MustCompile(`(?i)Submitted\s+batch\s+job\s+(\d+)`)
	looseJobID  = regexp.MustCompile(`(?i)\bjob\s+(\d+)\b`)
	bareJobID   = regexp.MustCompile(`\b(\d{3,})\b`)
)

// ParseSubmittedJobID extracts the job id from sbatch output.
func ParseSubmittedJobID(output string) (string, error) {
	text := strings.TrimSpace(output)
	for _, re := range []*regexp.Regexp{strictJobID, looseJobID, bareJobID} {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1], nil
		}
	}
	if text == "" {
		text = "<empty>"
	}
	return "", fmt.Errorf("%w: %s", ErrUnparseableSubmission, text)
}

// squeue -o '%i|%T|%M|%l|%D|%R'
const queueFormat = "%i|%T|%M|%l|%D|%R"

// sacct -o JobIDRaw,State,ExitCode,Elapsed,MaxRSS,NodeList
const accountingFields = "JobIDRaw,State,ExitCode,Elapsed,MaxRSS,NodeList"

// ParseQueueStatus maps the first non-blank squeue line.  The boolean is
// false when there is no such line.
func ParseQueueStatus(output string) (Status, bool) {
	line, ok := firstLine(output, func(string) bool { return true })
	if !ok {
		return Status{}, false
	}
	c := columns(line, 6)
	return Status{
		Source:    SourceQueue,
		JobID:     c[0],
		State:     c[1],
		Elapsed:   c[2],
		TimeLimit: c[3],
		Nodes:     c[4],
		Reason:    c[5],
		Raw:       line,
	}, true
}

// ParseAccountingStatus maps the first non-blank sacct line that is not a
// ".batch" step.
func ParseAccountingStatus(output string) (Status, bool) {
	line, ok := firstLine(output, func(l string) bool {
		return !strings.HasSuffix(strings.TrimSpace(strings.SplitN(l, "|", 2)[0]), ".batch")
	})
	if !ok {
		return Status{}, false
	}
	c := columns(line, 6)
	return Status{
		Source:   SourceAccounting,
		JobID:    c[0],
		State:    c[1],
		ExitCode: c[2],
		Elapsed:  c[3],
		MaxRSS:   c[4],
		NodeList: c[5],
		Raw:      line,
	}, true
}

// NotFoundStatus is the synthetic status for a job unknown to both sources.
func NotFoundStatus(jobID string) Status {
	return Status{Source: SourceUnknown, JobID: jobID, State: StateNotFound}
}

var terminalStates = map[string]bool{
	"COMPLETED":     true,
	"FAILED":        true,
	"CANCELLED":     true,
	"TIMEOUT":       true,
	"OUT_OF_MEMORY": true,
	"PREEMPTED":     true,
	"BOOT_FAIL":     true,
	"DEADLINE":      true,
}

// NormalizeState upper-cases state and keeps only its first token, so
// sacct values such as "CANCELLED by 1000" or "FAILED+" compare cleanly.
func NormalizeState(state string) string {
	fields := strings.Fields(strings.ToUpper(state))
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimRight(fields[0], "+")
}

// IsTerminalState reports whether the job has finished for good.
func IsTerminalState(state string) bool {
	return terminalStates[NormalizeState(state)]
}

// QueueCommand is the remote squeue invocation for one job.
func QueueCommand(jobID string) string {
	return fmt.Sprintf("squeue -h -j %s -o %s", remote.Quote(jobID), remote.Quote(queueFormat))
}

// AccountingCommand is the remote sacct invocation for one job.
func AccountingCommand(jobID string) string {
	return fmt.Sprintf("sacct -n -P -j %s -o %s", remote.Quote(jobID), accountingFields)
}

// CancelCommand is the remote scancel invocation for one job.
func CancelCommand(jobID string) string {
	return "scancel " + remote.Quote(jobID)
}

// SubmitCommand is the remote sbatch invocation.  Every argument is
// quoted individually; blank arguments are dropped.
func SubmitCommand(args []string, scriptPath string) string {
	parts := []string{"sbatch"}
	for _, a := range nonBlank(args) {
		parts = append(parts, remote.Quote(a))
	}
	parts = append(parts, remote.QuotePath(scriptPath))
	return strings.Join(parts, " ")
}

func firstLine(output string, keep func(string) bool) (string, bool) {
	for _, l := range strings.Split(output, "\n") {
		l = strings.TrimSpace(l)
		if l != "" && keep(l) {
			return l, true
		}
	}
	return "", false
}

func columns(line string, n int) []string {
	c := strings.Split(line, "|")
	for len(c) < n {
		c = append(c, "")
	}
	return c
}
