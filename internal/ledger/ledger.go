// Package ledger persists run records as a single JSON document,
// runs.json, under the local runs root.
//
// Every mutation is a load-modify-save cycle.  Within one process the
// cycle is serialized per file; across processes the last writer wins,
// but the document is always replaced by an atomic rename so readers
// never observe a torn file.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileName is the ledger document name inside the runs root.
const FileName = "runs.json"

var ErrRunNotFound = errors.New("run not found")

// Job records one submission of a run's script.
type Job struct {
	JobID            string    `json:"jobId"`
	RemoteScriptPath string    `json:"remoteScriptPath"`
	LocalScriptPath  string    `json:"localScriptPath"`
	SubmittedAt      time.Time `json:"submittedAt"`
	SubmitOutput     string    `json:"submitOutput"`
}

// Run is the durable record of one logical computation.
type Run struct {
	RunID            string    `json:"runId"`
	ClusterID        string    `json:"clusterId"`
	LocalRunDir      string    `json:"localRunDir"`
	RemoteRunDir     string    `json:"remoteRunDir"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	LatestScriptPath string    `json:"latestScriptPath,omitempty"`
	LastJobID        string    `json:"lastJobId,omitempty"`
	Jobs             []Job     `json:"jobs"`
}

// Document is the on-disk shape.
type Document struct {
	Runs map[string]Run `json:"runs"`
}

// Ledger is a handle on one runs root.
type Ledger struct {
	root string
	mu   *sync.Mutex
}

var (
	locksMu sync.Mutex
	locks   = map[string]*sync.Mutex{}
)

// lockFor returns the mutex shared by every Ledger opened on path.
func lockFor(path string) *sync.Mutex {
	locksMu.Lock()
	defer locksMu.Unlock()
	if m, ok := locks[path]; ok {
		return m
	}
	m := &sync.Mutex{}
	locks[path] = m
	return m
}

// New returns a ledger rooted at runsRoot.  Nothing is touched on disk
// until the first write.
func New(runsRoot string) *Ledger {
	root := runsRoot
	if abs, err := filepath.Abs(runsRoot); err == nil {
		root = abs
	}
	return &Ledger{root: root, mu: lockFor(filepath.Join(root, FileName))}
}

// Root returns the absolute runs root.
func (l *Ledger) Root() string { return l.root }

// Path returns the absolute path of runs.json.
func (l *Ledger) Path() string { return filepath.Join(l.root, FileName) }

// Load reads the document.  A missing or malformed file yields an empty
// document; only unexpected I/O errors are returned.
func (l *Ledger) Load() (Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *Ledger) load() (Document, error) {
	doc := Document{Runs: map[string]Run{}}
	data, err := os.ReadFile(l.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("reading ledger %s: %w", l.Path(), err)
	}
	var parsed Document
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.Runs == nil {
		return doc, nil
	}
	return parsed, nil
}

// Save replaces the document on disk.
func (l *Ledger) Save(doc Document) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save(doc)
}

func (l *Ledger) save(doc Document) error {
	if doc.Runs == nil {
		doc.Runs = map[string]Run{}
	}
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("creating runs root %s: %w", l.root, err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	data = append(data, '\n')

	tmp := fmt.Sprintf("%s.%s.tmp", l.Path(), uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}
	if err := os.Rename(tmp, l.Path()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing ledger: %w", err)
	}
	return nil
}

// Upsert inserts or replaces run by id.
func (l *Ledger) Upsert(run Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return err
	}
	doc.Runs[run.RunID] = run
	return l.save(doc)
}

// Get returns the run with id runID.  The boolean is false when absent.
func (l *Ledger) Get(runID string) (Run, bool, error) {
	doc, err := l.Load()
	if err != nil {
		return Run{}, false, err
	}
	run, ok := doc.Runs[runID]
	return run, ok, nil
}

// Update applies fn to the stored run and saves the result in one
// serialized cycle.  fn must not call back into the ledger.
func (l *Ledger) Update(runID string, fn func(*Run) error) (Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return Run{}, err
	}
	run, ok := doc.Runs[runID]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err := fn(&run); err != nil {
		return Run{}, err
	}
	doc.Runs[runID] = run
	if err := l.save(doc); err != nil {
		return Run{}, err
	}
	return run, nil
}

// List returns every run, oldest first.
func (l *Ledger) List() ([]Run, error) {
	doc, err := l.Load()
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(doc.Runs))
	for _, r := range doc.Runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}
