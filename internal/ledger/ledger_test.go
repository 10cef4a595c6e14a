package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type LedgerSuite struct {
	suite.Suite
	root   string
	ledger *Ledger
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.root = filepath.Join(s.T().TempDir(), "runs")
	s.ledger = New(s.root)
}

func sampleRun(id string, created time.Time) Run {
	return Run{
		RunID:        id,
		ClusterID:    "gautschi-cpu",
		LocalRunDir:  "/tmp/runs/" + id,
		RemoteRunDir: "~/runs/" + id,
		CreatedAt:    created,
		UpdatedAt:    created,
		Jobs:         []Job{},
	}
}

func (s *LedgerSuite) TestMissingFileLoadsEmpty() {
	doc, err := s.ledger.Load()
	require.NoError(s.T(), err)
	assert.Empty(s.T(), doc.Runs)
	assert.NoFileExists(s.T(), s.ledger.Path())
}

func (s *LedgerSuite) TestMalformedFileLoadsEmpty() {
	require.NoError(s.T(), os.MkdirAll(s.root, 0o755))
	require.NoError(s.T(), os.WriteFile(s.ledger.Path(), []byte("{not json"), 0o644))

	doc, err := s.ledger.Load()
	require.NoError(s.T(), err)
	assert.Empty(s.T(), doc.Runs)

	require.NoError(s.T(), os.WriteFile(s.ledger.Path(), []byte(`{"other": 1}`), 0o644))
	doc, err = s.ledger.Load()
	require.NoError(s.T(), err)
	assert.NotNil(s.T(), doc.Runs)
	assert.Empty(s.T(), doc.Runs)
}

func (s *LedgerSuite) TestUpsertGetRoundTrip() {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	run := sampleRun("demo-20260102-030405", created)
	run.Jobs = []Job{{JobID: "12345", RemoteScriptPath: "~/runs/x/job.slurm", SubmittedAt: created, SubmitOutput: "Submitted batch job 12345"}}
	run.LastJobID = "12345"
	require.NoError(s.T(), s.ledger.Upsert(run))

	got, ok, err := New(s.root).Get(run.RunID)
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	assert.Equal(s.T(), run, got)

	_, ok, err = s.ledger.Get("missing")
	require.NoError(s.T(), err)
	assert.False(s.T(), ok)
}

func (s *LedgerSuite) TestDocumentShapeUsesCamelCase() {
	require.NoError(s.T(), s.ledger.Upsert(sampleRun("r1", time.Now().UTC())))

	data, err := os.ReadFile(s.ledger.Path())
	require.NoError(s.T(), err)
	text := string(data)
	assert.Contains(s.T(), text, `"runs": {`)
	assert.Contains(s.T(), text, `"runId": "r1"`)
	assert.Contains(s.T(), text, `"clusterId": "gautschi-cpu"`)
	assert.Contains(s.T(), text, `"jobs": []`)
	assert.NotContains(s.T(), text, "lastJobId")
}

func (s *LedgerSuite) TestUpdate() {
	require.NoError(s.T(), s.ledger.Upsert(sampleRun("r1", time.Now().UTC())))

	updated, err := s.ledger.Update("r1", func(r *Run) error {
		r.LastJobID = "99"
		r.Jobs = append(r.Jobs, Job{JobID: "99"})
		return nil
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "99", updated.LastJobID)

	got, _, err := s.ledger.Get("r1")
	require.NoError(s.T(), err)
	assert.Len(s.T(), got.Jobs, 1)
}

func (s *LedgerSuite) TestUpdateMissingRun() {
	_, err := s.ledger.Update("nope", func(*Run) error { return nil })
	assert.ErrorIs(s.T(), err, ErrRunNotFound)
}

func (s *LedgerSuite) TestUpdateCallbackErrorLeavesDocument() {
	require.NoError(s.T(), s.ledger.Upsert(sampleRun("r1", time.Now().UTC())))
	boom := fmt.Errorf("boom")

	_, err := s.ledger.Update("r1", func(r *Run) error {
		r.LastJobID = "changed"
		return boom
	})
	assert.ErrorIs(s.T(), err, boom)

	got, _, err := s.ledger.Get("r1")
	require.NoError(s.T(), err)
	assert.Empty(s.T(), got.LastJobID)
}

func (s *LedgerSuite) TestListOrderedByCreation() {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(s.T(), s.ledger.Upsert(sampleRun("late", base.Add(time.Hour))))
	require.NoError(s.T(), s.ledger.Upsert(sampleRun("early", base)))

	runs, err := s.ledger.List()
	require.NoError(s.T(), err)
	require.Len(s.T(), runs, 2)
	assert.Equal(s.T(), "early", runs[0].RunID)
	assert.Equal(s.T(), "late", runs[1].RunID)
}

func (s *LedgerSuite) TestConcurrentUpsertsAreNotLost() {
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate handles on the same root share one lock.
			assert.NoError(s.T(), New(s.root).Upsert(sampleRun(fmt.Sprintf("r%02d", i), time.Now().UTC())))
		}()
	}
	wg.Wait()

	doc, err := s.ledger.Load()
	require.NoError(s.T(), err)
	assert.Len(s.T(), doc.Runs, 20)

	entries, err := os.ReadDir(s.root)
	require.NoError(s.T(), err)
	assert.Len(s.T(), entries, 1, "no temp files left behind")
}
