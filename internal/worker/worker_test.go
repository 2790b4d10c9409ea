package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"search-ingest/internal/dataset"
	"search-ingest/internal/ingest"
	"search-ingest/internal/models"
	"search-ingest/internal/queue"
)

// memIndex is a minimal in-memory search index.
type memIndex struct {
	mu   sync.Mutex
	docs map[string]map[string]map[string]any
}

func newMemIndex() *memIndex {
	return &memIndex{docs: make(map[string]map[string]map[string]any)}
}

func (m *memIndex) EnsureIndex(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[name] == nil {
		m.docs[name] = make(map[string]map[string]any)
	}
	return nil
}

func (m *memIndex) Bulk(_ context.Context, ops []ingest.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if m.docs[op.Index] == nil {
			m.docs[op.Index] = make(map[string]map[string]any)
		}
		m.docs[op.Index][op.ID] = op.Doc
	}
	return nil
}

func (m *memIndex) SearchAllIDs(_ context.Context, index, field, value string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, doc := range m.docs[index] {
		if doc[field] == value {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memIndex) DeleteByIDs(_ context.Context, index string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.docs[index], id)
	}
	return nil
}

func (m *memIndex) ids(index string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.docs[index] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]string
	released []string
	err      error
}

func (f *fakeLocks) AcquireLock(_ context.Context, index, sourceID, owner string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	key := index + "/" + sourceID
	if _, ok := f.held[key]; ok {
		return false, nil
	}
	f.held[key] = owner
	return true, nil
}

func (f *fakeLocks) ReleaseLock(_ context.Context, index, sourceID, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := index + "/" + sourceID
	if f.held[key] == owner {
		delete(f.held, key)
	}
	f.released = append(f.released, owner)
	return nil
}

func (f *fakeLocks) LockOwner(_ context.Context, index, sourceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.held[index+"/"+sourceID]
	if !ok {
		return "", errors.New("not held")
	}
	return owner, nil
}

type fakeStatus struct {
	mu     sync.Mutex
	stages []string
	last   models.Run
}

func (f *fakeStatus) SetRun(_ context.Context, run *models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, run.Stage)
	f.last = *run
	return nil
}

type fakeHistory struct {
	mu        sync.Mutex
	inserted  []string
	finished  []models.Run
	insertErr error
}

func (f *fakeHistory) InsertRun(_ context.Context, run *models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, run.ID)
	return nil
}

func (f *fakeHistory) FinishRun(_ context.Context, run *models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, *run)
	return nil
}

type harness struct {
	worker  *Worker
	index   *memIndex
	locks   *fakeLocks
	status  *fakeStatus
	history *fakeHistory
	file    string
}

func newHarness(t *testing.T, jobs JobSource) *harness {
	t.Helper()
	return newHarnessWith(t, jobs, "", Options{})
}

// newHarnessWith appends extra TOML keys to the collection entry.
func newHarnessWith(t *testing.T, jobs JobSource, extra string, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "collection.jsonl")
	require.NoError(t, os.WriteFile(file, []byte(`{"id":"1","title":"A"}`+"\n"+`{"id":"2","title":"B"}`+"\n"), 0o644))

	reg, err := dataset.Parse([]byte(fmt.Sprintf(`
[[dataset]]
name = "collection"
file = %q
index = "art"
source_id = "museum"
%s
`, file, extra)))
	require.NoError(t, err)

	h := &harness{
		index:   newMemIndex(),
		locks:   &fakeLocks{held: map[string]string{}},
		status:  &fakeStatus{},
		history: &fakeHistory{},
		file:    file,
	}
	opts.RunTimeout = time.Minute
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	h.worker = New(reg, h.index, h.locks, h.status, h.history, jobs, opts)
	return h
}

func TestExecute_Succeeds(t *testing.T) {
	h := newHarness(t, nil)
	h.index.Bulk(context.Background(), []ingest.Operation{
		ingest.UpdateOperation("art", "stale", map[string]any{"sourceId": "museum"}),
	})

	run, err := h.worker.Execute(context.Background(), &models.Job{RunID: "run-1", Dataset: "collection", Trigger: models.TriggerAPI})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, run.Status)
	assert.Equal(t, string(ingest.StageDone), run.Stage)
	assert.Equal(t, "art", run.Index)
	assert.Equal(t, "museum", run.SourceID)
	assert.NotNil(t, run.FinishedAt)
	assert.Contains(t, string(run.Summary), `"deleted":1`)
	assert.Equal(t, []string{"1", "2"}, h.index.ids("art"))

	assert.Equal(t, []string{"run-1"}, h.history.inserted)
	require.Len(t, h.history.finished, 1)
	assert.Equal(t, models.StatusSucceeded, h.history.finished[0].Status)
	assert.Equal(t, models.StatusSucceeded, h.status.last.Status)
	assert.Contains(t, h.status.stages, string(ingest.StageReconcile))
	assert.Equal(t, []string{"run-1"}, h.locks.released)
	assert.Empty(t, h.locks.held)
}

func TestExecute_LockedIsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.locks.held["art/museum"] = "other-run"

	run, err := h.worker.Execute(context.Background(), &models.Job{RunID: "run-2", Dataset: "collection"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSkipped, run.Status)
	assert.Equal(t, ErrLocked.Error()+" (held by run other-run)", run.Error)
	assert.Empty(t, h.index.ids("art"))
	assert.Empty(t, h.locks.released)
	assert.Equal(t, "other-run", h.locks.held["art/museum"])
	require.Len(t, h.history.finished, 1)
	assert.Equal(t, models.StatusSkipped, h.history.finished[0].Status)
}

func TestExecute_UnknownDataset(t *testing.T) {
	h := newHarness(t, nil)

	run, err := h.worker.Execute(context.Background(), &models.Job{Dataset: "nope"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, run.Status)
	assert.NotEmpty(t, run.ID)
	assert.Contains(t, run.Error, "unknown dataset")
}

func TestExecute_PipelineFailure(t *testing.T) {
	h := newHarness(t, nil)

	run, err := h.worker.Execute(context.Background(), &models.Job{
		RunID:   "run-3",
		Dataset: "collection",
		File:    filepath.Join(filepath.Dir(h.file), "missing.jsonl"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, run.Status)
	assert.Equal(t, string(ingest.StageRead), run.Stage)
	assert.Contains(t, run.Error, "missing.jsonl")
	assert.Equal(t, []string{"run-3"}, h.locks.released)
}

func TestExecute_JobOverrides(t *testing.T) {
	h := newHarness(t, nil)
	prefix := true

	_, err := h.worker.Execute(context.Background(), &models.Job{Dataset: "collection", IncludeSourcePrefix: &prefix})
	require.NoError(t, err)
	assert.Equal(t, []string{"museum_1", "museum_2"}, h.index.ids("art"))
}

func TestExecute_PrefixPrecedence(t *testing.T) {
	off, on := false, true

	h := newHarnessWith(t, nil, "include_source_prefix = true", Options{})
	_, err := h.worker.Execute(context.Background(), &models.Job{Dataset: "collection"})
	require.NoError(t, err)
	assert.Equal(t, []string{"museum_1", "museum_2"}, h.index.ids("art"), "registry value applies when nothing overrides it")

	h = newHarnessWith(t, nil, "include_source_prefix = true", Options{IncludeSourcePrefix: &off})
	_, err = h.worker.Execute(context.Background(), &models.Job{Dataset: "collection"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, h.index.ids("art"), "worker setting replaces the registry value")

	h = newHarnessWith(t, nil, "include_source_prefix = true", Options{IncludeSourcePrefix: &off})
	_, err = h.worker.Execute(context.Background(), &models.Job{Dataset: "collection", IncludeSourcePrefix: &on})
	require.NoError(t, err)
	assert.Equal(t, []string{"museum_1", "museum_2"}, h.index.ids("art"), "job setting wins")
}

func TestExecute_PartialFileKeepsOtherDocuments(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.worker.Execute(context.Background(), &models.Job{Dataset: "collection"})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, h.index.ids("art"))

	delta := filepath.Join(filepath.Dir(h.file), "delta.jsonl")
	require.NoError(t, os.WriteFile(delta, []byte(`{"id":"9","title":"Z"}`+"\n"), 0o644))

	run, err := h.worker.Execute(context.Background(), &models.Job{RunID: "run-d", Dataset: "collection", File: "delta.jsonl"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, run.Status)
	assert.Equal(t, delta, run.File)
	assert.Contains(t, string(run.Summary), `"deleted":0`)
	assert.Equal(t, []string{"1", "2", "9"}, h.index.ids("art"))

	reconcile := false
	run, err = h.worker.Execute(context.Background(), &models.Job{Dataset: "collection", File: "delta.jsonl", SkipReconcile: &reconcile})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, run.Status)
	assert.Equal(t, []string{"9"}, h.index.ids("art"), "explicit skip_reconcile=false reconciles against the partial file")
}

func TestExecute_FileOutsideDatasetDirectory(t *testing.T) {
	h := newHarness(t, nil)
	h.index.Bulk(context.Background(), []ingest.Operation{
		ingest.UpdateOperation("art", "keep", map[string]any{"sourceId": "museum"}),
	})

	for _, file := range []string{"../other.jsonl", "/etc/collection.jsonl"} {
		run, err := h.worker.Execute(context.Background(), &models.Job{Dataset: "collection", File: file})
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, run.Status)
		assert.Contains(t, run.Error, dataset.ErrFileOutsideDataDir.Error())
		assert.Equal(t, file, run.File)
	}
	assert.Empty(t, h.locks.released, "rejected overrides never take the lock")
	assert.Equal(t, []string{"keep"}, h.index.ids("art"))
	require.Len(t, h.history.finished, 2)
}

func TestExecute_BackendFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.locks.err = errors.New("redis down")
	_, err := h.worker.Execute(context.Background(), &models.Job{Dataset: "collection"})
	assert.ErrorIs(t, err, h.locks.err)

	h = newHarness(t, nil)
	h.history.insertErr = errors.New("postgres down")
	_, err = h.worker.Execute(context.Background(), &models.Job{Dataset: "collection"})
	assert.ErrorIs(t, err, h.history.insertErr)
	assert.Len(t, h.locks.released, 1, "the lock is released when the run cannot be recorded")
}

type chanSource struct{ ch chan queue.Delivery }

func (c chanSource) Consume() (<-chan queue.Delivery, error) { return c.ch, nil }

func TestRun_ProcessesUntilClosed(t *testing.T) {
	src := chanSource{ch: make(chan queue.Delivery, 1)}
	h := newHarness(t, src)

	src.ch <- queue.Delivery{Job: &models.Job{RunID: "run-q", Dataset: "collection"}}
	close(src.ch)

	require.NoError(t, h.worker.Run(context.Background()))
	assert.Equal(t, []string{"run-q"}, h.history.inserted)
	assert.Equal(t, []string{"1", "2"}, h.index.ids("art"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, chanSource{ch: make(chan queue.Delivery)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, h.worker.Run(ctx))
}
