package qsession

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quatton/qmesh/pkg/qart"
	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qengine"
	"github.com/quatton/qmesh/pkg/qexport"
	"github.com/quatton/qmesh/pkg/qimport"
	"github.com/quatton/qmesh/pkg/qscene"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// argParser finds the -i and -o arguments of the engine command line.
const argParser = `
in=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -i) in="$2"; shift 2 ;;
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
`

// echoEngine returns the exported scene unchanged as its result.
const echoEngine = `
echo "100% [##########]"
cp "$in" "$out/result.glb"
`

func writeEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+argParser+body), 0o755))
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(f float64) *float64 { return &f }

type memStore struct {
	mu       sync.Mutex
	statuses map[string][]Status
	last     map[string]*Run
}

func newMemStore() *memStore {
	return &memStore{statuses: map[string][]Status{}, last: map[string]*Run{}}
}

func (s *memStore) SaveRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.statuses[run.ID]
	if len(hist) == 0 || hist[len(hist)-1] != run.Status {
		s.statuses[run.ID] = append(hist, run.Status)
	}
	s.last[run.ID] = run
	return nil
}

type env struct {
	host    *qscene.Memory
	coll    *qscene.Collection
	car     *qscene.Object
	tracker *Tracker
	scratch string
	store   *memStore
	archive string
}

func newEnv(t *testing.T, engineBody string) *env {
	t.Helper()
	host := qscene.NewMemory()
	coll, err := host.CreateCollection("Vehicles", "")
	require.NoError(t, err)
	car, err := host.AddObject(&qscene.Object{
		Name:       "Car",
		Collection: coll.ID,
		Mesh: &qscene.Mesh{
			Positions: [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
			Indices:   []uint32{0, 1, 2},
		},
	})
	require.NoError(t, err)

	schema, err := qconf.NewSchema("1.0.0", []*qconf.Option{
		{Key: "decimationRatio", Type: qconf.TypeFloat, Default: 0.5, Min: ptr(0), Max: ptr(1)},
		{Key: "bakeTextures", Type: qconf.TypeBool, Default: true},
	})
	require.NoError(t, err)

	e := &env{
		host:    host,
		coll:    coll,
		car:     car,
		scratch: filepath.Join(t.TempDir(), "runs"),
		store:   newMemStore(),
		archive: t.TempDir(),
	}
	log := discardLogger()
	e.tracker = New(Config{
		Schema:     schema,
		Exporter:   qexport.New(host, qexport.WithLogger(log)),
		Engine:     qengine.New(qengine.Config{Path: writeEngine(t, engineBody), KillGrace: 200 * time.Millisecond}, qengine.WithLogger(log)),
		Importer:   qimport.New(host, qimport.WithLogger(log)),
		ScratchDir: e.scratch,
	}, WithStore(e.store), WithArchive(qart.NewDirStore(e.archive)), WithLogger(log))
	t.Cleanup(func() { _ = e.tracker.Teardown(context.Background()) })
	return e
}

func (e *env) start(t *testing.T, values qconf.Values) *Run {
	t.Helper()
	run, err := e.tracker.StartRun(context.Background(), StartRequest{
		Sources: []qscene.ObjectID{e.car.ID},
		Values:  values,
	})
	require.NoError(t, err)
	return run
}

func (e *env) wait(t *testing.T, id string) (*Run, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.tracker.Wait(ctx, id, 10*time.Millisecond)
}

func (e *env) collectionNames(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, id := range e.host.CollectionObjects(e.coll.ID) {
		o, err := e.host.Object(id)
		require.NoError(t, err)
		out = append(out, o.Name)
	}
	return out
}

func TestTracker_RunSucceeded(t *testing.T) {
	e := newEnv(t, echoEngine)

	run := e.start(t, qconf.Values{"decimationRatio": 0.3})
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, e.car.Name, run.Anchor.Name)

	cfg, err := os.ReadFile(run.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "decimationRatio=0.3\n", string(cfg))

	done, err := e.wait(t, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.NotEmpty(t, done.Imported)
	assert.True(t, done.Purged)
	assert.NoDirExists(t, run.Dir)
	assert.ElementsMatch(t, []string{"Car", "Car_processed"}, e.collectionNames(t))

	assert.Equal(t, []Status{StatusExporting, StatusRunning, StatusSucceeded}, e.store.statuses[run.ID])
}

func TestTracker_RerunSupersedes(t *testing.T) {
	e := newEnv(t, echoEngine)

	first := e.start(t, nil)
	_, err := e.wait(t, first.ID)
	require.NoError(t, err)

	second := e.start(t, qconf.Values{"bakeTextures": false})
	assert.Equal(t, first.AnchorKey, second.AnchorKey)
	_, err = e.wait(t, second.ID)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"Car", "Car_processed"}, e.collectionNames(t))
	runs := e.tracker.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, second.ID, runs[0].ID)

	_, err = e.tracker.Get(first.ID)
	assert.True(t, qerr.IsCode(err, qerr.CodeNotFound))
}

func TestTracker_InvalidValuesNeverReachEngine(t *testing.T) {
	e := newEnv(t, echoEngine)

	_, err := e.tracker.StartRun(context.Background(), StartRequest{
		Sources: []qscene.ObjectID{e.car.ID},
		Values:  qconf.Values{"decimationRatio": 1.5},
	})
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeRange))
	assert.Empty(t, e.tracker.Runs())
	assert.NoDirExists(t, e.scratch)
}

func TestTracker_ExportErrorAborts(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	e := newEnv(t, `touch "`+marker+`"`)
	empty, err := e.host.AddObject(&qscene.Object{Name: "Empty", Kind: qscene.KindEmpty, Collection: e.coll.ID})
	require.NoError(t, err)

	_, err = e.tracker.StartRun(context.Background(), StartRequest{Sources: []qscene.ObjectID{empty.ID}})
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeExport))
	assert.Empty(t, e.tracker.Runs())
	assert.NoFileExists(t, marker)

	// The session is idle again.
	run := e.start(t, nil)
	assert.Equal(t, StatusRunning, run.Status)
}

func TestTracker_ProcessFailureKeepsDiagnostics(t *testing.T) {
	e := newEnv(t, `
echo "engine exploded" >&2
exit 3
`)
	run := e.start(t, nil)

	done, err := e.wait(t, run.ID)
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeProcess))
	assert.Equal(t, StatusFailed, done.Status)
	require.NotNil(t, done.Diagnostic)
	assert.Equal(t, 3, done.Diagnostic.ExitCode)
	assert.Contains(t, done.Diagnostic.StderrTail, "engine exploded")
	assert.DirExists(t, run.Dir)
	assert.FileExists(t, filepath.Join(run.Dir, "stderr.log"))

	// Diagnostics were archived.
	var archived []string
	for _, a := range done.Artifacts {
		archived = append(archived, a.Filename)
	}
	assert.Contains(t, archived, "stderr.log")
	assert.Contains(t, archived, "run.json")
	assert.FileExists(t, filepath.Join(e.archive, "runs", run.ID, "stderr.log"))

	// Teardown keeps failed diagnostics; only dismissal removes them.
	require.NoError(t, e.tracker.Teardown(context.Background()))
	assert.DirExists(t, run.Dir)

	require.NoError(t, e.tracker.Dismiss(context.Background(), run.ID))
	assert.NoDirExists(t, run.Dir)
	assert.Empty(t, e.tracker.Runs())
	assert.True(t, e.store.last[run.ID].Dismissed)
}

func TestTracker_MissingOutputIsImportFailure(t *testing.T) {
	e := newEnv(t, `exit 0`)
	run := e.start(t, nil)

	done, err := e.wait(t, run.ID)
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeImport))
	assert.Equal(t, StatusFailed, done.Status)
	require.NotNil(t, done.Diagnostic)
	assert.Equal(t, qengine.FailureOutput, done.Diagnostic.Kind)
	assert.ElementsMatch(t, []string{"Car"}, e.collectionNames(t))
}

func TestTracker_CorruptOutputLeavesSceneUntouched(t *testing.T) {
	e := newEnv(t, `printf 'not a glb' > "$out/result.glb"`)
	run := e.start(t, nil)

	done, err := e.wait(t, run.ID)
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeImport))
	assert.Equal(t, qerr.CodeImport, done.ErrorCode)
	assert.DirExists(t, run.Dir)
	assert.Len(t, e.host.Objects(), 1)
}

func TestTracker_BusyAndCancel(t *testing.T) {
	e := newEnv(t, `exec sleep 5`)
	run := e.start(t, nil)

	_, err := e.tracker.StartRun(context.Background(), StartRequest{Sources: []qscene.ObjectID{e.car.ID}})
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeBusy))
	_, err = e.tracker.RetryRun(context.Background(), run.ID)
	assert.True(t, qerr.IsCode(err, qerr.CodeBusy))
	assert.True(t, qerr.IsCode(e.tracker.Dismiss(context.Background(), run.ID), qerr.CodeBusy))

	_, err = e.tracker.CompleteRun(context.Background(), run.ID)
	assert.True(t, qerr.IsCode(err, qerr.CodeBusy))

	cancelled, err := e.tracker.CancelRun(context.Background(), run.ID)
	require.NoError(t, err)
	if cancelled.Status != StatusCancelled {
		cancelled, err = e.wait(t, run.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NoDirExists(t, run.Dir)

	// Cancelling again is a no-op.
	again, err := e.tracker.CancelRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Equal(t, cancelled.FinishedAt, again.FinishedAt)
}

func TestTracker_RetryReusesAnchor(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "fixed")
	e := newEnv(t, `
if [ ! -f "`+flag+`" ]; then
  echo "license check failed" >&2
  exit 2
fi
cp "$in" "$out/result.glb"
`)
	first := e.start(t, qconf.Values{"decimationRatio": 0.25})
	_, err := e.wait(t, first.ID)
	require.Error(t, err)
	assert.DirExists(t, first.Dir)

	// Objects moved after the first run; the retry still lands in the
	// original collection.
	other, err := e.host.CreateCollection("Elsewhere", "")
	require.NoError(t, err)
	require.NoError(t, e.host.Link(e.car.ID, other.ID))

	require.NoError(t, os.WriteFile(flag, nil, 0o644))
	retry, err := e.tracker.RetryRun(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.AnchorKey, retry.AnchorKey)
	assert.Equal(t, first.Values, retry.Values)
	assert.NoDirExists(t, first.Dir)

	done, err := e.wait(t, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.ElementsMatch(t, []string{"Car_processed"}, e.collectionNames(t))

	byAnchor, err := e.tracker.ForAnchor(first.AnchorKey)
	require.NoError(t, err)
	assert.Equal(t, retry.ID, byAnchor.ID)
}

func TestTracker_TeardownCancelsRunning(t *testing.T) {
	e := newEnv(t, `exec sleep 5`)
	run := e.start(t, nil)

	require.NoError(t, e.tracker.Teardown(context.Background()))
	assert.NoDirExists(t, run.Dir)
	assert.Empty(t, e.tracker.Runs())
	assert.Equal(t, StatusCancelled, e.store.last[run.ID].Status)
}

func TestTracker_NotFound(t *testing.T) {
	e := newEnv(t, echoEngine)

	_, err := e.tracker.Get("nope")
	assert.True(t, qerr.IsCode(err, qerr.CodeNotFound))
	_, err = e.tracker.CancelRun(context.Background(), "nope")
	assert.True(t, qerr.IsCode(err, qerr.CodeNotFound))
	assert.True(t, qerr.IsCode(e.tracker.Dismiss(context.Background(), "nope"), qerr.CodeNotFound))
}
