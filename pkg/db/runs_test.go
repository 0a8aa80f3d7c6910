package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/quatton/qmesh/pkg/qengine"
	"github.com/quatton/qmesh/pkg/qscene"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"github.com/quatton/qmesh/pkg/qsession"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *RunRepository {
	t.Helper()
	ctx := context.Background()
	database, err := New(ctx, Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "qmesh.db")})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, Migrate(ctx, database))
	// Migrating twice is a no-op.
	require.NoError(t, Migrate(ctx, database))
	return NewRunRepository(database)
}

func testRun(id string, created time.Time) *qsession.Run {
	return &qsession.Run{
		ID:        id,
		AnchorKey: "a1b2c3d4e5f60718",
		Anchor:    qscene.Anchor{Key: "a1b2c3d4e5f60718", CollectionID: "c1", Name: "Car"},
		Sources:   []qscene.ObjectID{"o1"},
		Status:    qsession.StatusRunning,
		Dir:       "/tmp/runs/" + id,
		CreatedAt: created.UTC().Truncate(time.Millisecond),
	}
}

func TestRunRepository_SaveAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	run := testRun("0192a000-0000-7000-8000-000000000001", time.Now())
	require.NoError(t, repo.SaveRun(ctx, run))

	code := 3
	run.Status = qsession.StatusFailed
	run.ExitCode = &code
	run.ErrorCode = qerr.CodeProcess
	run.Error = "engine exited with code 3"
	run.Diagnostic = &qengine.Diagnostic{Kind: qengine.FailureProcess, ExitCode: 3, StderrTail: "boom"}
	require.NoError(t, repo.SaveRun(ctx, run))

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, qsession.StatusFailed, got.Status)
	assert.Equal(t, run.Anchor, got.Anchor)
	assert.Equal(t, run.Sources, got.Sources)
	require.NotNil(t, got.Diagnostic)
	assert.Equal(t, "boom", got.Diagnostic.StderrTail)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, qerr.IsCode(err, qerr.CodeNotFound))
}

func TestRunRepository_List(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now()

	ok := testRun("0192a000-0000-7000-8000-000000000001", base)
	ok.Status = qsession.StatusSucceeded
	failed := testRun("0192a000-0000-7000-8000-000000000002", base.Add(time.Second))
	failed.Status = qsession.StatusFailed
	dismissed := testRun("0192a000-0000-7000-8000-000000000003", base.Add(2*time.Second))
	dismissed.Status = qsession.StatusFailed
	dismissed.Dismissed = true
	other := testRun("0192a000-0000-7000-8000-000000000004", base.Add(3*time.Second))
	other.AnchorKey = "ffffffffffffffff"
	other.Status = qsession.StatusCancelled
	for _, r := range []*qsession.Run{ok, failed, dismissed, other} {
		require.NoError(t, repo.SaveRun(ctx, r))
	}

	ids := func(runs []*qsession.Run) []string {
		var out []string
		for _, r := range runs {
			out = append(out, r.ID)
		}
		return out
	}

	all, err := repo.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID, failed.ID, ok.ID}, ids(all))

	withDismissed, err := repo.List(ctx, ListOptions{IncludeDismissed: true})
	require.NoError(t, err)
	assert.Len(t, withDismissed, 4)

	onlyFailed, err := repo.List(ctx, ListOptions{Status: qsession.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, []string{failed.ID}, ids(onlyFailed))

	byAnchor, err := repo.List(ctx, ListOptions{AnchorKey: ok.AnchorKey, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{failed.ID}, ids(byAnchor))
}

func TestRunRepository_MarkInterrupted(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	running := testRun("0192a000-0000-7000-8000-000000000001", time.Now())
	done := testRun("0192a000-0000-7000-8000-000000000002", time.Now())
	done.Status = qsession.StatusSucceeded
	require.NoError(t, repo.SaveRun(ctx, running))
	require.NoError(t, repo.SaveRun(ctx, done))

	n, err := repo.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, qsession.StatusFailed, got.Status)
	assert.Equal(t, qerr.CodeProcess, got.ErrorCode)
	assert.NotNil(t, got.FinishedAt)

	got, err = repo.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, qsession.StatusSucceeded, got.Status)
}

func TestRunRepository_Delete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	run := testRun("0192a000-0000-7000-8000-000000000001", time.Now())
	require.NoError(t, repo.SaveRun(ctx, run))
	require.NoError(t, repo.Delete(ctx, run.ID))
	assert.True(t, qerr.IsCode(repo.Delete(ctx, run.ID), qerr.CodeNotFound))
}

func TestNew_UnsupportedDriver(t *testing.T) {
	_, err := New(context.Background(), Config{Driver: "oracle"})
	require.Error(t, err)
}
