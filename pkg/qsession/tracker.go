package qsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quatton/qmesh/pkg/qart"
	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qengine"
	"github.com/quatton/qmesh/pkg/qexport"
	"github.com/quatton/qmesh/pkg/qimport"
	"github.com/quatton/qmesh/pkg/qlog"
	"github.com/quatton/qmesh/pkg/qscene"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
)

const (
	inputFile = "input.glb"
	runFile   = "run.json"
	outputDir = "out"

	teardownWait = 5 * time.Second
)

// Config wires a Tracker to the pipeline stages.
type Config struct {
	Schema   *qconf.Schema
	Exporter *qexport.Exporter
	Engine   *qengine.Controller
	Importer *qimport.Importer

	// ScratchDir holds one directory per run.
	ScratchDir   string
	ConfigFormat qconf.ConfigFormat
	OutputName   string
}

// Tracker is the registry of runs, one per scene anchor. Its methods are
// serialized, so concurrent callers behave like a single host loop.
type Tracker struct {
	mu  sync.Mutex
	cfg Config

	store   RunStore
	archive qart.Store
	logger  *slog.Logger

	byAnchor map[string]*Run
	byID     map[string]*Run
}

type Option func(*Tracker)

// WithStore persists every run state change to store.
func WithStore(store RunStore) Option {
	return func(t *Tracker) {
		t.store = store
	}
}

// WithArchive uploads the diagnostics of failed runs to store.
func WithArchive(store qart.Store) Option {
	return func(t *Tracker) {
		t.archive = store
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

func New(cfg Config, opts ...Option) *Tracker {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(".qmesh", "runs")
	}
	if cfg.ConfigFormat == "" {
		cfg.ConfigFormat = qconf.FormatKV
	}
	if cfg.OutputName == "" {
		cfg.OutputName = qengine.DefaultOutputName
	}
	t := &Tracker{
		cfg:      cfg,
		logger:   slog.Default(),
		byAnchor: map[string]*Run{},
		byID:     map[string]*Run{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = qlog.WithComponent(t.logger, "session")
	return t
}

// StartRequest describes a new run.
type StartRequest struct {
	Sources []qscene.ObjectID
	// Values are the explicitly set options; unset options are left to the
	// engine defaults.
	Values qconf.Values
}

// StartRun validates the values, exports the selection, writes the engine
// config and launches the engine. Invalid values fail before anything is
// written. A previous run on the same anchor is superseded and its scratch
// directory removed.
func (t *Tracker) StartRun(ctx context.Context, req StartRequest) (*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start(ctx, req.Sources, req.Values, nil)
}

// RetryRun starts a new run with the sources, values and anchor of run id.
func (t *Tracker) RetryRun(ctx context.Context, id string) (*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	if run.Status.Active() {
		return nil, busy(run.ID)
	}
	anchor := run.Anchor
	return t.start(ctx, run.Sources, run.Values, &anchor)
}

func (t *Tracker) start(ctx context.Context, sources []qscene.ObjectID, values qconf.Values, anchor *qscene.Anchor) (*Run, error) {
	normalized, err := t.cfg.Schema.ValidateAll(values)
	if err != nil {
		return nil, err
	}
	if active := t.active(); active != nil {
		return nil, busy(active.ID)
	}
	if h := t.cfg.Engine.Current(); h != nil && !h.Status().Terminal() {
		return nil, busy(h.ID())
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	dir := filepath.Join(t.cfg.ScratchDir, id.String())
	run := &Run{
		ID:        id.String(),
		Sources:   slices.Clone(sources),
		Values:    normalized,
		Status:    StatusPending,
		Dir:       dir,
		InputPath: filepath.Join(dir, inputFile),
		OutputDir: filepath.Join(dir, outputDir),
		CreatedAt: time.Now(),
	}
	if anchor != nil {
		run.Anchor = *anchor
		run.AnchorKey = anchor.Key
	}
	t.byID[run.ID] = run
	logger := qlog.WithRun(t.logger, run.ID)

	run.Status = StatusExporting
	t.persist(ctx, run)
	res, err := t.cfg.Exporter.ExportSelection(ctx, sources, run.InputPath)
	if err != nil {
		return nil, t.abort(ctx, run, err)
	}
	if anchor == nil {
		run.Anchor = res.Anchor
		run.AnchorKey = res.Anchor.Key
	}
	if len(res.Stripped) > 0 {
		logger.Warn("procedural materials exported as geometry only", "materials", res.Stripped)
	}

	if prev := t.byAnchor[run.AnchorKey]; prev != nil {
		t.supersede(ctx, run, prev)
	}
	t.byAnchor[run.AnchorKey] = run

	run.ConfigPath, err = qconf.Serialize(t.cfg.Schema, normalized, dir, qconf.SerializeOptions{
		Format:     t.cfg.ConfigFormat,
		OutputName: t.cfg.OutputName,
	})
	if err != nil {
		return nil, t.abort(ctx, run, err)
	}

	h, err := t.cfg.Engine.Launch(ctx, qengine.LaunchSpec{
		RunID:      run.ID,
		RunDir:     dir,
		Input:      run.InputPath,
		Config:     run.ConfigPath,
		OutputDir:  run.OutputDir,
		OutputName: t.cfg.OutputName,
	})
	if err != nil {
		return nil, t.abort(ctx, run, err)
	}

	now := time.Now()
	run.handle = h
	run.StartedAt = &now
	run.Status = StatusRunning
	t.persist(ctx, run)
	logger.Info("run started", "anchor", run.AnchorKey, "objects", len(sources), "pid", h.PID())
	return run.clone(), nil
}

// supersede replaces prev as the entry for its anchor.
func (t *Tracker) supersede(ctx context.Context, run, prev *Run) {
	run.supersede = prev.Imported
	if len(run.supersede) == 0 {
		run.supersede = prev.supersede
	}
	if prev.ID == run.ID {
		return
	}
	t.purge(prev)
	delete(t.byID, prev.ID)
	t.persist(ctx, prev)
	t.logger.Debug("superseded run", "run_id", prev.ID, "by", run.ID, "status", prev.Status)
}

// abort ends a run that never reached the engine. Its scratch directory is
// removed and the session is idle again.
func (t *Tracker) abort(ctx context.Context, run *Run, cause error) error {
	now := time.Now()
	run.Status = StatusFailed
	run.FinishedAt = &now
	run.ErrorCode = qerr.CodeOf(cause)
	run.Error = cause.Error()
	t.purge(run)
	if run.AnchorKey == "" || t.byAnchor[run.AnchorKey] != run {
		delete(t.byID, run.ID)
	}
	t.persist(ctx, run)
	qlog.WithRun(t.logger, run.ID).Warn("run aborted", "code", run.ErrorCode, "error", cause)
	return cause
}

// Tick polls every running run and completes those whose engine has
// finished. It returns the runs that reached a terminal state.
func (t *Tracker) Tick(ctx context.Context) []*Run {
	t.mu.Lock()
	defer t.mu.Unlock()

	var done []*Run
	for _, run := range t.ordered() {
		if run.handle == nil || run.Status != StatusRunning {
			continue
		}
		if !t.cfg.Engine.Poll(run.handle).Terminal() {
			run.Progress = run.handle.Progress()
			continue
		}
		t.complete(ctx, run)
		done = append(done, run.clone())
	}
	return done
}

// CompleteRun finishes run id once its engine has exited: a success is
// imported into the scene, a failure keeps its diagnostics. The returned
// error is the failure of the run, if any. Calling it on a finished run
// returns the recorded outcome.
func (t *Tracker) CompleteRun(ctx context.Context, id string) (*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run.clone(), run.Err()
	}
	if run.handle == nil || !t.cfg.Engine.Poll(run.handle).Terminal() {
		return run.clone(), busy(run.ID)
	}
	t.complete(ctx, run)
	return run.clone(), run.Err()
}

// Wait ticks every interval until run id is terminal or ctx is done.
func (t *Tracker) Wait(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t.Tick(ctx)
		run, err := t.Get(id)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, run.Err()
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tracker) complete(ctx context.Context, run *Run) {
	h := run.handle
	run.handle = nil
	run.Progress = h.Progress()
	run.ExitCode = h.ExitCode()
	finished := h.FinishedAt()
	run.FinishedAt = &finished
	logger := qlog.WithRun(t.logger, run.ID)

	switch h.Status() {
	case qengine.StatusSucceeded:
		run.OutputPath = h.Output()
		res, err := t.cfg.Importer.ImportResult(ctx, qimport.Request{
			RunID:     run.ID,
			Output:    run.OutputPath,
			Anchor:    run.Anchor,
			Sources:   run.Sources,
			Supersede: run.supersede,
		})
		if err != nil {
			stdout, stderr := h.Logs()
			t.fail(ctx, run, err, &qengine.Diagnostic{
				Kind:      qengine.FailureOutput,
				Message:   err.Error(),
				StdoutLog: stdout,
				StderrLog: stderr,
			})
			return
		}
		run.Status = StatusSucceeded
		run.Imported = res.Objects
		run.supersede = nil
		t.purge(run)
		logger.Info("run succeeded", "imported", len(res.Objects), "superseded", res.Superseded)
	case qengine.StatusFailed:
		d := h.Diagnostic()
		t.fail(ctx, run, d.Err(), d)
		return
	default:
		run.Status = StatusCancelled
		t.purge(run)
		logger.Info("run cancelled")
	}
	t.persist(ctx, run)
}

// fail records a failed run. Its scratch directory is kept for inspection
// and archived when an artifact store is configured.
func (t *Tracker) fail(ctx context.Context, run *Run, cause error, d *qengine.Diagnostic) {
	run.Status = StatusFailed
	run.ErrorCode = qerr.CodeOf(cause)
	run.Error = cause.Error()
	run.Diagnostic = d
	t.persist(ctx, run)
	t.archiveRun(ctx, run)
	t.persist(ctx, run)
	qlog.WithRun(t.logger, run.ID).Error("run failed", "code", run.ErrorCode, "error", cause)
}

// CancelRun stops the engine of run id. The run reports Cancelled once the
// exit is confirmed, at the latest on the next Tick. Cancelling a finished
// run changes nothing.
func (t *Tracker) CancelRun(ctx context.Context, id string) (*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() || run.handle == nil {
		return run.clone(), nil
	}
	if err := t.cfg.Engine.Cancel(run.handle); err != nil {
		return nil, err
	}
	if t.cfg.Engine.Poll(run.handle).Terminal() {
		t.complete(ctx, run)
	}
	return run.clone(), nil
}

// Dismiss forgets a finished run and removes its scratch directory.
func (t *Tracker) Dismiss(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, err := t.lookup(id)
	if err != nil {
		return err
	}
	if run.Status.Active() {
		return busy(run.ID)
	}
	t.purge(run)
	run.Dismissed = true
	delete(t.byID, run.ID)
	if t.byAnchor[run.AnchorKey] == run {
		delete(t.byAnchor, run.AnchorKey)
	}
	t.persist(ctx, run)
	return nil
}

// Teardown ends the session: running engines are cancelled and the scratch
// directories of unfinished runs removed. Each cancelled engine gets up to
// teardownWait to exit before its directory goes. Failed runs keep their
// diagnostics until dismissed.
func (t *Tracker) Teardown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, run := range t.ordered() {
		if run.Status == StatusFailed {
			continue
		}
		if run.Status.Active() {
			if run.handle != nil {
				if err := t.cfg.Engine.Cancel(run.handle); err != nil {
					errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
				}
				select {
				case <-run.handle.Done():
				case <-ctx.Done():
				case <-time.After(teardownWait):
					qlog.WithRun(t.logger, run.ID).Warn("engine still running at teardown")
				}
				t.cfg.Engine.Poll(run.handle)
				run.handle = nil
			}
			now := time.Now()
			run.Status = StatusCancelled
			run.FinishedAt = &now
		}
		t.purge(run)
		t.persist(ctx, run)
		delete(t.byID, run.ID)
		if t.byAnchor[run.AnchorKey] == run {
			delete(t.byAnchor, run.AnchorKey)
		}
	}
	return errors.Join(errs...)
}

// Runs returns a snapshot of the registry, oldest first.
func (t *Tracker) Runs() []*Run {
	t.mu.Lock()
	defer t.mu.Unlock()

	runs := t.ordered()
	out := make([]*Run, len(runs))
	for i, r := range runs {
		out[i] = r.clone()
	}
	return out
}

// Get returns a snapshot of run id.
func (t *Tracker) Get(id string) (*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	return run.clone(), nil
}

// ForAnchor returns the current run for an anchor key.
func (t *Tracker) ForAnchor(key string) (*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.byAnchor[key]
	if !ok {
		return nil, qerr.Errorf(qerr.CodeNotFound, "no run for anchor %s", key)
	}
	return run.clone(), nil
}

func busy(runID string) error {
	return qerr.New(qerr.CodeBusy, &qengine.BusyError{RunID: runID})
}

func (t *Tracker) lookup(id string) (*Run, error) {
	run, ok := t.byID[id]
	if !ok {
		return nil, qerr.Errorf(qerr.CodeNotFound, "run %s not found", id)
	}
	return run, nil
}

func (t *Tracker) active() *Run {
	for _, r := range t.byID {
		if r.Status.Active() {
			return r
		}
	}
	return nil
}

// ordered returns the registered runs by id. Ids are UUIDv7, so this is
// creation order.
func (t *Tracker) ordered() []*Run {
	runs := make([]*Run, 0, len(t.byID))
	for _, r := range t.byID {
		runs = append(runs, r)
	}
	slices.SortFunc(runs, func(a, b *Run) int {
		return strings.Compare(a.ID, b.ID)
	})
	return runs
}

func (t *Tracker) purge(run *Run) {
	if run.Purged || run.Dir == "" {
		return
	}
	if err := os.RemoveAll(run.Dir); err != nil {
		t.logger.Warn("removing run directory", "run_id", run.ID, "dir", run.Dir, "error", err)
		return
	}
	run.Purged = true
}

// persist writes run.json into the run directory and saves the run to the
// store. Failures are logged; the in-memory registry stays authoritative.
func (t *Tracker) persist(ctx context.Context, run *Run) {
	if !run.Purged {
		if err := writeRunFile(run); err != nil {
			t.logger.Warn("writing run state", "run_id", run.ID, "error", err)
		}
	}
	if t.store == nil {
		return
	}
	if err := t.store.SaveRun(ctx, run.clone()); err != nil {
		t.logger.Warn("saving run", "run_id", run.ID, "error", err)
	}
}

func writeRunFile(run *Run) error {
	if err := os.MkdirAll(run.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	return os.WriteFile(filepath.Join(run.Dir, runFile), data, 0o644)
}

// archiveRun uploads the engine logs, config and run state of a failed run.
func (t *Tracker) archiveRun(ctx context.Context, run *Run) {
	if t.archive == nil {
		return
	}
	files := []string{"stdout.log", "stderr.log", runFile}
	if run.ConfigPath != "" {
		files = append(files, filepath.Base(run.ConfigPath))
	}
	for _, name := range files {
		a, err := t.upload(ctx, run, name)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				t.logger.Warn("archiving run file", "run_id", run.ID, "file", name, "error", err)
			}
			continue
		}
		run.Artifacts = append(run.Artifacts, *a)
	}
}

func (t *Tracker) upload(ctx context.Context, run *Run, name string) (*Artifact, error) {
	f, err := os.Open(filepath.Join(run.Dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	contentType := qart.ContentTypeFor(name)
	stored, err := t.archive.Upload(ctx, qart.RunArtifactKey(run.ID, name), f, stat.Size(), contentType, map[string]string{
		"run_id": run.ID,
		"anchor": run.AnchorKey,
	})
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Key:         stored.Key,
		Filename:    name,
		Size:        stat.Size(),
		ContentType: contentType,
	}, nil
}
