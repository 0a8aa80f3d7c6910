package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quatton/qmesh/pkg/db/models"
	"github.com/quatton/qmesh/pkg/qsession"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"github.com/uptrace/bun"
)

// RunRepository stores run history. It implements qsession.RunStore.
type RunRepository struct {
	db bun.IDB
}

var _ qsession.RunStore = (*RunRepository)(nil)

func NewRunRepository(db bun.IDB) *RunRepository {
	return &RunRepository{db: db}
}

var upsertColumns = []string{
	"anchor_key", "anchor_name", "status", "error_code", "error", "exit_code",
	"dir", "purged", "dismissed", "record", "started_at", "finished_at", "updated_at",
}

// SaveRun inserts or updates run.
func (r *RunRepository) SaveRun(ctx context.Context, run *qsession.Run) error {
	m, err := toModel(run)
	if err != nil {
		return err
	}
	q := r.db.NewInsert().Model(m).On("CONFLICT (id) DO UPDATE")
	for _, c := range upsertColumns {
		q = q.Set(fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns run id.
func (r *RunRepository) Get(ctx context.Context, id string) (*qsession.Run, error) {
	m := new(models.Run)
	err := r.db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, qerr.Errorf(qerr.CodeNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return fromModel(m)
}

// ListOptions filters List. Zero values match everything except dismissed runs.
type ListOptions struct {
	Status           qsession.Status
	AnchorKey        string
	IncludeDismissed bool
	Limit            int
}

// List returns runs, newest first.
func (r *RunRepository) List(ctx context.Context, opts ListOptions) ([]*qsession.Run, error) {
	var rows []models.Run
	q := r.db.NewSelect().Model(&rows).Order("created_at DESC", "id DESC")
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.AnchorKey != "" {
		q = q.Where("anchor_key = ?", opts.AnchorKey)
	}
	if !opts.IncludeDismissed {
		q = q.Where("dismissed = ?", false)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*qsession.Run, 0, len(rows))
	for i := range rows {
		run, err := fromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Delete removes run id from history.
func (r *RunRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.NewDelete().Model((*models.Run)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return qerr.Errorf(qerr.CodeNotFound, "run %s not found", id)
	}
	return nil
}

// MarkInterrupted fails runs left unfinished by a process that exited
// without completing them. It returns the number of runs changed.
func (r *RunRepository) MarkInterrupted(ctx context.Context) (int, error) {
	var rows []models.Run
	err := r.db.NewSelect().Model(&rows).
		Where("status IN (?)", bun.In([]string{
			string(qsession.StatusPending),
			string(qsession.StatusExporting),
			string(qsession.StatusRunning),
		})).
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find interrupted runs: %w", err)
	}

	now := time.Now()
	for i := range rows {
		run, err := fromModel(&rows[i])
		if err != nil {
			return i, err
		}
		run.Status = qsession.StatusFailed
		run.ErrorCode = qerr.CodeProcess
		run.Error = "interrupted: the session ended while the run was active"
		run.FinishedAt = &now
		if err := r.SaveRun(ctx, run); err != nil {
			return i, err
		}
	}
	return len(rows), nil
}

func toModel(run *qsession.Run) (*models.Run, error) {
	record, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}
	return &models.Run{
		ID:         run.ID,
		AnchorKey:  run.AnchorKey,
		AnchorName: run.Anchor.Name,
		Status:     string(run.Status),
		ErrorCode:  string(run.ErrorCode),
		Error:      run.Error,
		ExitCode:   run.ExitCode,
		Dir:        run.Dir,
		Purged:     run.Purged,
		Dismissed:  run.Dismissed,
		Record:     string(record),
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		UpdatedAt:  time.Now(),
	}, nil
}

func fromModel(m *models.Run) (*qsession.Run, error) {
	var run qsession.Run
	if err := json.Unmarshal([]byte(m.Record), &run); err != nil {
		return nil, fmt.Errorf("failed to parse run %s: %w", m.ID, err)
	}
	// Columns win over the record; MarkInterrupted and older writers only
	// touch columns.
	run.ID = m.ID
	run.Status = qsession.Status(m.Status)
	run.Dismissed = m.Dismissed
	run.Purged = m.Purged
	return &run, nil
}
