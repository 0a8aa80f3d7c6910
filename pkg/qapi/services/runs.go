package services

import (
	"context"
	"os"

	"github.com/quatton/qmesh/pkg/db"
	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"github.com/quatton/qmesh/pkg/qsession"
)

// StartRun starts a run on the named objects. Values come from the request,
// else from preset, else from the explicit session settings.
func (s *Services) StartRun(ctx context.Context, names []string, values qconf.Values, preset string) (*qsession.Run, error) {
	ids, err := s.Scene.Select(names)
	if err != nil {
		return nil, err
	}
	switch {
	case values != nil:
	case preset != "":
		if values, _, err = s.Presets.LoadExplicit(preset); err != nil {
			return nil, err
		}
	default:
		_ = s.WithSettings(func(st *qconf.Settings) error {
			values = st.Explicit()
			return nil
		})
	}
	return s.Tracker.StartRun(ctx, qsession.StartRequest{Sources: ids, Values: values})
}

// GetRun returns a live run, or its history record.
func (s *Services) GetRun(ctx context.Context, id string) (*qsession.Run, error) {
	run, err := s.Tracker.Get(id)
	if err == nil || !qerr.IsCode(err, qerr.CodeNotFound) || s.Runs == nil {
		return run, err
	}
	return s.Runs.Get(ctx, id)
}

// ListRuns lists run history, or the live runs when no history is kept.
func (s *Services) ListRuns(ctx context.Context, opts db.ListOptions) ([]*qsession.Run, error) {
	if s.Runs != nil {
		return s.Runs.List(ctx, opts)
	}
	var out []*qsession.Run
	for _, run := range s.Tracker.Runs() {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		if opts.AnchorKey != "" && run.AnchorKey != opts.AnchorKey {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

// DismissRun forgets a finished run. Failed runs left by an earlier daemon
// are only in history; their scratch directory is removed here.
func (s *Services) DismissRun(ctx context.Context, id string) error {
	err := s.Tracker.Dismiss(ctx, id)
	if err == nil || !qerr.IsCode(err, qerr.CodeNotFound) || s.Runs == nil {
		return err
	}
	run, err := s.Runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Active() {
		return qerr.Errorf(qerr.CodeBusy, "run %s is still %s", id, run.Status)
	}
	if run.Dir != "" && !run.Purged {
		if err := os.RemoveAll(run.Dir); err != nil {
			return err
		}
		run.Purged = true
	}
	run.Dismissed = true
	return s.Runs.SaveRun(ctx, run)
}
