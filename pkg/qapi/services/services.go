package services

import (
	"context"
	"os"
	"sync"

	"github.com/quatton/qmesh/pkg/db"
	"github.com/quatton/qmesh/pkg/qapi/services/auth"
	"github.com/quatton/qmesh/pkg/qart"
	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qengine"
	"github.com/quatton/qmesh/pkg/qscene"
	"github.com/quatton/qmesh/pkg/qsdk"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"github.com/quatton/qmesh/pkg/qsession"
)

type Services struct {
	Auth      *auth.Service
	Tracker   *qsession.Tracker
	Engine    *qengine.Controller
	Schema    *qconf.Schema
	Presets   *qconf.PresetStore
	Runs      *db.RunRepository
	Artifacts qart.Store
	Scene     *Scene

	ConfigFormat qconf.ConfigFormat
	ScratchDir   string

	settingsMu sync.Mutex
	settings   *qconf.Settings
}

// Scene is the workspace scene shared with the tracker's exporter and
// importer.
type Scene struct {
	*qscene.Memory
	save func() error
}

func NewScene(m *qscene.Memory, save func() error) *Scene {
	return &Scene{Memory: m, save: save}
}

func (s *Scene) Save() error {
	if s.save == nil {
		return nil
	}
	return s.save()
}

// Select resolves object names.
func (s *Scene) Select(names []string) ([]qscene.ObjectID, error) {
	ids := make([]qscene.ObjectID, 0, len(names))
	for _, name := range names {
		o, err := s.FindByName(name)
		if err != nil {
			return nil, qerr.New(qerr.CodeNotFound, err)
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func NewServices(stack *qsdk.Stack, authSvc *auth.Service) (*Services, error) {
	format, err := qconf.ParseConfigFormat(stack.Config.Engine.ConfigFormat)
	if err != nil {
		return nil, err
	}
	return &Services{
		Auth:         authSvc,
		Tracker:      stack.Tracker,
		Engine:       stack.Engine,
		Schema:       stack.Schema,
		Presets:      stack.Presets,
		Runs:         stack.Runs,
		Artifacts:    stack.Artifacts,
		Scene:        NewScene(stack.Scene, stack.SaveScene),
		ConfigFormat: format,
		ScratchDir:   stack.Config.ScratchDir,
		settings:     stack.Settings,
	}, nil
}

// WithSettings runs fn with exclusive access to the session settings.
func (s *Services) WithSettings(fn func(*qconf.Settings) error) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	if s.settings == nil {
		s.settings = qconf.NewSettings(s.Schema)
	}
	return fn(s.settings)
}

// CheckSettings serializes values to a scratch file and asks the engine to
// read it.
func (s *Services) CheckSettings(ctx context.Context, values qconf.Values) error {
	if _, err := s.Schema.ValidateAll(values); err != nil {
		return err
	}
	if err := os.MkdirAll(s.ScratchDir, 0o755); err != nil {
		return err
	}
	dir, err := os.MkdirTemp(s.ScratchDir, "check-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path, err := qconf.Serialize(s.Schema, values, dir, qconf.SerializeOptions{Format: s.ConfigFormat})
	if err != nil {
		return err
	}
	return s.Engine.ValidateConfig(ctx, path)
}
