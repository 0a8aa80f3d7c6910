package qapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quatton/qmesh/pkg/qapi/config"
	"github.com/quatton/qmesh/pkg/qapi/routes"
	"github.com/quatton/qmesh/pkg/qapi/services"
	"github.com/quatton/qmesh/pkg/qapi/services/auth"
	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qlog"
	"github.com/quatton/qmesh/pkg/qsdk"
	"github.com/quatton/qmesh/pkg/qsession"
)

// Server is the local daemon: the HTTP API plus the loop that completes runs
// whose engine has exited.
type Server struct {
	Api      *Api
	Services *services.Services

	env    *config.EnvConfig
	logger *slog.Logger
}

func NewServer(stack *qsdk.Stack, env *config.EnvConfig, secret []byte, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	authSvc := auth.NewService(secret, logger)
	svcs, err := services.NewServices(stack, authSvc)
	if err != nil {
		return nil, err
	}

	a := NewApi()
	a.Api.UseMiddleware(authSvc.Middleware(a.Api))
	routes.RegisterAPI(a.Api, svcs)

	return &Server{
		Api:      a,
		Services: svcs,
		env:      env,
		logger:   qlog.WithComponent(logger, "daemon"),
	}, nil
}

// Tick completes finished runs and saves the scene when one was imported.
func (s *Server) Tick(ctx context.Context) []*qsession.Run {
	done := s.Services.Tracker.Tick(ctx)
	for _, run := range done {
		if run.Status != qsession.StatusSucceeded {
			continue
		}
		if err := s.Services.Scene.Save(); err != nil {
			s.logger.Error("failed to save scene", "run_id", run.ID, "error", err)
		}
		break
	}
	return done
}

// Run serves until ctx is done, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.env.Addr,
		Handler:           s.Api.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.tickLoop(ctx)
	go func() {
		err := s.Services.Presets.Watch(ctx, func(ev qconf.PresetEvent) {
			s.logger.Info("preset changed", "preset", ev.Name, "removed", ev.Removed)
		})
		if err != nil {
			s.logger.Warn("preset watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("daemon listening", "addr", s.env.Addr, "auth", s.Services.Auth.Enabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.env.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, run := range s.Tick(ctx) {
				qlog.WithRun(s.logger, run.ID).Info("run finished", "status", run.Status)
			}
		}
	}
}
