package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quatton/qmesh/pkg/qapi"
	"github.com/quatton/qmesh/pkg/qapi/config"
	"github.com/quatton/qmesh/pkg/qlog"
	"github.com/quatton/qmesh/pkg/qsdk"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local daemon host plugins talk to",
	Long: `Serve the qmesh HTTP API on the loopback interface.

The daemon keeps a workspace scene (QMESH_WORKSPACE), tracks runs and
completes them when the engine exits. Requests need a bearer token from
'qmesh token issue' unless QMESH_AUTH_DISABLED is set.

The OpenAPI document is served at /openapi.json and the docs at /docs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		env, err := config.ValidateEnv()
		if err != nil {
			return err
		}
		if _, set := os.LookupEnv("QMESH_ADDR"); !set && cfg.Serve.Addr != "" {
			env.Addr = cfg.Serve.Addr
		}
		env.Print(log.Printf)

		logger := daemonLogger(env)

		var secret []byte
		if !env.AuthDisabled {
			if env.APISecret != "" {
				secret = []byte(env.APISecret)
			} else if secret, err = qsdk.LoadSecret(env.Addr, true); err != nil {
				return fmt.Errorf("%w (set %s or QMESH_AUTH_DISABLED=true)", err, qsdk.SecretEnv)
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stack, err := qsdk.Open(ctx, cfg, env.Workspace, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := stack.Close(context.Background()); err != nil {
				logger.Error("shutdown incomplete", "error", err)
			}
		}()

		srv, err := qapi.NewServer(stack, env, secret, logger)
		if err != nil {
			return err
		}

		log.Printf("🚀 qmesh daemon starting on %s\n", env.Addr)
		log.Printf("📚 OpenAPI docs: http://%s/docs\n", env.Addr)
		return srv.Run(ctx)
	},
}

func daemonLogger(env *config.EnvConfig) *slog.Logger {
	level := qlog.ParseLevel(env.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	if env.LogFormat == "text" {
		return qlog.NewLogger(level, os.Stderr).Logger
	}
	return qlog.NewJSON(level, os.Stderr).Logger
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
