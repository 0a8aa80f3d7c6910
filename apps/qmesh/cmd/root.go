package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/quatton/qmesh/pkg/qlog"
	"github.com/quatton/qmesh/pkg/qsdk"
	"github.com/spf13/cobra"
)

type contextKey string

const (
	configContextKey contextKey = "qmeshconfig"
	loggerContextKey contextKey = "qmeshlogger"
)

// flagBindings maps config keys to the persistent flags overriding them.
var flagBindings = map[string]string{
	qsdk.EnginePathKey:   "engine",
	qsdk.EngineArgsKey:   "engine-args",
	qsdk.SchemaPathKey:   "schema",
	qsdk.PresetsDirKey:   "presets-dir",
	qsdk.ScratchDirKey:   "scratch-dir",
	qsdk.ConfigFormatKey: "config-format",
}

var (
	cfgFile  string
	verbose  bool
	quiet    bool
	jsonLogs bool
	rootCmd  = &cobra.Command{
		Use:   "qmesh",
		Short: "Round-trip scene geometry through an external mesh processing engine",
		Long: `qmesh exports a selection of a scene to GLB, runs the configured mesh
processing engine on it and imports the result next to the sources.

Engine options are described by a schema file. Values can be given on the
command line, stored as presets, or set through the local daemon (qmesh serve)
that host plugins talk to.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := qsdk.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			if err := cfg.BindFlags(cmd.Flags(), flagBindings); err != nil {
				return err
			}

			ctx := context.WithValue(cmd.Context(), configContextKey, cfg)
			ctx = context.WithValue(ctx, loggerContextKey, newLogger())
			cmd.SetContext(ctx)

			return nil
		},
	}
)

func newLogger() *slog.Logger {
	switch {
	case jsonLogs:
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		return qlog.NewJSON(level, os.Stderr).Logger
	case verbose:
		return qlog.NewVerbose().Logger
	case quiet:
		return qlog.NewQuiet().Logger
	default:
		return qlog.NewDefault().Logger
	}
}

// GetConfig retrieves the Config from the command context
func GetConfig(cmd *cobra.Command) (*qsdk.Config, error) {
	ctx := cmd.Context()
	cfg, ok := ctx.Value(configContextKey).(*qsdk.Config)
	if !ok {
		return nil, errors.New("no config in context")
	}
	return cfg, nil
}

// GetLogger retrieves the logger from the command context
func GetLogger(cmd *cobra.Command) *slog.Logger {
	if l, ok := cmd.Context().Value(loggerContextKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		exitIfSdkError(err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML). Searches: qmesh.yaml, .qmesh/config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log as JSON")
	rootCmd.PersistentFlags().String("engine", "", "engine executable (overrides engine.path)")
	rootCmd.PersistentFlags().String("engine-args", "", "extra engine arguments (overrides engine.args)")
	rootCmd.PersistentFlags().String("schema", "", "option schema file (overrides schema.path)")
	rootCmd.PersistentFlags().String("presets-dir", "", "preset directory (overrides presets.dir)")
	rootCmd.PersistentFlags().String("scratch-dir", "", "run scratch directory (overrides scratchDir)")
	rootCmd.PersistentFlags().String("config-format", "", "engine config format: kv or json (overrides engine.configFormat)")
}
