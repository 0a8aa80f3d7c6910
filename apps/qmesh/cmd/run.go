package cmd

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"time"

	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qsdk"
	"github.com/quatton/qmesh/pkg/qsession"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	runScene   string
	runOut     string
	runPreset  string
	runSet     []string
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <object>...",
	Short: "Process scene objects with the engine",
	Long: `Export the named objects of a GLB scene, run the engine on them and
import the result into the scene next to the sources.

Examples:
  # Decimate the car with the settings of a preset
  qmesh run --scene garage.glb --preset low-poly Car

  # Override single options and write the result elsewhere
  qmesh run --scene garage.glb --set decimationRatio=0.3 --out garage_lod.glb Car Wheel`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		logger := GetLogger(cmd)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		if runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}

		stack, err := qsdk.Open(ctx, cfg, runScene, logger)
		if err != nil {
			return err
		}
		defer stack.Close(context.Background())

		ids, err := stack.Select(args)
		if err != nil {
			return err
		}

		values := qconf.Values{}
		if runPreset != "" {
			loaded, _, err := stack.Presets.LoadExplicit(runPreset)
			if err != nil {
				return err
			}
			values = loaded
		}
		overrides, err := parseValues(runSet)
		if err != nil {
			return err
		}
		maps.Copy(values, overrides)

		run, err := stack.Tracker.StartRun(ctx, qsession.StartRequest{Sources: ids, Values: values})
		if err != nil {
			return err
		}
		fmt.Printf("Run %s started on %s\n", run.ID, run.Anchor.Name)

		run, err = waitRun(ctx, stack, run.ID)
		if run == nil {
			return err
		}

		switch run.Status {
		case qsession.StatusSucceeded:
			if runOut != "" {
				stack.ScenePath = runOut
			}
			if err := stack.SaveScene(); err != nil {
				return fmt.Errorf("saving scene: %w", err)
			}
			fmt.Printf("✓ Imported %d objects into %s\n", len(run.Imported), stack.ScenePath)
			return nil
		case qsession.StatusCancelled:
			fmt.Println("Run cancelled")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		default:
			printDiagnostic(run.Diagnostic)
			if run.Dir != "" && !run.Purged {
				fmt.Fprintf(os.Stderr, "run directory kept at %s; dismiss it with 'qmesh runs dismiss %s'\n", run.Dir, run.ID)
			}
			return run.Err()
		}
	},
}

// waitRun ticks the tracker until the run is terminal. When ctx ends first
// the engine is cancelled and the run followed to its final state.
func waitRun(ctx context.Context, stack *qsdk.Stack, id string) (*qsession.Run, error) {
	interval := stack.Config.Engine.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tty := term.IsTerminal(int(os.Stdout.Fd()))
	lastPercent := -1
	cancelled := false
	bg := context.Background()

	for {
		stack.Tracker.Tick(bg)
		run, err := stack.Tracker.Get(id)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			if tty && lastPercent >= 0 {
				fmt.Println()
			}
			return run, nil
		}
		if p := run.Progress.Percent; p >= 0 && p != lastPercent {
			if tty {
				fmt.Printf("\r%3d%% %s", p, run.Progress.Message)
			} else {
				fmt.Printf("%d%%\n", p)
			}
			lastPercent = p
		}

		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				if _, err := stack.Tracker.CancelRun(bg, id); err != nil && !errors.Is(err, context.Canceled) {
					return nil, err
				}
			}
			time.Sleep(interval)
		case <-ticker.C:
		}
	}
}

func init() {
	runCmd.Flags().StringVar(&runScene, "scene", ".qmesh/workspace.glb", "GLB scene to read and update")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "write the updated scene here instead of in place")
	runCmd.Flags().StringVar(&runPreset, "preset", "", "take option values from this preset")
	runCmd.Flags().StringArrayVar(&runSet, "set", nil, "option value as key=value (repeatable)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "cancel the run after this long")
	rootCmd.AddCommand(runCmd)
}
