package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qsdk"
	"github.com/spf13/cobra"
)

var presetSet []string

var presetCmd = &cobra.Command{
	Use:   "preset",
	Short: "Manage named sets of option values",
	Long: `Presets are files in presets.dir holding option values and the schema
version they were saved against. Loading a preset reconciles it with the
current schema: unknown keys are dropped and invalid values reset to the
option default.

Examples:
  qmesh preset save low-poly --set decimationRatio=0.2
  qmesh preset load low-poly
  qmesh preset list`,
}

var presetSaveCmd = &cobra.Command{
	Use:   "save <name>",
	Short: "Save values as a preset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		presets, err := presetStore(cmd)
		if err != nil {
			return err
		}
		values, err := parseValues(presetSet)
		if err != nil {
			return err
		}
		path, err := presets.Save(args[0], values)
		if err != nil {
			return err
		}
		fmt.Printf("✓ saved preset %q to %s\n", args[0], path)
		return nil
	},
}

var presetLoadCmd = &cobra.Command{
	Use:   "load <name>",
	Short: "Print a preset reconciled with the current schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		schema, err := qsdk.LoadSchema(cfg)
		if err != nil {
			return err
		}
		presets, err := openPresets(cfg, schema, cmd)
		if err != nil {
			return err
		}
		values, report, err := presets.Load(args[0])
		if err != nil {
			return err
		}

		for _, o := range schema.Options() {
			fmt.Printf("%s = %s\n", o.Key, qconf.FormatValue(values[o.Key]))
		}
		if report.VersionDrift {
			fmt.Fprintf(os.Stderr, "preset was saved against schema %s\n", report.SchemaVersion)
		}
		for _, k := range report.Dropped {
			fmt.Fprintf(os.Stderr, "dropped unknown option %s\n", k)
		}
		for k, why := range report.Invalid {
			fmt.Fprintf(os.Stderr, "reset %s to its default: %s\n", k, why)
		}
		return nil
	},
}

var presetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		presets, err := presetStore(cmd)
		if err != nil {
			return err
		}
		names, err := presets.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Printf("No presets in %s\n", presets.Dir())
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEMA\tVALUES")
		for _, name := range names {
			p, err := presets.Get(name)
			if err != nil {
				fmt.Fprintf(w, "%s\t?\t%v\n", name, err)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\n", name, p.SchemaVersion, len(p.Values))
		}
		return w.Flush()
	},
}

var presetDeleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm"},
	Short:   "Delete a preset",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		presets, err := presetStore(cmd)
		if err != nil {
			return err
		}
		if err := presets.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ deleted preset %q\n", args[0])
		return nil
	},
}

func presetStore(cmd *cobra.Command) (*qconf.PresetStore, error) {
	cfg, err := GetConfig(cmd)
	if err != nil {
		return nil, err
	}
	schema, err := qsdk.LoadSchema(cfg)
	if err != nil {
		return nil, err
	}
	return openPresets(cfg, schema, cmd)
}

func openPresets(cfg *qsdk.Config, schema *qconf.Schema, cmd *cobra.Command) (*qconf.PresetStore, error) {
	format, err := qconf.ParsePresetFormat(cfg.Presets.Format)
	if err != nil {
		return nil, err
	}
	return qconf.NewPresetStore(cfg.Presets.Dir, schema,
		qconf.WithPresetFormat(format),
		qconf.WithPresetLogger(GetLogger(cmd)),
	), nil
}

func init() {
	presetSaveCmd.Flags().StringArrayVar(&presetSet, "set", nil, "option value as key=value (repeatable)")
	presetCmd.AddCommand(presetSaveCmd, presetLoadCmd, presetListCmd, presetDeleteCmd)
	rootCmd.AddCommand(presetCmd)
}
