package cmd

import (
	"fmt"
	"os"

	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qsdk"
	"github.com/spf13/cobra"
)

var (
	settingsSet    []string
	settingsPreset string
	settingsDir    string
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Validate option values and write engine configs",
	Long: `Work with option values outside of a run.

Values come from --preset, overlaid with --set key=value pairs.

Examples:
  qmesh settings validate --set decimationRatio=1.5
  qmesh settings check --preset low-poly
  qmesh settings write --set bakeTextures=true --dir ./out`,
}

var settingsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check values against the schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, values, err := settingsValues(cmd)
		if err != nil {
			return err
		}
		normalized, err := schema.ValidateAll(values)
		if err != nil {
			return err
		}
		for _, o := range schema.Options() {
			if v, ok := normalized[o.Key]; ok {
				fmt.Printf("%s = %s\n", o.Key, qconf.FormatValue(v))
			}
		}
		fmt.Println("✓ values are valid")
		return nil
	},
}

var settingsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask the engine to validate a config built from the values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		schema, values, err := settingsValues(cmd)
		if err != nil {
			return err
		}
		dir, err := os.MkdirTemp("", "qmesh-check-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		path, err := writeConfig(cfg, schema, values, dir)
		if err != nil {
			return err
		}
		engine, err := qsdk.NewEngine(cfg, nil, GetLogger(cmd))
		if err != nil {
			return err
		}
		if err := engine.ValidateConfig(cmd.Context(), path); err != nil {
			return err
		}
		fmt.Println("✓ engine accepted the config")
		return nil
	},
}

var settingsWriteCmd = &cobra.Command{
	Use:   "write",
	Short: "Write the engine config file for the values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		schema, values, err := settingsValues(cmd)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(settingsDir, 0o755); err != nil {
			return err
		}
		path, err := writeConfig(cfg, schema, values, settingsDir)
		if err != nil {
			return err
		}
		fmt.Printf("✓ wrote %s\n", path)
		return nil
	},
}

func settingsValues(cmd *cobra.Command) (*qconf.Schema, qconf.Values, error) {
	cfg, err := GetConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	schema, err := qsdk.LoadSchema(cfg)
	if err != nil {
		return nil, nil, err
	}

	values := qconf.Values{}
	if settingsPreset != "" {
		presets, err := openPresets(cfg, schema, cmd)
		if err != nil {
			return nil, nil, err
		}
		if values, _, err = presets.LoadExplicit(settingsPreset); err != nil {
			return nil, nil, err
		}
	}
	overrides, err := parseValues(settingsSet)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range overrides {
		values[k] = v
	}
	return schema, values, nil
}

func writeConfig(cfg *qsdk.Config, schema *qconf.Schema, values qconf.Values, dir string) (string, error) {
	if _, err := schema.ValidateAll(values); err != nil {
		return "", err
	}
	format, err := qconf.ParseConfigFormat(cfg.Engine.ConfigFormat)
	if err != nil {
		return "", err
	}
	return qconf.Serialize(schema, values, dir, qconf.SerializeOptions{
		Format:     format,
		OutputName: cfg.Engine.OutputName,
	})
}

func init() {
	for _, c := range []*cobra.Command{settingsValidateCmd, settingsCheckCmd, settingsWriteCmd} {
		c.Flags().StringArrayVar(&settingsSet, "set", nil, "option value as key=value (repeatable)")
		c.Flags().StringVar(&settingsPreset, "preset", "", "start from this preset")
		settingsCmd.AddCommand(c)
	}
	settingsWriteCmd.Flags().StringVar(&settingsDir, "dir", ".", "directory to write the config to")
	rootCmd.AddCommand(settingsCmd)
}

