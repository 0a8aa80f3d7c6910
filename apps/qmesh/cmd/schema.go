package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qsdk"
	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect the engine option schema",
}

var schemaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List the options the engine accepts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		schema, err := qsdk.LoadSchema(cfg)
		if err != nil {
			return err
		}

		fmt.Printf("Schema %s (%s)\n\n", schema.Version(), cfg.Schema.Path)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tTYPE\tDEFAULT\tCONSTRAINT\tLEVEL\tLABEL")
		for _, o := range schema.Options() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				o.Key, o.Type, qconf.FormatValue(o.Default), constraint(o), o.Level, o.Label)
		}
		return w.Flush()
	},
}

var schemaCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Parse the schema and check its version is supported",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		schema, err := qsdk.LoadSchema(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s: version %s, %d options\n", cfg.Schema.Path, schema.Version(), len(schema.Options()))
		return nil
	},
}

func constraint(o *qconf.Option) string {
	switch {
	case len(o.Allowed) > 0:
		return strings.Join(o.Allowed, "|")
	case o.Min != nil && o.Max != nil:
		return fmt.Sprintf("%s..%s", qconf.FormatValue(*o.Min), qconf.FormatValue(*o.Max))
	case o.Min != nil:
		return ">= " + qconf.FormatValue(*o.Min)
	case o.Max != nil:
		return "<= " + qconf.FormatValue(*o.Max)
	}
	return ""
}

func init() {
	schemaCmd.AddCommand(schemaShowCmd, schemaCheckCmd)
	rootCmd.AddCommand(schemaCmd)
}
