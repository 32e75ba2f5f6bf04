package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dumpPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `
Validate the effective configuration (defaults, file, environment) and
report the devices it declares.

Examples:
  ifstackd validate -c ifstack.yaml
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "configuration ok: %d device(s)\n", len(cfg.Devices))
		for i, d := range cfg.Devices {
			fmt.Fprintf(out, "  %d: kind=%s name=%s unit=%d fixed=%t streaming=%t\n", i, d.Kind, d.Name, d.Unit, d.FixedUnit, d.Streaming)
		}
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump-config",
	Short: "Write the effective configuration to a file",
	Long: `
Write the effective configuration to a .yaml, .yml or .json file.

Examples:
  ifstackd dump-config -o ifstack.yaml
  ifstackd dump-config -c ifstack.yaml -o ifstack.json
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.SaveToFile(dumpPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", dumpPath)
		return nil
	},
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpPath, "output", "o", "ifstack.yaml", "Output path")
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(dumpCmd)
}
