// Command ifstackd runs the interface lifecycle manager against configured
// device controllers and an in-process networking stack.
package main

import (
	"fmt"
	"os"

	"github.com/irctrakz/ifstack/pkg/config"
	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/logging"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "ifstackd",
	Short:        "ifstackd attaches device controllers to the networking stack",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a .yaml/.yml/.json configuration file")
}

// loadConfig builds the effective configuration: defaults, then the file
// given with -c, then IFSTACK_* environment overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		if err := config.LoadFromFile(configPath, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if os.Getenv("DEBUG") != "" {
		core.SetDebugMode(true)
	}
	if err := rootCmd.Execute(); err != nil {
		logging.Errorf("ifstackd: %v", err)
		os.Exit(1)
	}
}
