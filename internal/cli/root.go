// Package cli wires the setcapture components behind a cobra command tree.
package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/spynners/setcapture/internal/config"
)

// Dependencies is filled by the root command before any subcommand runs.
type Dependencies struct {
	ConfigPath string
	Config     config.Config
	Warnings   []string
}

func NewRootCmd() *cobra.Command {
	deps := &Dependencies{}

	rootCmd := &cobra.Command{
		Use:           "setcapture",
		Short:         "Capture DJ sets, identify tracks live, and sync them when online",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings, err := config.Load(deps.ConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			deps.Config = cfg
			deps.Warnings = warnings
			for _, w := range warnings {
				log.Printf("config warning: %s", w)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&deps.ConfigPath, "config", "c", defaultConfigPath(), "path to a YAML or TOML config file")

	rootCmd.AddCommand(NewRunCmd(deps))
	rootCmd.AddCommand(NewOutboxCmd(deps))

	return rootCmd
}

func defaultConfigPath() string {
	if v := os.Getenv(config.EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return "setcapture.yaml"
}
