// Package cmd implements the nvmeperf CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/srilakshmi/nvmedirect/config"
	"github.com/srilakshmi/nvmedirect/logger"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	configPath   string
	engineName   string
	logLevel     string
	outputFormat string

	cfg  *config.Config
	zlog *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nvmeperf",
	Short: "Probe NVMe controllers and benchmark them from user space",
	Long: `nvmeperf drives NVMe controllers through a user-space driver.

It can enumerate controllers and their namespaces, and run a
write/read-back workload with one queue pair per worker. The emulator
engine needs no devices; the spdk engine needs a binary built with
-tags spdk and a configured hugepage environment.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.Default()
		}
		if err != nil {
			return err
		}
		if engineName != "" {
			cfg.Engine = engineName
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		zlog, err = logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if zlog != nil {
			_ = zlog.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration")
	rootCmd.PersistentFlags().StringVar(&engineName, "engine", "", "Engine: emulator or spdk (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// formatOutput handles output formatting based on the --output flag.
func formatOutput(data interface{}) error {
	switch outputFormat {
	case "json":
		return outputJSON(data)
	case "yaml":
		return outputYAML(data)
	default:
		// Table format is handled by each command
		return nil
	}
}

func outputJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func outputYAML(data interface{}) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
