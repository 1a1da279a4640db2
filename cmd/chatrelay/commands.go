package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/chatrelay/internal/config"
)

const defaultConfigPath = "chatrelay.yaml"

// buildServeCmd creates the "serve" command that starts the gateway server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chatrelay gateway server",
		Long: `Start the chatrelay gateway server.

The server will:
1. Load configuration from the specified file (or chatrelay.yaml)
2. Initialize the configured LLM provider
3. Register the tool suite (search, datetime, image generation/editing)
4. Start the HTTP server for chat streaming, health checks, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  chatrelay serve

  # Start with custom config
  chatrelay serve --config /etc/chatrelay/production.yaml

  # Start with debug logging
  chatrelay serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigShowCmd())
	return cmd
}

func buildConfigShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.LLM.APIKey != "" {
				redacted.LLM.APIKey = "<redacted>"
			}
			out, err := yaml.Marshal(&redacted)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			cmd.Print(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// loadConfig reads the given path, falling back to built-in defaults when
// the default config file does not exist. The CHATRELAY_CONFIG environment
// variable overrides the default path when no explicit --config is given.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if env := os.Getenv("CHATRELAY_CONFIG"); env != "" {
			return config.Load(env)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := config.Default()
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}
	return config.Load(path)
}
