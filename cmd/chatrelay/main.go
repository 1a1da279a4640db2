// Package main provides the CLI entry point for the chatrelay gateway.
//
// chatrelay bridges an HTTP chat frontend to streaming LLM providers
// (OpenAI, Anthropic, Gemini) with realtime search, datetime, and image
// generation tools executed mid-stream.
//
// # Basic Usage
//
// Start the server:
//
//	chatrelay serve --config chatrelay.yaml
//
// # Environment Variables
//
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - GEMINI_API_KEY: Google API key for Gemini models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay - Streaming tool-augmented chat gateway",
		Long: `chatrelay relays chat sessions to streaming LLM providers with tool execution.

Supported providers: OpenAI (GPT), Anthropic (Claude), Google (Gemini)
Available tools: Realtime Search, Current Datetime, Image Generation, Image Editing`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
