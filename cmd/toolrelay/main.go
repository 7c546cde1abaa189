// Command toolrelay connects a streaming OpenAI-compatible model to tools
// served by MCP servers.
//
// Start the HTTP and WebSocket gateway:
//
//	toolrelay serve --config toolrelay.yaml
//
// Run one prompt from the terminal:
//
//	toolrelay chat "What is 2 + 3?"
//
// Environment variables:
//
//   - TOOLRELAY_CONFIG: path to the configuration file (default: toolrelay.yaml)
//   - TOOLRELAY_CONFIG_KEY: passphrase for enc: values in the configuration
//   - OPENAI_API_KEY, OPENAI_BASE_URL: model backend credentials and endpoint
//
// A .env file in the working directory is loaded before anything else.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set by ldflags at build time.
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd assembles the command tree.
func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "toolrelay",
		Short:        "Streaming tool-call relay between an LLM and MCP servers",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")

	root.AddCommand(
		buildServeCmd(&configPath),
		buildChatCmd(&configPath),
		buildToolsCmd(&configPath),
		buildEncryptSecretCmd(),
	)
	return root
}

// defaultConfigPath honors TOOLRELAY_CONFIG.
func defaultConfigPath() string {
	if p := os.Getenv("TOOLRELAY_CONFIG"); p != "" {
		return p
	}
	return "toolrelay.yaml"
}
