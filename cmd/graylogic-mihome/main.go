// Gray Logic Mi Home bridge.
//
// graylogic-mihome connects Xiaomi Mi Home (Aqara) gateways on the local
// network to the Gray Logic MQTT bus. It speaks the gateways' UDP multicast
// protocol, keeps a live device directory per gateway, publishes device
// state and gateway status, executes encrypted writes, and serves a small
// REST/WebSocket API.
//
// Usage:
//
//	graylogic-mihome [command] [flags]
//
// Running without a command starts the bridge (same as "serve").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/config"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configPath is the --config flag shared by every command.
var configPath string

func main() {
	// Cancel on Ctrl+C or SIGTERM so every command shuts down cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1) //nolint:gocritic // cancel called explicitly above
	}
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "graylogic-mihome",
		Short: "Gray Logic bridge for Xiaomi Mi Home gateways",
		Long: `Bridges Xiaomi Mi Home gateways on the local network to the Gray Logic
MQTT bus and serves a REST/WebSocket API for the gateway directory.

Without a command the bridge starts, exactly as "graylogic-mihome serve".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(),
		"configuration file (env GRAYLOGIC_CONFIG)")

	root.AddCommand(
		newServeCmd(),
		newDiscoverCmd(),
		newTokenCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graylogic-mihome %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig loads the file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
