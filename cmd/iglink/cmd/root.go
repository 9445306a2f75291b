// Package cmd implements the iglink command tree.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pulseplan/iglink/internal/config"
)

var (
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "iglink",
	Short: "Link Instagram accounts to your scheduling backend",
	Long: `iglink drives the Instagram OAuth connection flow: it opens a child
browser window, receives the provider redirect on a local callback
endpoint, exchanges the authorization code with the backend, and reports
the linked accounts.

State (claims, the used-code ledger, message inboxes) lives in the iglink
state directory so concurrent attempts coordinate with each other.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"Path to config file (default is the state dir's config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false,
		"Verbose output")
}

// newLogger builds the slog logger shared by all commands.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// loadConfig loads and validates the shared config.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
