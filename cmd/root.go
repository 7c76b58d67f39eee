// Package cmd implements the CLI commands for fire.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fire/container"
	"fire/logging"
)

// Version information set at build time
var (
	Version   = "0.1.0"
	SpecVer   = "1.0.2"
	BuildTime = "unknown"
)

// Global flags
var (
	globalRoot          string
	globalLog           string
	globalLogFormat     string
	globalDebug         bool
	globalSystemdCgroup bool
)

// rootCmd is the base command for fire.
var rootCmd = &cobra.Command{
	Use:   "fire",
	Short: "OCI container runtime",
	Long: `fire is an OCI-compliant container runtime.

It creates and runs containers from OCI bundles: a config.json plus a root
filesystem tree. It is a low-level runtime meant to be driven by a user or
by higher-level tooling.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM, so an
// interrupted bring-up rolls back instead of leaking a half-built
// container.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return logging.ContextWithLogger(ctx, logging.Default())
}

// GetStateRoot returns the state root directory: the --root flag, then
// FIRE_STATE_ROOT, then the per-user default.
func GetStateRoot() string {
	if globalRoot != "" {
		return globalRoot
	}
	if env := os.Getenv("FIRE_STATE_ROOT"); env != "" {
		return env
	}
	return container.DefaultStateRoot()
}

// SystemdCgroup reports whether the systemd cgroup driver was requested.
func SystemdCgroup() bool {
	return globalSystemdCgroup
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalRoot, "root", "", "root directory for storage of container state (default: $XDG_STATE_HOME/fire)")
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&globalSystemdCgroup, "systemd-cgroup", false, "manage cgroups through transient systemd units")
}

func setupLogging() {
	var logOutput = os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	level := logging.ParseLevel(os.Getenv("FIRE_LOG"))
	if globalDebug {
		level = logging.ParseLevel("debug")
	}

	logger := logging.NewLogger(logging.Config{
		Level:  level,
		Format: globalLogFormat,
		Output: logOutput,
	})
	logging.SetDefault(logger)
}
