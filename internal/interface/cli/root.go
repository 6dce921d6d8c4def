// Package cli exposes the orchestrator's command line interface:
// submitting and driving runs, inspecting their status, and resuming
// or cancelling parked work.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/veridex/veridex/internal/app"
	appconfig "github.com/veridex/veridex/internal/app/config"
	"github.com/veridex/veridex/internal/infrastructure/di"
)

// globalSettings is loaded once before any command runs
var globalSettings *appconfig.Settings

// NewRoot builds the root command with all subcommands attached
func NewRoot(version string) *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:     "veridex",
		Short:   "Forensic case analysis pipeline orchestrator",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings, err := appconfig.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				settings.LogLevel = logLevel
			}
			globalSettings = settings

			InitGlobalLogger(settings.LogLevel)
			app.SetLogger(GetLogger())
			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error { return c.Help() },
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default: built-in defaults plus env)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level: debug, info, warn, error")

	cmd.AddCommand(newSubmitCmd(version))
	cmd.AddCommand(newDriveCmd(version))
	cmd.AddCommand(newStatusCmd(version))
	cmd.AddCommand(newResumeCmd(version))
	cmd.AddCommand(newCancelCmd(version))
	cmd.AddCommand(newRunsCmd(version))
	return cmd
}

// withContainer builds the dependency graph for one command invocation
// and tears it down afterwards.
func withContainer(cmd *cobra.Command, version string, fn func(c *di.Container) error) error {
	ctx := cmd.Context()
	container, err := di.NewContainer(ctx, globalSettings, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Close(ctx); err != nil {
			Warn("close container: %v", err)
		}
	}()
	return fn(container)
}

// Convenience functions for the global logger

// Debug logs a debug message using the global logger
func Debug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

// Info logs an info message using the global logger
func Info(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

// Warn logs a warning message using the global logger
func Warn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

// Error logs an error message using the global logger
func Error(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}
