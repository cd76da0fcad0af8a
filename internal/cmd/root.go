// Package cmd provides the CLI commands for acpd.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/acpd/internal/config"
	"github.com/inercia/acpd/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string
	logFile       string
	logJSON       bool
	logComponents string

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "acpd",
	Short: "acpd - agent session daemon",
	Long: `acpd supervises agent backend processes, records every session
update into a durable per-session log, and compacts aged-out history
on a retention schedule.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		// Priority: --log-level flag > --debug flag > config > default (info)
		effectiveLogLevel := logLevel
		if effectiveLogLevel == "" && debug {
			effectiveLogLevel = "debug"
		}

		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
		configPath = path

		if effectiveLogLevel == "" {
			effectiveLogLevel = cfg.Logging.Level
		}
		effectiveLogFile := logFile
		if effectiveLogFile == "" {
			effectiveLogFile = cfg.Logging.File
		}
		components := cfg.Logging.Components
		if logComponents != "" {
			components = components[:0]
			for _, c := range strings.Split(logComponents, ",") {
				if c = strings.TrimSpace(c); c != "" {
					components = append(components, c)
				}
			}
		}

		var fileLog *logging.FileLogConfig
		if effectiveLogFile != "" {
			fileLog = &logging.FileLogConfig{Path: effectiveLogFile}
		}
		if err := logging.Initialize(logging.Config{
			Level:      effectiveLogLevel,
			FileLog:    fileLog,
			JSON:       logJSON || cfg.Logging.JSON,
			Components: components,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit console logs as JSON")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g. 'agent,wal'). Empty means all.")
}
