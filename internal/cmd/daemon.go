package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inercia/acpd/internal/daemon"
)

// daemonCmd runs the daemon in the foreground until SIGINT or SIGTERM.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the agent session daemon",
	Long: `Starts the daemon: agent backends are spawned lazily as sessions
need them, every session update is persisted to the event log, and the
compactor prunes aged-out history on its schedule.

The configuration file is watched; backend changes apply to new
connections without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(configPath, cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return d.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
