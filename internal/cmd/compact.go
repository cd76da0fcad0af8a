package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/acpd/internal/wal"
)

// compactCmd runs one compaction pass offline and exits. Useful for cron
// jobs and for reclaiming space while the daemon is stopped.
var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run one event log compaction pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := wal.Open(cfg.WAL.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		compactor := wal.NewCompactor(store, wal.CompactorConfig{
			RetentionDays:       cfg.Compaction.AckedEventRetentionDays,
			KeepLatestRevisions: cfg.Compaction.KeepLatestRevisionsCount,
			MinEventsToKeep:     cfg.Compaction.MinEventsToKeep,
		})

		res, err := compactor.CompactAll(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("Scanned %d sessions, pruned %d, deleted %d events in %s\n",
			res.SessionsScanned, res.SessionsPruned, res.EventsDeleted, res.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
}
