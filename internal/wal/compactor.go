package wal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inercia/acpd/internal/logging"
)

// CompactorConfig is the retention policy. An event is deleted only when
// every condition agrees it is safe: old enough, outside the protected
// revision window, and beyond the per-session event floor.
type CompactorConfig struct {
	// RetentionDays: events younger than this never go.
	RetentionDays int
	// KeepLatestRevisions: revisions within this many of the current one are
	// protected wholesale.
	KeepLatestRevisions int
	// MinEventsToKeep: the newest N events of a session survive regardless
	// of age.
	MinEventsToKeep int
	// RunOnStartup triggers a pass when Run begins.
	RunOnStartup bool
	// Interval between scheduled passes. Zero disables scheduling.
	Interval time.Duration
}

// CompactionResult summarizes one pass.
type CompactionResult struct {
	SessionsScanned int   `json:"sessions_scanned"`
	SessionsPruned  int   `json:"sessions_pruned"`
	EventsDeleted   int64 `json:"events_deleted"`
	Duration        time.Duration
}

// Compactor prunes aged-out events from the store. It is strictly
// best-effort: a failed session is logged and skipped, the daemon never
// stops over compaction.
type Compactor struct {
	store  *Store
	cfg    CompactorConfig
	logger *slog.Logger
}

// NewCompactor builds a compactor over an open store.
func NewCompactor(store *Store, cfg CompactorConfig) *Compactor {
	return &Compactor{
		store:  store,
		cfg:    cfg,
		logger: logging.WAL().With("subsystem", "compactor"),
	}
}

// Run blocks, executing passes on the configured schedule until ctx is
// cancelled. Errors are logged and swallowed.
func (c *Compactor) Run(ctx context.Context) {
	if c.cfg.RunOnStartup {
		if _, err := c.CompactAll(ctx); err != nil {
			c.logger.Warn("startup compaction failed", "error", err)
		}
	}

	if c.cfg.Interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.CompactAll(ctx); err != nil {
				c.logger.Warn("scheduled compaction failed", "error", err)
			}
		}
	}
}

// CompactAll runs one pass over every persisted session.
func (c *Compactor) CompactAll(ctx context.Context) (CompactionResult, error) {
	start := time.Now()

	sessions, err := c.store.ListSessions()
	if err != nil {
		return CompactionResult{}, fmt.Errorf("failed to list sessions: %w", err)
	}

	var res CompactionResult
	for _, sess := range sessions {
		if ctx.Err() != nil {
			break
		}
		res.SessionsScanned++

		deleted, err := c.compactSession(sess.SessionID)
		if err != nil {
			c.logger.Warn("session compaction failed",
				"session_id", sess.SessionID,
				"error", err)
			continue
		}
		if deleted > 0 {
			res.SessionsPruned++
			res.EventsDeleted += deleted
		}
	}

	res.Duration = time.Since(start)
	c.logger.Info("compaction pass finished",
		"sessions_scanned", res.SessionsScanned,
		"sessions_pruned", res.SessionsPruned,
		"events_deleted", res.EventsDeleted,
		"duration", res.Duration)
	return res, nil
}

// compactSession prunes one session under its append lock, so no in-flight
// append can land inside the window being deleted.
func (c *Compactor) compactSession(sessionID string) (int64, error) {
	l, err := c.store.sessionLock(sessionID)
	if err != nil {
		return 0, err
	}
	l.Lock()
	defer l.Unlock()

	var currentRev int64
	if err := c.store.db.QueryRow(
		`SELECT revision FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&currentRev); err != nil {
		return 0, fmt.Errorf("failed to read revision: %w", err)
	}

	// Revisions >= minProtectedRev are never touched.
	minProtectedRev := currentRev - int64(c.cfg.KeepLatestRevisions) + 1
	if minProtectedRev <= 1 {
		// Every revision the session has ever had is protected.
		return 0, nil
	}

	// Locate the oldest event of the protected newest-N block. Events at or
	// after this (revision, seq) position survive regardless of age. Fewer
	// than N events total means nothing is deletable.
	var floorRev, floorSeq int64
	err = c.store.db.QueryRow(`
		SELECT revision, seq FROM events
		WHERE session_id = ?
		ORDER BY revision DESC, seq DESC
		LIMIT 1 OFFSET ?`,
		sessionID, max(c.cfg.MinEventsToKeep-1, 0),
	).Scan(&floorRev, &floorSeq)
	if errors.Is(err, sql.ErrNoRows) {
		// The session holds fewer events than the floor.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to locate event floor: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -c.cfg.RetentionDays).UnixNano()

	res, err := c.store.db.Exec(`
		DELETE FROM events
		WHERE session_id = ?
		  AND timestamp < ?
		  AND revision < ?
		  AND (revision < ? OR (revision = ? AND seq < ?))`,
		sessionID, cutoff, minProtectedRev, floorRev, floorRev, floorSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}

	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		c.logger.Debug("session pruned",
			"session_id", sessionID,
			"events_deleted", deleted,
			"current_revision", currentRev)
	}
	return deleted, nil
}
