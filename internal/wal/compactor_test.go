package wal

import (
	"context"
	"testing"
	"time"
)

// backdate moves every event of a session into the past so retention-based
// deletion becomes possible in tests.
func backdate(t *testing.T, s *Store, sessionID string, age time.Duration) {
	t.Helper()
	ts := time.Now().Add(-age).UnixNano()
	if _, err := s.db.Exec(
		`UPDATE events SET timestamp = ? WHERE session_id = ?`, ts, sessionID,
	); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func seedRevisions(t *testing.T, s *Store, sessionID string, revisions, eventsPerRevision int) {
	t.Helper()
	if _, err := s.EnsureSession(sessionID, "claude", "/work"); err != nil {
		t.Fatal(err)
	}
	rev := int64(1)
	for r := 0; r < revisions; r++ {
		if r > 0 {
			var err error
			rev, err = s.ResetForRevision(sessionID)
			if err != nil {
				t.Fatal(err)
			}
		}
		for i := 0; i < eventsPerRevision; i++ {
			mustAppend(t, s, sessionID, rev, KindAgentMessageChunk)
		}
	}
}

func TestCompactorDeletesOldUnprotectedEvents(t *testing.T) {
	s := openTestStore(t)
	seedRevisions(t, s, "sess-1", 4, 5) // revisions 1..4, 20 events
	backdate(t, s, "sess-1", 90*24*time.Hour)

	c := NewCompactor(s, CompactorConfig{
		RetentionDays:       30,
		KeepLatestRevisions: 2,
		MinEventsToKeep:     5,
	})
	res, err := c.CompactAll(context.Background())
	if err != nil {
		t.Fatalf("CompactAll: %v", err)
	}

	// Revisions 3 and 4 are protected wholesale; revisions 1 and 2 are old
	// and beyond the 5-event floor.
	if res.EventsDeleted != 10 {
		t.Errorf("deleted %d events, want 10", res.EventsDeleted)
	}
	for rev := int64(3); rev <= 4; rev++ {
		q, err := s.QueryEvents(QueryParams{SessionID: "sess-1", Revision: rev})
		if err != nil {
			t.Fatal(err)
		}
		if len(q.Events) != 5 {
			t.Errorf("revision %d has %d events, want 5", rev, len(q.Events))
		}
	}
}

func TestCompactorKeepsRecentEvents(t *testing.T) {
	s := openTestStore(t)
	seedRevisions(t, s, "sess-1", 4, 5)
	// Events are fresh: nothing may be deleted regardless of revision.

	c := NewCompactor(s, CompactorConfig{
		RetentionDays:       30,
		KeepLatestRevisions: 1,
		MinEventsToKeep:     1,
	})
	res, err := c.CompactAll(context.Background())
	if err != nil {
		t.Fatalf("CompactAll: %v", err)
	}
	if res.EventsDeleted != 0 {
		t.Errorf("deleted %d fresh events, want 0", res.EventsDeleted)
	}
}

func TestCompactorHonorsMinEventsFloor(t *testing.T) {
	s := openTestStore(t)
	seedRevisions(t, s, "sess-1", 3, 2) // 6 events total
	backdate(t, s, "sess-1", 90*24*time.Hour)

	c := NewCompactor(s, CompactorConfig{
		RetentionDays:       30,
		KeepLatestRevisions: 1,
		MinEventsToKeep:     10, // more than the session holds
	})
	res, err := c.CompactAll(context.Background())
	if err != nil {
		t.Fatalf("CompactAll: %v", err)
	}
	if res.EventsDeleted != 0 {
		t.Errorf("deleted %d events under the floor, want 0", res.EventsDeleted)
	}
}

func TestCompactorProtectsLatestRevisions(t *testing.T) {
	s := openTestStore(t)
	seedRevisions(t, s, "sess-1", 2, 3) // revisions 1 and 2
	backdate(t, s, "sess-1", 90*24*time.Hour)

	c := NewCompactor(s, CompactorConfig{
		RetentionDays:       30,
		KeepLatestRevisions: 2, // both revisions protected
		MinEventsToKeep:     1,
	})
	res, err := c.CompactAll(context.Background())
	if err != nil {
		t.Fatalf("CompactAll: %v", err)
	}
	if res.EventsDeleted != 0 {
		t.Errorf("deleted %d events inside the protected window, want 0", res.EventsDeleted)
	}
}

func TestCompactorSurfacesFloorQueryErrors(t *testing.T) {
	s := openTestStore(t)
	seedRevisions(t, s, "sess-1", 3, 2)
	backdate(t, s, "sess-1", 90*24*time.Hour)

	// Break the events table: the floor query must now report failure
	// instead of treating it as an empty session.
	if _, err := s.db.Exec(`DROP TABLE events`); err != nil {
		t.Fatal(err)
	}

	c := NewCompactor(s, CompactorConfig{
		RetentionDays:       30,
		KeepLatestRevisions: 1,
		MinEventsToKeep:     1,
	})
	if _, err := c.compactSession("sess-1"); err == nil {
		t.Fatal("expected an error from the broken floor query")
	}
}

func TestCompactorSkipsUnknownSessionsGracefully(t *testing.T) {
	s := openTestStore(t)
	// No sessions at all: a pass over the empty store must succeed.
	c := NewCompactor(s, CompactorConfig{RetentionDays: 30, KeepLatestRevisions: 2, MinEventsToKeep: 1})
	res, err := c.CompactAll(context.Background())
	if err != nil {
		t.Fatalf("CompactAll: %v", err)
	}
	if res.SessionsScanned != 0 || res.EventsDeleted != 0 {
		t.Errorf("unexpected result on empty store: %+v", res)
	}
}
