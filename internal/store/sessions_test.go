package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tmaher/mirrorlog/internal/event"
)

func TestUpsertSessionPreservesCreatedAt(t *testing.T) {
	s := testStore(t)
	insertSession(t, s, "s1", "ws1", func(sess *Session) {
		sess.CreatedAt = "2025-01-01T00:00:00Z"
	})
	insertSession(t, s, "s1", "ws1", func(sess *Session) {
		sess.CreatedAt = "2025-02-02T00:00:00Z"
		sess.Title = Ptr("updated")
		sess.EventCount = 7
	})

	got, err := s.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.CreatedAt != "2025-01-01T00:00:00Z" {
		t.Errorf("CreatedAt = %s, want original stamp", got.CreatedAt)
	}
	if got.Title == nil || *got.Title != "updated" {
		t.Errorf("Title not updated: %v", got.Title)
	}
	if got.EventCount != 7 {
		t.Errorf("EventCount = %d, want 7", got.EventCount)
	}
}

func TestAllSessionsOrderedByActivity(t *testing.T) {
	s := testStore(t)
	insertSession(t, s, "old", "ws1", func(sess *Session) {
		sess.LastActivityAt = "2025-06-01T00:00:00Z"
	})
	insertSession(t, s, "new", "ws1", func(sess *Session) {
		sess.LastActivityAt = "2025-06-03T00:00:00Z"
	})
	insertSession(t, s, "mid", "ws1", func(sess *Session) {
		sess.LastActivityAt = "2025-06-02T00:00:00Z"
	})

	sessions, err := s.AllSessions(context.Background())
	if err != nil {
		t.Fatalf("AllSessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("got %d sessions, want 3", len(sessions))
	}
	for i, want := range []string{"new", "mid", "old"} {
		if sessions[i].ID != want {
			t.Errorf("sessions[%d] = %s, want %s", i, sessions[i].ID, want)
		}
	}
}

func TestSessionsByOriginStrict(t *testing.T) {
	s := testStore(t)
	insertSession(t, s, "hosted", "ws1", func(sess *Session) {
		sess.ServerOrigin = Ptr("api.example.com")
	})
	insertSession(t, s, "other", "ws1", func(sess *Session) {
		sess.ServerOrigin = Ptr("staging.example.com")
	})
	insertSession(t, s, "local", "ws1", nil)

	got, err := s.SessionsByOrigin(context.Background(), Ptr("api.example.com"))
	if err != nil {
		t.Fatalf("SessionsByOrigin: %v", err)
	}
	if len(got) != 1 || got[0].ID != "hosted" {
		t.Fatalf("got %d sessions, want only the matching origin", len(got))
	}

	// nil origin means no filtering at all.
	all, err := s.SessionsByOrigin(context.Background(), nil)
	if err != nil {
		t.Fatalf("SessionsByOrigin(nil): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d sessions for nil origin, want 3", len(all))
	}
}

func TestSessionOrigin(t *testing.T) {
	s := testStore(t)
	insertSession(t, s, "s1", "ws1", func(sess *Session) {
		sess.ServerOrigin = Ptr("api.example.com")
	})
	insertSession(t, s, "s2", "ws1", nil)

	origin, err := s.SessionOrigin(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SessionOrigin: %v", err)
	}
	if origin == nil || *origin != "api.example.com" {
		t.Errorf("origin = %v", origin)
	}
	origin, err = s.SessionOrigin(context.Background(), "s2")
	if err != nil {
		t.Fatalf("SessionOrigin: %v", err)
	}
	if origin != nil {
		t.Errorf("origin = %v, want nil", *origin)
	}
}

func TestArchiveUnarchive(t *testing.T) {
	s := testStore(t)
	insertSession(t, s, "s1", "ws1", nil)

	if err := s.ArchiveSession("s1"); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	got, err := s.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ArchivedAt == nil {
		t.Error("ArchivedAt still nil after archive")
	}

	if err := s.UnarchiveSession("s1"); err != nil {
		t.Fatalf("UnarchiveSession: %v", err)
	}
	got, err = s.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ArchivedAt != nil {
		t.Errorf("ArchivedAt = %v after unarchive", *got.ArchivedAt)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := testStore(t)
	insertSession(t, s, "s1", "ws1", nil)
	chain(t, s, "s1", 3)
	if err := s.SetSyncState(&SyncState{
		Key:             SessionScope("s1"),
		PendingEventIDs: []string{"s1-e2"},
	}); err != nil {
		t.Fatalf("SetSyncState: %v", err)
	}
	insertSession(t, s, "s2", "ws1", nil)
	insertEvent(t, s, "keep", "s2", 0, nil)

	if err := s.DeleteSession("s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	ctx := context.Background()
	if got, _ := s.GetSession(ctx, "s1"); got != nil {
		t.Error("session row survived delete")
	}
	if events, _ := s.EventsBySession(ctx, "s1"); len(events) != 0 {
		t.Errorf("%d events survived delete", len(events))
	}
	if st, _ := s.SyncStateFor(ctx, SessionScope("s1")); st != nil {
		t.Error("sync state survived delete")
	}
	if got, _ := s.GetSession(ctx, "s2"); got == nil {
		t.Error("unrelated session deleted")
	}
}

func forkPayload(sourceSession, sourceEvent string) json.RawMessage {
	return json.RawMessage(
		`{"sourceSessionId":"` + sourceSession +
			`","sourceEventId":"` + sourceEvent + `"}`)
}

func TestForkedSessions(t *testing.T) {
	s := testStore(t)
	insertSession(t, s, "s1", "ws1", nil)
	parent := chain(t, s, "s1", 3)
	branchPoint := parent[1].ID

	for _, forkID := range []string{"f1", "f2"} {
		insertSession(t, s, forkID, "ws1", func(sess *Session) {
			sess.IsFork = true
		})
		insertEvent(t, s, forkID+"-root", forkID, 0, func(e *event.Event) {
			e.ParentID = &branchPoint
			e.Type = event.SessionFork
			e.Payload = forkPayload("s1", branchPoint)
		})
	}
	// A fork off a different event must not match.
	insertSession(t, s, "f3", "ws1", nil)
	insertEvent(t, s, "f3-root", "f3", 0, func(e *event.Event) {
		e.Type = event.SessionFork
		e.Payload = forkPayload("s1", parent[2].ID)
	})

	got, err := s.ForkedSessions(context.Background(), branchPoint)
	if err != nil {
		t.Fatalf("ForkedSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d forks, want 2", len(got))
	}
	ids := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !ids["f1"] || !ids["f2"] {
		t.Errorf("fork ids = %v", ids)
	}
}

func TestSiblingSessions(t *testing.T) {
	s := testStore(t)
	insertSession(t, s, "s1", "ws1", nil)
	parent := chain(t, s, "s1", 2)
	branchPoint := parent[0].ID

	for _, forkID := range []string{"f1", "f2"} {
		insertSession(t, s, forkID, "ws1", nil)
		insertEvent(t, s, forkID+"-root", forkID, 0, func(e *event.Event) {
			e.ParentID = &branchPoint
			e.Type = event.SessionFork
			e.Payload = forkPayload("s1", branchPoint)
		})
	}

	got, err := s.SiblingSessions(context.Background(), branchPoint, "f1")
	if err != nil {
		t.Fatalf("SiblingSessions: %v", err)
	}
	if len(got) != 1 || got[0].ID != "f2" {
		t.Errorf("got %v, want just f2", got)
	}
}

func TestSessionExists(t *testing.T) {
	s := testStore(t)
	insertSession(t, s, "s1", "ws1", nil)

	ok, err := s.SessionExists(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if !ok {
		t.Error("SessionExists(s1) = false")
	}
	ok, err = s.SessionExists(context.Background(), "nope")
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if ok {
		t.Error("SessionExists(nope) = true")
	}
}
