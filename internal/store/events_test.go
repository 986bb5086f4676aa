package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/tmaher/mirrorlog/internal/event"
)

func TestInsertEventReplace(t *testing.T) {
	s := testStore(t)
	insertEvent(t, s, "e1", "s1", 0, nil)
	insertEvent(t, s, "e1", "s1", 0, func(e *event.Event) {
		e.Payload = json.RawMessage(`{"content":"replaced"}`)
	})

	got, err := s.GetEvent(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got == nil {
		t.Fatal("event not found")
	}
	if string(got.Payload) != `{"content":"replaced"}` {
		t.Errorf("payload = %s, want replaced copy", got.Payload)
	}
}

func TestGetEventMissing(t *testing.T) {
	s := testStore(t)
	got, err := s.GetEvent(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for missing event", got)
	}
}

func TestInsertEventsBatch(t *testing.T) {
	s := testStore(t)
	events := []event.Event{
		{ID: "e1", SessionID: "s1", WorkspaceID: "ws1",
			Type: event.MessageUser, Timestamp: "2025-06-01T00:00:00Z",
			Payload: json.RawMessage(`{}`)},
		{ID: "e2", SessionID: "s1", WorkspaceID: "ws1",
			Type: event.MessageAssistant, Timestamp: "2025-06-01T00:00:01Z",
			Sequence: 1, Payload: json.RawMessage(`{}`)},
	}

	if err := s.InsertEvents(events); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	all, err := s.EventsBySession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("EventsBySession: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d events, want 2", len(all))
	}
}

func TestInsertNewEventsIdempotent(t *testing.T) {
	s := testStore(t)
	events := []event.Event{
		{ID: "evt_a", SessionID: "s1", WorkspaceID: "ws1",
			Type: event.MessageUser, Timestamp: "2025-06-01T00:00:00Z",
			Payload: json.RawMessage(`{"content":"a"}`)},
		{ID: "evt_b", SessionID: "s1", WorkspaceID: "ws1",
			Type: event.MessageAssistant, Timestamp: "2025-06-01T00:00:01Z",
			Sequence: 1, Payload: json.RawMessage(`{"content":"b"}`)},
	}

	n, err := s.InsertNewEvents(events)
	if err != nil {
		t.Fatalf("first InsertNewEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("first call inserted %d, want 2", n)
	}

	// Re-applying the same batch must not overwrite or double-insert.
	events[0].Payload = json.RawMessage(`{"content":"mutated"}`)
	n, err = s.InsertNewEvents(events)
	if err != nil {
		t.Fatalf("second InsertNewEvents: %v", err)
	}
	if n != 0 {
		t.Errorf("second call inserted %d, want 0", n)
	}

	got, err := s.GetEvent(context.Background(), "evt_a")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if string(got.Payload) != `{"content":"a"}` {
		t.Errorf("payload = %s, want original preserved", got.Payload)
	}
}

func TestEventsBySessionOrder(t *testing.T) {
	s := testStore(t)
	// Insert out of order; reads come back by sequence.
	insertEvent(t, s, "e2", "s1", 2, nil)
	insertEvent(t, s, "e0", "s1", 0, nil)
	insertEvent(t, s, "e1", "s1", 1, nil)
	insertEvent(t, s, "other", "s2", 0, nil)

	events, err := s.EventsBySession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("EventsBySession: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, want := range []string{"e0", "e1", "e2"} {
		if events[i].ID != want {
			t.Errorf("events[%d].ID = %s, want %s", i, events[i].ID, want)
		}
	}
}

func TestEventsByType(t *testing.T) {
	s := testStore(t)
	insertEvent(t, s, "u1", "s1", 0, nil)
	insertEvent(t, s, "a1", "s1", 1, func(e *event.Event) {
		e.Type = event.MessageAssistant
	})
	insertEvent(t, s, "u2", "s1", 2, nil)

	events, err := s.EventsByType(context.Background(), "s1", event.MessageUser)
	if err != nil {
		t.Fatalf("EventsByType: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d user messages, want 2", len(events))
	}
	if events[0].ID != "u1" || events[1].ID != "u2" {
		t.Errorf("got %s,%s want u1,u2", events[0].ID, events[1].ID)
	}
}

func TestScanEventsSkipsCorruptPayload(t *testing.T) {
	s := testStore(t)
	insertEvent(t, s, "good", "s1", 0, nil)

	// Corrupt a payload behind the repository's back.
	if _, err := s.writer.Exec(
		`INSERT INTO events (id, parent_id, session_id, workspace_id, type, timestamp, sequence, payload)
		 VALUES ('bad', NULL, 's1', 'ws1', 'message.user', '2025-06-01T00:00:01Z', 1, '{truncated')`,
	); err != nil {
		t.Fatalf("inserting corrupt row: %v", err)
	}

	events, err := s.EventsBySession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("EventsBySession: %v", err)
	}
	if len(events) != 1 || events[0].ID != "good" {
		t.Errorf("got %d events, want only the decodable one", len(events))
	}
}

func TestAncestorsOrderAndAdjacency(t *testing.T) {
	s := testStore(t)
	events := chain(t, s, "s1", 5)
	tip := events[len(events)-1]

	got, err := s.Ancestors(context.Background(), tip.ID)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d ancestors, want 5", len(got))
	}
	if got[0].ParentID != nil {
		t.Errorf("chain does not start at root: parent %v", *got[0].ParentID)
	}
	for i := 1; i < len(got); i++ {
		if got[i].ParentID == nil || *got[i].ParentID != got[i-1].ID {
			t.Errorf("got[%d] is not a child of got[%d]", i, i-1)
		}
	}
	if got[len(got)-1].ID != tip.ID {
		t.Errorf("chain does not end at %s", tip.ID)
	}
}

func TestAncestorsCrossSession(t *testing.T) {
	s := testStore(t)
	parent := chain(t, s, "s1", 3)
	forkPoint := parent[1]

	// Fork event lives in s2 but chains from s1's history.
	fork := insertEvent(t, s, "fork", "s2", 0, func(e *event.Event) {
		e.ParentID = &forkPoint.ID
		e.Type = event.SessionFork
		e.Payload = json.RawMessage(
			`{"sourceSessionId":"s1","sourceEventId":"` + forkPoint.ID + `"}`)
	})
	reply := insertEvent(t, s, "reply", "s2", 1, func(e *event.Event) {
		e.ParentID = &fork.ID
	})

	got, err := s.Ancestors(context.Background(), reply.ID)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	want := []string{parent[0].ID, parent[1].ID, "fork", "reply"}
	if len(got) != len(want) {
		t.Fatalf("got %d ancestors, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestAncestorsBrokenChain(t *testing.T) {
	s := testStore(t)
	missing := "never-stored"
	e := insertEvent(t, s, "orphan", "s1", 5, func(e *event.Event) {
		e.ParentID = &missing
	})

	got, err := s.Ancestors(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(got) != 1 || got[0].ID != "orphan" {
		t.Errorf("got %d events, want partial chain of just the orphan", len(got))
	}
}

func TestAncestorsCycleTerminates(t *testing.T) {
	s := testStore(t)
	b := "b"
	insertEvent(t, s, "a", "s1", 0, func(e *event.Event) { e.ParentID = &b })
	a := "a"
	insertEvent(t, s, "b", "s1", 1, func(e *event.Event) { e.ParentID = &a })

	got, err := s.Ancestors(context.Background(), "b")
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d events, want 2 (cycle broken)", len(got))
	}
}

func TestChildren(t *testing.T) {
	s := testStore(t)
	root := insertEvent(t, s, "root", "s1", 0, nil)
	insertEvent(t, s, "c1", "s1", 1, func(e *event.Event) { e.ParentID = &root.ID })
	insertEvent(t, s, "c2", "s2", 0, func(e *event.Event) { e.ParentID = &root.ID })

	kids, err := s.Children(context.Background(), "root")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(kids) != 2 {
		t.Errorf("got %d children, want 2", len(kids))
	}
}

func TestDeleteEventsBatched(t *testing.T) {
	s := testStore(t)
	n := deleteBatchSize + 50
	ids := make([]string, 0, n)
	batch := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("e%04d", i)
		ids = append(ids, id)
		batch = append(batch, event.Event{
			ID: id, SessionID: "s1", WorkspaceID: "ws1",
			Type: event.MessageUser, Timestamp: "2025-06-01T00:00:00Z",
			Sequence: int64(i), Payload: json.RawMessage(`{}`),
		})
	}
	if err := s.InsertEvents(batch); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	deleted, err := s.DeleteEvents(ids)
	if err != nil {
		t.Fatalf("DeleteEvents: %v", err)
	}
	if deleted != n {
		t.Errorf("deleted %d, want %d", deleted, n)
	}

	left, err := s.EventsBySession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("EventsBySession: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("%d events remain after delete", len(left))
	}
}

func TestDeleteEventsBySession(t *testing.T) {
	s := testStore(t)
	chain(t, s, "s1", 3)
	keep := insertEvent(t, s, "keep", "s2", 0, nil)

	if err := s.DeleteEventsBySession("s1"); err != nil {
		t.Fatalf("DeleteEventsBySession: %v", err)
	}

	got, err := s.GetEvent(context.Background(), keep.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got == nil {
		t.Error("event in other session deleted")
	}
	gone, err := s.EventsBySession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("EventsBySession: %v", err)
	}
	if len(gone) != 0 {
		t.Errorf("%d events remain in deleted session", len(gone))
	}
}

func TestUpdateEventPayload(t *testing.T) {
	s := testStore(t)
	insertEvent(t, s, "e1", "s1", 0, nil)

	if err := s.UpdateEventPayload("e1", json.RawMessage(`{"content":"enriched"}`)); err != nil {
		t.Fatalf("UpdateEventPayload: %v", err)
	}

	got, err := s.GetEvent(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if string(got.Payload) != `{"content":"enriched"}` {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestEventExists(t *testing.T) {
	s := testStore(t)
	insertEvent(t, s, "e1", "s1", 0, nil)

	ok, err := s.EventExists(context.Background(), "e1")
	if err != nil {
		t.Fatalf("EventExists: %v", err)
	}
	if !ok {
		t.Error("EventExists(e1) = false")
	}
	ok, err = s.EventExists(context.Background(), "e2")
	if err != nil {
		t.Fatalf("EventExists: %v", err)
	}
	if ok {
		t.Error("EventExists(e2) = true")
	}
}
