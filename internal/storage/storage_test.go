package storage

import (
	"testing"
	"time"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestContacts(t *testing.T) {
	db := openTest(t)

	t.Run("pending request is not accepted", func(t *testing.T) {
		if err := db.AddContact("alice", "bob"); err != nil {
			t.Fatal(err)
		}
		contacts, err := db.AcceptedContacts("alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(contacts) != 0 {
			t.Fatalf("pending contact leaked into accepted set: %v", contacts)
		}
	})

	t.Run("accept is symmetric", func(t *testing.T) {
		if err := db.AcceptContact("alice", "bob"); err != nil {
			t.Fatal(err)
		}
		for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
			contacts, err := db.AcceptedContacts(pair[0])
			if err != nil {
				t.Fatal(err)
			}
			if len(contacts) != 1 || contacts[0] != pair[1] {
				t.Fatalf("%s expected accepted contact %s, got %v", pair[0], pair[1], contacts)
			}
		}
	})

	t.Run("re-add keeps accepted flag", func(t *testing.T) {
		if err := db.AddContact("alice", "bob"); err != nil {
			t.Fatal(err)
		}
		contacts, err := db.AcceptedContacts("alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(contacts) != 1 {
			t.Fatalf("re-add demoted an accepted contact: %v", contacts)
		}
	})

	t.Run("remove is symmetric", func(t *testing.T) {
		if err := db.RemoveContact("bob", "alice"); err != nil {
			t.Fatal(err)
		}
		for _, user := range []string{"alice", "bob"} {
			contacts, err := db.AcceptedContacts(user)
			if err != nil {
				t.Fatal(err)
			}
			if len(contacts) != 0 {
				t.Fatalf("%s still has contacts after removal: %v", user, contacts)
			}
		}
	})
}

func TestPresenceSnapshot(t *testing.T) {
	db := openTest(t)

	if _, _, ok := db.LastSeen("ghost"); ok {
		t.Fatal("unknown user reported a snapshot")
	}

	seen := time.Now().Truncate(time.Millisecond)
	if err := db.SetStatus("alice", "online", seen); err != nil {
		t.Fatal(err)
	}
	status, got, ok := db.LastSeen("alice")
	if !ok || status != "online" || !got.Equal(seen) {
		t.Fatalf("got %s %v %v, want online %v true", status, got, ok, seen)
	}

	later := seen.Add(5 * time.Minute)
	if err := db.SetStatus("alice", "offline", later); err != nil {
		t.Fatal(err)
	}
	status, got, _ = db.LastSeen("alice")
	if status != "offline" || !got.Equal(later) {
		t.Fatalf("upsert did not replace snapshot: %s %v", status, got)
	}
}

func TestCallRecords(t *testing.T) {
	db := openTest(t)
	started := time.Now().Truncate(time.Millisecond)

	rec := CallRecord{
		SessionID: "s1", CallerID: "alice", CalleeID: "bob",
		ConversationID: "conv1", Mode: "audio", StartedAt: started,
	}
	if err := db.RecordCallStart(rec); err != nil {
		t.Fatal(err)
	}
	// A re-sent offer must not reset the start time.
	rec.StartedAt = started.Add(time.Minute)
	if err := db.RecordCallStart(rec); err != nil {
		t.Fatal(err)
	}

	ended := started.Add(30 * time.Second)
	if err := db.RecordCallEnd("s1", "hangup", ended); err != nil {
		t.Fatal(err)
	}
	// Second termination loses; both sides hanging up keeps the first reason.
	if err := db.RecordCallEnd("s1", "peer_unreachable", ended.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	history, err := db.CallHistory("alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 record, got %d", len(history))
	}
	got := history[0]
	if !got.StartedAt.Equal(started) {
		t.Errorf("start time was reset: %v", got.StartedAt)
	}
	if got.EndReason != "hangup" || !got.EndedAt.Equal(ended) {
		t.Errorf("first termination did not win: %s at %v", got.EndReason, got.EndedAt)
	}

	t.Run("ordered newest first", func(t *testing.T) {
		for i, id := range []string{"s2", "s3"} {
			err := db.RecordCallStart(CallRecord{
				SessionID: id, CallerID: "carol", CalleeID: "alice",
				Mode: "video", StartedAt: started.Add(time.Duration(i+1) * time.Hour),
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		history, err := db.CallHistory("alice", 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 2 || history[0].SessionID != "s3" || history[1].SessionID != "s2" {
			t.Fatalf("unexpected ordering: %+v", history)
		}
	})

	t.Run("uninvolved user sees nothing", func(t *testing.T) {
		history, err := db.CallHistory("mallory", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 0 {
			t.Fatalf("expected empty history, got %+v", history)
		}
	})
}
