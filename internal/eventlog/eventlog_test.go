package eventlog

import "testing"

func TestAppendAssignsChunkTickSeqIDs(t *testing.T) {
	log := NewChunkLog("chunk-0", 512)
	a := log.Append(1, "chunk_delta", map[string]any{"x": 1})
	b := log.Append(1, "chunk_delta", map[string]any{"x": 2})
	c := log.Append(2, "chunk_delta", map[string]any{"x": 3})

	if a.ID != "chunk-0:1:0000" || b.ID != "chunk-0:1:0001" {
		t.Fatalf("unexpected ids: %s, %s", a.ID, b.ID)
	}
	if c.ID != "chunk-0:2:0000" {
		t.Fatalf("expected per-tick counter reset, got %s", c.ID)
	}
}

func TestOpenFeedReplaysTailAfterLastEventID(t *testing.T) {
	log := NewChunkLog("chunk-0", 512)
	first := log.Append(1, "chunk_delta", 1)
	log.Append(1, "chunk_delta", 2)
	third := log.Append(1, "chunk_delta", 3)

	resync, replay, feed := log.OpenFeed(first.ID, 8)
	defer feed.Close()

	if resync {
		t.Fatalf("did not expect resync_required")
	}
	if len(replay) != 2 || replay[len(replay)-1].ID != third.ID {
		t.Fatalf("unexpected replay tail: %+v", replay)
	}
}

func TestOpenFeedResyncRequiredWhenLastEventIDUnknown(t *testing.T) {
	log := NewChunkLog("chunk-0", 512)
	log.Append(1, "chunk_delta", 1)

	resync, replay, feed := log.OpenFeed("chunk-0:0:9999", 8)
	defer feed.Close()

	if !resync {
		t.Fatalf("expected resync_required for an unknown last_event_id")
	}
	if len(replay) != 0 {
		t.Fatalf("expected no replay when resync is required")
	}
}

func TestOpenFeedWithoutLastEventIDJustSubscribes(t *testing.T) {
	log := NewChunkLog("chunk-0", 512)
	resync, replay, feed := log.OpenFeed("", 8)
	defer feed.Close()

	if resync || len(replay) != 0 {
		t.Fatalf("expected a plain subscription with no replay")
	}

	log.Append(1, "chunk_delta", 1)
	select {
	case record := <-feed.Events():
		if record.Name != "chunk_delta" {
			t.Fatalf("unexpected delivered record: %+v", record)
		}
	default:
		t.Fatalf("expected the new event to be delivered to the feed")
	}
}

func TestRetentionEvictsOldestEvents(t *testing.T) {
	log := NewChunkLog("chunk-0", 2)
	log.Append(1, "a", nil)
	log.Append(1, "b", nil)
	log.Append(1, "c", nil)
	if log.Len() != 2 {
		t.Fatalf("expected retention to cap the log at 2 entries, got %d", log.Len())
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(1)
	q.Send(Envelope{Type: "a"})
	q.Send(Envelope{Type: "b"})

	first := <-q.C()
	if first.Type != "a" {
		t.Fatalf("expected the first queued envelope to survive, got %q", first.Type)
	}
	select {
	case extra := <-q.C():
		t.Fatalf("expected no second envelope, got %+v", extra)
	default:
	}
}
