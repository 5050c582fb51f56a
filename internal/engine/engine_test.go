package engine

import (
	"testing"
	"time"

	"dungeonclaw/server/internal/eventlog"
)

func defaultConfig() Config {
	return Config{
		Width: 10, Height: 10, Seed: 1,
		TickHz: 5, ChunkGCTTL: 10 * time.Second,
		SSEReplayMaxEvents: 64, ListenerQueueSize: 256,
	}
}

func sixBySixConfig() Config {
	cfg := defaultConfig()
	cfg.Width, cfg.Height = 6, 6
	return cfg
}

// S1 - straight move completes.
func TestScenarioS1StraightMoveCompletes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := New(defaultConfig(), func() time.Time { return now })

	if err := e.EnsureAgent("a1"); err != nil {
		t.Fatalf("ensure agent: %v", err)
	}
	state, _ := e.AgentState("a1")
	if state.X != 1 || state.Y != 1 {
		t.Fatalf("expected spawn at (1,1), got (%d,%d)", state.X, state.Y)
	}

	acceptedTick, err := e.SubmitMoveCommand("a1", "cmd-1", 3, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if acceptedTick != 1 {
		t.Fatalf("expected accepted_tick=1, got %d", acceptedTick)
	}

	q, err := e.RegisterListener("a1")
	if err != nil {
		t.Fatalf("register listener: %v", err)
	}

	e.TickOnce()
	e.TickOnce()

	final, _ := e.AgentState("a1")
	if final.X != 3 || final.Y != 1 {
		t.Fatalf("expected final position (3,1), got (%d,%d)", final.X, final.Y)
	}

	result := drainUntil(t, q, "command_result")
	payload := result.Payload.(map[string]any)
	if payload["status"] != "completed" || payload["ended_tick"] != uint64(2) {
		t.Fatalf("unexpected command_result: %+v", payload)
	}
}

// S2 - blocked by peer.
func TestScenarioS2BlockedByPeer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := New(defaultConfig(), func() time.Time { return now })

	e.EnsureAgent("a1")
	e.EnsureAgent("a2")
	a2, _ := e.AgentState("a2")
	if a2.X != 2 || a2.Y != 1 {
		t.Fatalf("expected a2 to spawn at (2,1), got (%d,%d)", a2.X, a2.Y)
	}

	q, _ := e.RegisterListener("a1")
	if _, err := e.SubmitMoveCommand("a1", "cmd-b", 2, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	e.TickOnce()

	result := drainUntil(t, q, "command_result")
	payload := result.Payload.(map[string]any)
	if payload["status"] != "failed" || payload["reason"] != "blocked" {
		t.Fatalf("unexpected command_result: %+v", payload)
	}
	blockedAt := payload["blocked_at"].(map[string]any)
	if blockedAt["x"] != 2 || blockedAt["y"] != 1 || payload["blocker"] != "a2" {
		t.Fatalf("unexpected blocked_at/blocker: %+v", payload)
	}

	final1, _ := e.AgentState("a1")
	final2, _ := e.AgentState("a2")
	if final1.X != 1 || final1.Y != 1 || final2.X != 2 || final2.Y != 1 {
		t.Fatalf("expected both agents to stay put, got a1=%+v a2=%+v", final1, final2)
	}
}

// S3 - boundary transition on a 6x6 grid.
func TestScenarioS3BoundaryTransition(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := New(sixBySixConfig(), func() time.Time { return now })

	e.EnsureAgent("a1")
	q, _ := e.RegisterListener("a1")

	if _, err := e.SubmitMoveCommand("a1", "cmd-1", 5, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	for i := 0; i < 5; i++ {
		e.TickOnce()
	}

	transition := drainUntil(t, q, "chunk_transition")
	tPayload := transition.Payload.(map[string]any)
	if tPayload["from_chunk_id"] != "chunk-0" || tPayload["to_chunk_id"] != "chunk-1" {
		t.Fatalf("unexpected transition payload: %+v", tPayload)
	}
	to := tPayload["to"].(map[string]any)
	if to["x"] != 0 || to["y"] != 1 {
		t.Fatalf("expected destination (0,1), got %+v", to)
	}

	static := mustReceive(t, q)
	if static.Type != "chunk_static" {
		t.Fatalf("expected chunk_static immediately after chunk_transition, got %s", static.Type)
	}
	delta := mustReceive(t, q)
	if delta.Type != "chunk_delta" {
		t.Fatalf("expected chunk_delta immediately after chunk_static, got %s", delta.Type)
	}

	final, err := e.AgentState("a1")
	if err != nil || final.ChunkID != "chunk-1" || final.X != 0 || final.Y != 1 {
		t.Fatalf("expected agent_state (chunk-1,0,1), got %+v err=%v", final, err)
	}
}

// S4 - GC and re-entry.
func TestScenarioS4GCAndReentry(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cfg := sixBySixConfig()
	cfg.ChunkGCTTL = 10 * time.Second
	e := New(cfg, func() time.Time { return clock })

	e.EnsureAgent("a1")
	e.SubmitMoveCommand("a1", "cmd-1", 5, 1)
	for i := 0; i < 5; i++ {
		e.TickOnce()
	}
	state, _ := e.AgentState("a1")
	if state.ChunkID != "chunk-1" {
		t.Fatalf("expected a1 in chunk-1, got %s", state.ChunkID)
	}

	if err := e.RemoveAgent("a1"); err != nil {
		t.Fatalf("remove agent: %v", err)
	}

	clock = clock.Add(30 * time.Second)
	e.TickOnce()

	if e.HasChunk("chunk-1") {
		t.Fatalf("expected chunk-1 to be garbage collected")
	}

	if err := e.EnsureAgent("a1"); err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if _, err := e.SubmitMoveCommand("a1", "cmd-2", 5, 1); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	for i := 0; i < 5; i++ {
		e.TickOnce()
	}

	final, err := e.AgentState("a1")
	if err != nil || final.ChunkID != "chunk-2" {
		t.Fatalf("expected a1 to transition into a freshly-serialed chunk-2, got %+v err=%v", final, err)
	}
	if !e.HasChunk("chunk-2") {
		t.Fatalf("expected has_chunk(chunk-2) = true")
	}
}

// Property 2: at most one active command per agent.
func TestBusyRejectsSecondSubmitBeforeCompletion(t *testing.T) {
	e := New(defaultConfig(), nil)
	e.EnsureAgent("a1")
	if _, err := e.SubmitMoveCommand("a1", "cmd-1", 8, 1); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := e.SubmitMoveCommand("a1", "cmd-2", 1, 1); err == nil || err.Error() != "busy" {
		t.Fatalf("expected busy, got %v", err)
	}
}

// Property 9: tick monotonicity.
func TestTickIncreasesByExactlyOne(t *testing.T) {
	e := New(defaultConfig(), nil)
	for i := uint64(1); i <= 3; i++ {
		e.TickOnce()
		if e.tick != i {
			t.Fatalf("expected tick %d, got %d", i, e.tick)
		}
	}
}

// Property 11: GC safety - an occupied chunk is never collected.
func TestGCNeverCollectsOccupiedChunk(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cfg := sixBySixConfig()
	cfg.ChunkGCTTL = 1 * time.Second
	e := New(cfg, func() time.Time { return clock })

	e.EnsureAgent("a1")
	e.SubmitMoveCommand("a1", "cmd-1", 5, 1)
	for i := 0; i < 5; i++ {
		e.TickOnce()
	}
	if !e.HasChunk("chunk-1") {
		t.Fatalf("expected chunk-1 to exist")
	}

	clock = clock.Add(30 * time.Second)
	e.TickOnce()

	if !e.HasChunk("chunk-1") {
		t.Fatalf("chunk-1 still has an agent in it and must not be collected")
	}
}

// Property 12: world reset to the root chunk when the last agent leaves.
func TestWorldResetsToRootWhenLastAgentLeaves(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cfg := sixBySixConfig()
	cfg.ChunkGCTTL = 5 * time.Second
	e := New(cfg, func() time.Time { return clock })

	e.EnsureAgent("a1")
	e.SubmitMoveCommand("a1", "cmd-1", 5, 1)
	for i := 0; i < 5; i++ {
		e.TickOnce()
	}
	e.RemoveAgent("a1")

	clock = clock.Add(30 * time.Second)
	e.TickOnce()

	if len(e.chunks) != 1 {
		t.Fatalf("expected world to collapse back to exactly the root chunk, have %d chunks", len(e.chunks))
	}
	if _, ok := e.chunks[rootChunkID]; !ok {
		t.Fatalf("expected root chunk to survive")
	}
}

func mustReceive(t *testing.T, q *eventlog.Queue) eventlog.Envelope {
	t.Helper()
	select {
	case env := <-q.C():
		return env
	default:
		t.Fatalf("expected a queued envelope, found none")
		return eventlog.Envelope{}
	}
}

func drainUntil(t *testing.T, q *eventlog.Queue, eventType string) eventlog.Envelope {
	t.Helper()
	for i := 0; i < 16; i++ {
		select {
		case env := <-q.C():
			if env.Type == eventType {
				return env
			}
		default:
			t.Fatalf("queue drained without finding %q", eventType)
		}
	}
	t.Fatalf("exceeded attempts looking for %q", eventType)
	return eventlog.Envelope{}
}
