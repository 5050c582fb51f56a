// Package engine implements the single-writer tick engine: the chunk
// graph, agent entities, command admission, per-tick resolution, boundary
// transitions, chunk GC and listener fan-out described by the core spec.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"dungeonclaw/server/internal/chunkgen"
	"dungeonclaw/server/internal/eventlog"
	"dungeonclaw/server/internal/pathfinder"
	"dungeonclaw/server/internal/simulation"
)

const rootChunkID = "chunk-0"

// Config bounds the chunk dimensions, GC timeout and spectator replay depth
// the engine is constructed with.
type Config struct {
	Width             int
	Height            int
	Seed              int64
	TickHz            int
	ChunkGCTTL        time.Duration
	SSEReplayMaxEvents int
	ListenerQueueSize  int
}

// Engine is the single-writer world. Every exported method that reads or
// mutates world state acquires mu, so callers never need their own
// synchronisation.
type Engine struct {
	mu sync.Mutex

	cfg Config
	now func() time.Time

	chunks        map[string]*chunk
	agents        map[string]*agentState
	tick          uint64
	acceptSerial  uint64
	chunkSerial   int

	pending   []*moveCommand
	executing []*moveCommand

	monitor *simulation.TickMonitor
	loop    *simulation.Loop
}

// New constructs an Engine with a freshly generated root chunk.
func New(cfg Config, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	if cfg.ListenerQueueSize <= 0 {
		cfg.ListenerQueueSize = 256
	}
	hz := float64(cfg.TickHz)
	if hz <= 0 {
		hz = 5
	}
	budget := time.Duration(float64(time.Second) / hz)
	e := &Engine{
		cfg:         cfg,
		now:         now,
		chunks:      make(map[string]*chunk),
		agents:      make(map[string]*agentState),
		monitor:     simulation.NewTickMonitor(budget),
		chunkSerial: -1,
	}
	// The root chunk does not pre-commit to any particular neighbour
	// existing; edges are carved open by its root layout regardless, and
	// neighbours are materialised lazily on first crossing.
	root := e.materializeChunk(cfg.Seed, true, nil)
	e.chunks[root.id] = root
	return e
}

// Start launches the background tick timer at the configured hz.
func (e *Engine) Start(ctx context.Context) {
	hz := float64(e.cfg.TickHz)
	if hz <= 0 {
		hz = 5
	}
	e.loop = simulation.NewLoop(hz, func(time.Duration) {
		started := e.now()
		e.TickOnce()
		e.monitor.Observe(e.now().Sub(started))
	})
	e.loop.Start(ctx)
}

// Stop halts the background tick timer.
func (e *Engine) Stop() {
	if e.loop != nil {
		e.loop.Stop()
	}
}

// TickMetrics exposes tick timing for the ambient /metrics surface.
func (e *Engine) TickMetrics() simulation.TickMetricsSnapshot {
	return e.monitor.Snapshot()
}

// StalledTicks reports how many ticks the background loop has resolved as
// catch-up work after its schedule fell behind, or 0 before Start is called.
func (e *Engine) StalledTicks() uint64 {
	if e.loop == nil {
		return 0
	}
	return e.loop.StalledTicks()
}

// CurrentTick reports the last tick resolved by TickOnce, for transports
// that stamp synthetic events (e.g. the say command's command_result)
// with the engine's current tick rather than a tick of their own.
func (e *Engine) CurrentTick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

func (e *Engine) materializeChunk(seed int64, root bool, requiredEdges []string) *chunk {
	e.chunkSerial++
	width, height := e.cfg.Width, e.cfg.Height
	id := fmt.Sprintf("chunk-%d", e.chunkSerial)

	rows := chunkgen.Generate(width, height, seed, requiredEdges, root)

	c := &chunk{
		id:         id,
		width:      width,
		height:     height,
		tiles:      rows,
		neighbours: make(map[Direction]string),
		occupancy:  make(map[Cell]string),
		agents:     make(map[string]bool),
		seed:       seed,
		serial:     e.chunkSerial,
		pinned:     root,
		createdAt:  e.now(),
		log:        eventlog.NewChunkLog(id, e.cfg.SSEReplayMaxEvents),
	}
	return c
}

// HasChunk reports whether chunkID currently exists.
func (e *Engine) HasChunk(chunkID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.chunks[chunkID]
	return ok
}

// RootChunkID returns the identifier of the chunk that never dies.
func (e *Engine) RootChunkID() string { return rootChunkID }

// EnsureAgent creates the agent if it doesn't exist yet, spawning it into
// the nearest free floor cell to (1,1) in the root chunk. It is a no-op if
// the agent already exists.
func (e *Engine) EnsureAgent(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.agents[agentID]; ok {
		return nil
	}

	root := e.chunks[rootChunkID]
	cell, ok := nearestFreeCell(root, Cell{X: 1, Y: 1})
	if !ok {
		return ErrNoSpawnAvailable()
	}

	root.occupancy[cell] = agentID
	root.agents[agentID] = true
	e.agents[agentID] = &agentState{
		id:      agentID,
		chunkID: rootChunkID,
		x:       cell.X,
		y:       cell.Y,
		queue:   eventlog.NewQueue(e.cfg.ListenerQueueSize),
	}
	return nil
}

func nearestFreeCell(c *chunk, from Cell) (Cell, bool) {
	if !c.blocked(from, "") {
		return from, true
	}
	visited := map[Cell]bool{from: true}
	queue := []Cell{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range [4]Cell{
			{cur.X + 1, cur.Y}, {cur.X - 1, cur.Y}, {cur.X, cur.Y + 1}, {cur.X, cur.Y - 1},
		} {
			if n.X < 0 || n.X >= c.width || n.Y < 0 || n.Y >= c.height || visited[n] {
				continue
			}
			visited[n] = true
			if c.tiles[n.Y][n.X] != '#' {
				if _, occupied := c.occupancy[n]; !occupied {
					return n, true
				}
				queue = append(queue, n)
			}
		}
	}
	return Cell{}, false
}

// RemoveAgent deletes an agent from the world, releasing its occupied cell.
func (e *Engine) RemoveAgent(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeAgentLocked(agentID)
}

func (e *Engine) removeAgentLocked(agentID string) error {
	agent, ok := e.agents[agentID]
	if !ok {
		return ErrAgentNotFound()
	}
	if c, ok := e.chunks[agent.chunkID]; ok {
		delete(c.occupancy, Cell{X: agent.x, Y: agent.y})
		delete(c.agents, agentID)
		if len(c.agents) == 0 && c.id != rootChunkID {
			now := e.now()
			c.lastPlayerLeftAt = &now
		}
	}
	delete(e.agents, agentID)
	return nil
}

// AgentState reports an agent's chunk and position.
type AgentState struct {
	ChunkID string
	X, Y    int
}

// AgentState returns the current chunk/position of an agent.
func (e *Engine) AgentState(agentID string) (AgentState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, ok := e.agents[agentID]
	if !ok {
		return AgentState{}, ErrAgentNotFound()
	}
	return AgentState{ChunkID: agent.chunkID, X: agent.x, Y: agent.y}, nil
}

// HasActiveCommand reports whether an agent currently owns an in-flight
// move command.
func (e *Engine) HasActiveCommand(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, ok := e.agents[agentID]
	return ok && agent.active != nil
}

// SubmitMoveCommand admits a new move_to command for agentID, computing its
// path eagerly against the current occupancy of its chunk.
func (e *Engine) SubmitMoveCommand(agentID, serverCmdID string, targetX, targetY int) (acceptedTick uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	agent, ok := e.agents[agentID]
	if !ok {
		return 0, ErrAgentNotFound()
	}
	if agent.active != nil {
		return 0, ErrBusy()
	}

	c, ok := e.chunks[agent.chunkID]
	if !ok {
		return 0, ErrChunkNotFound()
	}
	if targetX < 0 || targetX >= c.width || targetY < 0 || targetY >= c.height {
		return 0, ErrOutOfBounds()
	}

	start := Cell{X: agent.x, Y: agent.y}
	goal := Cell{X: targetX, Y: targetY}
	path, ok := pathfinder.Path(c.width, c.height, start, goal, func(cell Cell) bool {
		return c.blocked(cell, agentID)
	})
	if !ok {
		return 0, ErrUnreachable()
	}

	e.acceptSerial++
	cmd := &moveCommand{
		serverCmdID:   serverCmdID,
		agentID:       agentID,
		targetX:       targetX,
		targetY:       targetY,
		path:          path,
		acceptedTick:  e.tick + 1,
		acceptedOrder: e.acceptSerial,
		status:        statusPending,
	}
	agent.active = cmd
	e.pending = append(e.pending, cmd)
	return cmd.acceptedTick, nil
}

// RegisterListener returns the agent's fan-out queue. The agent must already
// exist (see EnsureAgent); otherwise agent_not_found is returned.
func (e *Engine) RegisterListener(agentID string) (*eventlog.Queue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, ok := e.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound()
	}
	return agent.queue, nil
}

// ChunkSnapshot is the wire payload for a chunk's current static layout and
// latest delta.
type ChunkSnapshot struct {
	ChunkStatic map[string]any
	LatestDelta map[string]any
}

// ChunkSnapshotPayload builds the current static+delta snapshot of a chunk.
func (e *Engine) ChunkSnapshotPayload(chunkID string) (ChunkSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.chunks[chunkID]
	if !ok {
		return ChunkSnapshot{}, ErrChunkNotFound()
	}
	return ChunkSnapshot{
		ChunkStatic: chunkStaticPayload(c),
		LatestDelta: chunkDeltaPayload(c, e.tick, nil),
	}, nil
}

// OpenSpectatorFeed implements the spectator feed bootstrap described by
// the spec: it returns the current static/delta payloads, a resync flag,
// any replay tail, and a freshly registered feed for subsequent events.
type SpectatorFeed struct {
	ChunkStatic    map[string]any
	ChunkDelta     map[string]any
	ResyncRequired bool
	Replay         []eventlog.EventRecord
	Feed           *eventlog.Feed
}

func (e *Engine) OpenSpectatorFeed(chunkID, lastEventID string) (SpectatorFeed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.chunks[chunkID]
	if !ok {
		return SpectatorFeed{}, ErrChunkNotFound()
	}

	resync, replay, feed := c.log.OpenFeed(lastEventID, e.cfg.ListenerQueueSize)
	return SpectatorFeed{
		ChunkStatic:    chunkStaticPayload(c),
		ChunkDelta:     chunkDeltaPayload(c, e.tick, nil),
		ResyncRequired: resync,
		Replay:         replay,
		Feed:           feed,
	}, nil
}

func chunkStaticPayload(c *chunk) map[string]any {
	neighbours := make(map[string]any, 4)
	for _, d := range [4]Direction{North, East, South, West} {
		if id, ok := c.neighbours[d]; ok && id != "" {
			neighbours[string(d)] = id
		} else {
			neighbours[string(d)] = nil
		}
	}
	return map[string]any{
		"chunk_id":   c.id,
		"width":      c.width,
		"height":     c.height,
		"tiles":      append([]string(nil), c.tiles...),
		"neighbours": neighbours,
		"seed":       c.seed,
	}
}

func chunkDeltaPayload(c *chunk, tick uint64, events []map[string]any) map[string]any {
	occupants := make([]map[string]any, 0, len(c.occupancy))
	for cell, agentID := range c.occupancy {
		occupants = append(occupants, map[string]any{"agent_id": agentID, "x": cell.X, "y": cell.Y})
	}
	sort.Slice(occupants, func(i, j int) bool {
		return occupants[i]["agent_id"].(string) < occupants[j]["agent_id"].(string)
	})
	return map[string]any{
		"chunk_id":  c.id,
		"tick":      tick,
		"occupants": occupants,
		"events":    events,
	}
}

// deriveChunkSeed mixes the parent chunk's seed, its creation serial, and
// the exit direction into a new int64 seed via FNV-1a, the same way a
// shared PRNG family would be avoided for a purely structural seed mix.
func deriveChunkSeed(parentSeed int64, parentSerial int, direction Direction) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d:%s", parentSeed, parentSerial, direction)
	return int64(h.Sum64())
}
