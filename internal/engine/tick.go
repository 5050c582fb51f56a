package engine

import (
	"sort"

	"dungeonclaw/server/internal/eventlog"
)

// TickOnce advances the world by exactly one tick, performing admission
// promotion, command resolution, boundary transitions, event fan-out and
// chunk GC atomically with respect to every other engine operation.
func (e *Engine) TickOnce() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tick++
	tick := e.tick

	// 1. Promote pending commands whose accepted_tick has arrived.
	var stillPending []*moveCommand
	for _, cmd := range e.pending {
		if cmd.acceptedTick <= tick {
			cmd.status = statusExecuting
			e.executing = append(e.executing, cmd)
		} else {
			stillPending = append(stillPending, cmd)
		}
	}
	e.pending = stillPending

	// 2. Deterministic execution order.
	sort.Slice(e.executing, func(i, j int) bool {
		a, b := e.executing[i], e.executing[j]
		if a.acceptedTick != b.acceptedTick {
			return a.acceptedTick < b.acceptedTick
		}
		if a.acceptedOrder != b.acceptedOrder {
			return a.acceptedOrder < b.acceptedOrder
		}
		return a.agentID < b.agentID
	})

	affectedChunks := map[string]bool{}
	// tickEvents accumulates, per chunk, the EventRecords appended to that
	// chunk's log this tick, so step 6's chunk_delta can report them and a
	// replaying spectator sees the same activity an agent listener saw live.
	tickEvents := map[string][]map[string]any{}
	type transitionInfo struct {
		agentID                string
		fromChunkID, toChunkID string
		from, to               Cell
	}
	var transitions []transitionInfo

	var stillExecuting []*moveCommand
	for _, cmd := range e.executing {
		agent, ok := e.agents[cmd.agentID]
		if !ok {
			cmd.status = statusFailed
			cmd.failReason = "agent_not_found"
			e.finishCommand(cmd, tick, "", tickEvents)
			continue
		}

		c, ok := e.chunks[agent.chunkID]
		if !ok {
			cmd.status = statusFailed
			cmd.failReason = "chunk_not_found"
			e.finishCommand(cmd, tick, "", tickEvents)
			continue
		}

		if cmd.pathIndex >= len(cmd.path) {
			cmd.status = statusCompleted
			e.finishCommand(cmd, tick, c.id, tickEvents)
			continue
		}

		next := cmd.path[cmd.pathIndex]
		cur := Cell{X: agent.x, Y: agent.y}
		affectedChunks[c.id] = true

		if d, crossing := crossingDirection(cur, next, c.width, c.height); crossing {
			fromChunkID := c.id
			ok, destChunkID, dest, failReason, blocker := e.transitionAgent(c, d, next, agent)
			if !ok {
				cmd.status = statusFailed
				cmd.failReason = failReason
				blockedAt := next
				cmd.blockedAt = &blockedAt
				cmd.blocker = blocker
				appendChunkEvent(c, tick, "blocked", map[string]any{
					"agent_id": agent.id, "cell": map[string]any{"x": next.X, "y": next.Y}, "blocker": blocker,
				}, tickEvents)
				e.finishCommand(cmd, tick, c.id, tickEvents)
				continue
			}
			cmd.pathIndex++
			affectedChunks[destChunkID] = true
			transitions = append(transitions, transitionInfo{
				agentID: agent.id, fromChunkID: fromChunkID, toChunkID: destChunkID,
				from: cur, to: dest,
			})
			if cmd.pathIndex >= len(cmd.path) {
				cmd.status = statusCompleted
				e.finishCommand(cmd, tick, destChunkID, tickEvents)
				continue
			}
			stillExecuting = append(stillExecuting, cmd)
			continue
		}

		if occupant, blocked := c.occupancy[next]; blocked && occupant != agent.id {
			cmd.status = statusFailed
			cmd.failReason = "blocked"
			blockedAt := next
			cmd.blockedAt = &blockedAt
			cmd.blocker = occupant
			appendChunkEvent(c, tick, "blocked", map[string]any{
				"agent_id": agent.id, "cell": map[string]any{"x": next.X, "y": next.Y}, "blocker": occupant,
			}, tickEvents)
			e.finishCommand(cmd, tick, c.id, tickEvents)
			continue
		}

		delete(c.occupancy, cur)
		c.occupancy[next] = agent.id
		agent.x, agent.y = next.X, next.Y
		appendChunkEvent(c, tick, "agent_moved", map[string]any{
			"agent_id": agent.id,
			"from":     map[string]any{"x": cur.X, "y": cur.Y},
			"to":       map[string]any{"x": next.X, "y": next.Y},
		}, tickEvents)
		cmd.pathIndex++
		if cmd.pathIndex >= len(cmd.path) {
			cmd.status = statusCompleted
			e.finishCommand(cmd, tick, c.id, tickEvents)
			continue
		}
		stillExecuting = append(stillExecuting, cmd)
	}
	e.executing = stillExecuting

	// 5. Transition events, in order, only to the transitioning agent, and
	// into both the source and destination chunk logs.
	for _, t := range transitions {
		agent := e.agents[t.agentID]
		if agent == nil || agent.queue == nil {
			continue
		}
		transitionPayload := map[string]any{
			"agent_id": t.agentID, "from_chunk_id": t.fromChunkID, "to_chunk_id": t.toChunkID,
			"from": map[string]any{"x": t.from.X, "y": t.from.Y},
			"to":   map[string]any{"x": t.to.X, "y": t.to.Y},
		}
		agent.queue.Send(eventlog.Envelope{Type: "chunk_transition", Payload: map[string]any{
			"agent_id": t.agentID, "from_chunk_id": t.fromChunkID, "to_chunk_id": t.toChunkID,
			"from": map[string]any{"x": t.from.X, "y": t.from.Y},
			"to":   map[string]any{"x": t.to.X, "y": t.to.Y},
			"tick": tick,
		}})
		if from, ok := e.chunks[t.fromChunkID]; ok {
			appendChunkEvent(from, tick, "chunk_transition", transitionPayload, tickEvents)
		}
		if dest, ok := e.chunks[t.toChunkID]; ok {
			appendChunkEvent(dest, tick, "chunk_transition", transitionPayload, tickEvents)
			agent.queue.Send(eventlog.Envelope{Type: "chunk_static", Payload: chunkStaticPayload(dest)})
			agent.queue.Send(eventlog.Envelope{Type: "chunk_delta", Payload: chunkDeltaPayload(dest, tick, tickEvents[dest.id])})
		}
	}

	// 6. One chunk_delta per affected chunk, in sorted id order, carrying
	// every event accumulated into that chunk's log this tick.
	ids := make([]string, 0, len(affectedChunks))
	for id := range affectedChunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c, ok := e.chunks[id]
		if !ok {
			continue
		}
		delta := chunkDeltaPayload(c, tick, tickEvents[id])
		for agentID := range c.agents {
			if agent, ok := e.agents[agentID]; ok && agent.queue != nil {
				agent.queue.Send(eventlog.Envelope{Type: "chunk_delta", Payload: delta})
			}
		}
	}

	// 7. Chunk GC.
	e.collectChunks()
}

// appendChunkEvent records name/payload into c's ring buffer and mirrors it
// into tickEvents[c.id] for this tick's chunk_delta.
func appendChunkEvent(c *chunk, tick uint64, name string, payload map[string]any, tickEvents map[string][]map[string]any) {
	record := c.log.Append(tick, name, payload)
	tickEvents[c.id] = append(tickEvents[c.id], eventRecordMap(record))
}

func eventRecordMap(r eventlog.EventRecord) map[string]any {
	return map[string]any{
		"event_id": r.ID,
		"tick":     r.Tick,
		"seq":      r.Seq,
		"name":     r.Name,
		"payload":  r.Payload,
	}
}

// finishCommand releases the agent's active-command slot, sends its private
// command_result, and — when chunkID names a live chunk — records a
// command_finished event into that chunk's log for spectator replay.
func (e *Engine) finishCommand(cmd *moveCommand, tick uint64, chunkID string, tickEvents map[string][]map[string]any) {
	agent := e.agents[cmd.agentID]
	if agent != nil && agent.active == cmd {
		agent.active = nil
	}
	if agent != nil && agent.queue != nil {
		payload := map[string]any{
			"server_cmd_id": cmd.serverCmdID,
			"status":        string(cmd.status),
			"ended_tick":    tick,
		}
		if cmd.failReason != "" {
			payload["reason"] = cmd.failReason
		}
		if cmd.blockedAt != nil {
			payload["blocked_at"] = map[string]any{"x": cmd.blockedAt.X, "y": cmd.blockedAt.Y}
			payload["blocker"] = cmd.blocker
		}
		agent.queue.Send(eventlog.Envelope{Type: "command_result", Payload: payload})
	}

	if chunkID == "" {
		return
	}
	c, ok := e.chunks[chunkID]
	if !ok {
		return
	}
	appendChunkEvent(c, tick, "command_finished", map[string]any{
		"agent_id":      cmd.agentID,
		"server_cmd_id": cmd.serverCmdID,
		"status":        string(cmd.status),
	}, tickEvents)
}

// crossingDirection reports the cardinal direction an agent exits through
// when its next path step lands on an edge cell in the outward direction
// of travel.
func crossingDirection(cur, next Cell, width, height int) (Direction, bool) {
	dx, dy := next.X-cur.X, next.Y-cur.Y
	switch {
	case dx == -1 && next.X == 0:
		return West, true
	case dx == 1 && next.X == width-1:
		return East, true
	case dy == -1 && next.Y == 0:
		return South, true
	case dy == 1 && next.Y == height-1:
		return North, true
	}
	return "", false
}

// transitionAgent implements §4.5.4: lazily materialise the neighbour
// chunk, lock both chunks for the duration of the attempt, validate both
// boundary cells are free, and move the agent across.
func (e *Engine) transitionAgent(a *chunk, d Direction, boundaryCell Cell, agent *agentState) (ok bool, destChunkID string, dest Cell, failReason string, blocker string) {
	b := e.ensureNeighbour(a, d)

	a.transitionLockCount++
	b.transitionLockCount++
	defer func() {
		a.transitionLockCount--
		b.transitionLockCount--
	}()

	if occupant, occupied := a.occupancy[boundaryCell]; occupied && occupant != agent.id {
		return false, "", Cell{}, "blocked", occupant
	}

	dest = destinationCell(d, boundaryCell, b.width, b.height)
	if occupant, occupied := b.occupancy[dest]; occupied && occupant != agent.id {
		return false, "", Cell{}, "blocked", occupant
	}

	delete(a.occupancy, Cell{X: agent.x, Y: agent.y})
	delete(a.agents, agent.id)
	if len(a.agents) == 0 && a.id != rootChunkID {
		now := e.now()
		a.lastPlayerLeftAt = &now
	}

	b.occupancy[dest] = agent.id
	b.agents[agent.id] = true
	agent.chunkID = b.id
	agent.x, agent.y = dest.X, dest.Y

	return true, b.id, dest, "", ""
}

func destinationCell(d Direction, b Cell, width, height int) Cell {
	switch d {
	case West:
		return Cell{X: width - 1, Y: b.Y}
	case East:
		return Cell{X: 0, Y: b.Y}
	case North:
		return Cell{X: b.X, Y: 0}
	case South:
		return Cell{X: b.X, Y: height - 1}
	}
	return b
}

// ensureNeighbour lazily materialises the neighbour chunk across direction
// d from a, wiring bidirectional links, if it doesn't already exist.
func (e *Engine) ensureNeighbour(a *chunk, d Direction) *chunk {
	if id, ok := a.neighbours[d]; ok && id != "" {
		if existing, ok := e.chunks[id]; ok {
			return existing
		}
	}

	seed := deriveChunkSeed(a.seed, a.serial, d)
	child := e.materializeChunk(seed, false, []string{string(opposite(d))})
	child.neighbours[opposite(d)] = a.id
	a.neighbours[d] = child.id
	e.chunks[child.id] = child
	return child
}

// collectChunks implements §4.5.5: GC leaf/isolated, unpinned, empty,
// unlocked chunks whose grace period has elapsed.
func (e *Engine) collectChunks() {
	now := e.now()
	for id, c := range e.chunks {
		if id == rootChunkID || c.pinned {
			continue
		}
		if len(c.agents) != 0 || c.transitionLockCount != 0 {
			continue
		}
		if c.lastPlayerLeftAt == nil || now.Sub(*c.lastPlayerLeftAt) < e.cfg.ChunkGCTTL {
			continue
		}
		if liveNeighbourDegree(c, e.chunks) > 1 {
			continue
		}
		for dir, neighbourID := range c.neighbours {
			if neighbourID == "" {
				continue
			}
			if neighbour, ok := e.chunks[neighbourID]; ok {
				neighbour.neighbours[opposite(dir)] = ""
			}
		}
		delete(e.chunks, id)
	}
}

func liveNeighbourDegree(c *chunk, chunks map[string]*chunk) int {
	degree := 0
	for _, id := range c.neighbours {
		if id == "" {
			continue
		}
		if _, ok := chunks[id]; ok {
			degree++
		}
	}
	return degree
}
