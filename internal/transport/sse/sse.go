// Package sse implements the spectator-facing Server-Sent-Events transport:
// bootstrap (session_ready, then resync or replay or static+delta), ordered
// event forwarding, and an idle keepalive heartbeat, grounded on the
// original implementation's spectate_stream handler and carried into the
// teacher's structured-logging idiom.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dungeonclaw/server/internal/auth"
	"dungeonclaw/server/internal/engine"
	"dungeonclaw/server/internal/eventlog"
	"dungeonclaw/server/internal/logging"
)

// SocketCounter tracks live spectator streams for the ambient /metrics
// surface.
type SocketCounter interface {
	IncSpectatorSockets()
	DecSpectatorSockets()
}

// Options configures the Handler.
type Options struct {
	Logger           *logging.Logger
	Auth             *auth.Store
	Engine           *engine.Engine
	Counters         SocketCounter
	DevMode          bool
	DevToken         string
	KeepaliveSeconds int
}

// Handler serves the spectator SSE stream.
type Handler struct {
	logger           *logging.Logger
	auth             *auth.Store
	engine           *engine.Engine
	counters         SocketCounter
	devMode          bool
	devToken         string
	keepaliveSeconds int

	channelSerial uint64
}

// New constructs a Handler from Options.
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	devToken := opts.DevToken
	if devToken == "" {
		devToken = "test-spectator-token"
	}
	keepalive := opts.KeepaliveSeconds
	if keepalive < 5 {
		keepalive = 5
	}
	return &Handler{
		logger:           logger,
		auth:             opts.Auth,
		engine:           opts.Engine,
		counters:         opts.Counters,
		devMode:          opts.DevMode,
		devToken:         devToken,
		keepaliveSeconds: keepalive,
	}
}

func (h *Handler) bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (h *Handler) isDevToken(token string) bool {
	return h.devMode && token == h.devToken
}

func (h *Handler) resolveChunkID(chunkID string) string {
	if strings.TrimSpace(chunkID) == "demo" {
		return h.engine.RootChunkID()
	}
	return chunkID
}

// ServeStream handles GET /v1/spectate/stream?chunk_id=….
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	chunkID := strings.TrimSpace(r.URL.Query().Get("chunk_id"))
	if chunkID == "" {
		http.Error(w, "chunk_id required", http.StatusBadRequest)
		return
	}
	resolved := h.resolveChunkID(chunkID)

	token := h.bearerToken(r)
	if !h.isDevToken(token) {
		if _, err := h.auth.ValidateSession(token, auth.RoleSpectator, ""); err != nil {
			http.Error(w, "invalid_session", http.StatusUnauthorized)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	bootstrap, err := h.engine.OpenSpectatorFeed(resolved, r.Header.Get("Last-Event-ID"))
	if err != nil {
		status := http.StatusBadRequest
		if reasoner, ok := err.(interface{ Error() string }); ok && reasoner.Error() == "chunk_not_found" {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer bootstrap.Feed.Close()

	if h.counters != nil {
		h.counters.IncSpectatorSockets()
		defer h.counters.DecSpectatorSockets()
	}

	h.channelSerial++
	channelID := fmt.Sprintf("sse-%d", h.channelSerial)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeFrame(w, "session_ready", "", map[string]any{
		"type": "session_ready", "role": "spectator", "chunk_id": resolved, "channel_id": channelID,
	})
	flusher.Flush()

	switch {
	case bootstrap.ResyncRequired:
		writeFrame(w, "resync_required", "", map[string]any{
			"type": "resync_required", "chunk_id": resolved, "snapshot_url": "/v1/chunks/" + resolved + "/snapshot",
		})
		writeFrame(w, "chunk_static", "", withType("chunk_static", bootstrap.ChunkStatic))
		writeFrame(w, "chunk_delta", "", withType("chunk_delta", bootstrap.ChunkDelta))
	case len(bootstrap.Replay) > 0:
		for _, event := range bootstrap.Replay {
			writeFrame(w, event.Name, event.ID, payloadOf(event))
		}
	default:
		writeFrame(w, "chunk_static", "", withType("chunk_static", bootstrap.ChunkStatic))
		writeFrame(w, "chunk_delta", "", withType("chunk_delta", bootstrap.ChunkDelta))
	}
	flusher.Flush()

	keepalive := time.Duration(h.keepaliveSeconds) * time.Second
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-bootstrap.Feed.Events():
			if !ok {
				return
			}
			writeFrame(w, event.Name, event.ID, payloadOf(event))
			flusher.Flush()
			if event.Name == "chunk_closed" {
				return
			}
		case <-ticker.C:
			writeFrame(w, "heartbeat", "", map[string]any{"type": "heartbeat", "chunk_id": resolved})
			flusher.Flush()
		}
	}
}

func withType(eventType string, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	out["type"] = eventType
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func payloadOf(event eventlog.EventRecord) map[string]any {
	if m, ok := event.Payload.(map[string]any); ok {
		return withType(event.Name, m)
	}
	return map[string]any{"type": event.Name, "value": event.Payload}
}

// writeFrame writes one `id:`/`event:`/`data:` SSE frame, matching the
// original implementation's _sse_frame byte layout exactly.
func writeFrame(w http.ResponseWriter, event, id string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	var b strings.Builder
	if id != "" {
		b.WriteString("id: ")
		b.WriteString(id)
		b.WriteByte('\n')
	}
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteByte('\n')
	b.WriteString("data: ")
	b.Write(payload)
	b.WriteString("\n\n")
	_, _ = w.Write([]byte(b.String()))
}
