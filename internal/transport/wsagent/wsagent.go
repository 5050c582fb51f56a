// Package wsagent implements the agent-facing WebSocket transport: session
// validation, per-command HMAC challenge/response, and fan-out of the tick
// engine's listener queue onto the socket, grounded on the teacher's
// serveWS connection-handling idiom in main.go.
package wsagent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dungeonclaw/server/internal/auth"
	"dungeonclaw/server/internal/challenge"
	"dungeonclaw/server/internal/engine"
	"dungeonclaw/server/internal/eventlog"
	"dungeonclaw/server/internal/logging"
	"dungeonclaw/server/internal/networking"
)

const (
	writeWait          = 10 * time.Second
	pingInterval       = 20 * time.Second
	pongWaitMultiplier = 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// SocketCounter tracks live agent sockets for the ambient /metrics surface.
type SocketCounter interface {
	IncAgentSockets()
	DecAgentSockets()
	RecordChallengeIssued()
	RecordChallengeFailed()
}

// Options configures the Handler.
type Options struct {
	Logger    *logging.Logger
	Auth      *auth.Store
	Engine    *engine.Engine
	Challenge *challenge.Service
	Counters  SocketCounter
	Bandwidth *networking.BandwidthRegulator
	DevMode   bool
	DevToken  string
}

// Handler serves the agent WebSocket endpoint.
type Handler struct {
	logger    *logging.Logger
	auth      *auth.Store
	engine    *engine.Engine
	challenge *challenge.Service
	counters  SocketCounter
	bandwidth *networking.BandwidthRegulator
	devMode   bool
	devToken  string

	saySerial uint64
}

// nextSayCmdID mints a server_cmd_id for a say command, which bypasses the
// challenge/response protocol entirely and so never goes through
// challenge.Service's own ID allocation.
func (h *Handler) nextSayCmdID() string {
	n := atomic.AddUint64(&h.saySerial, 1)
	return fmt.Sprintf("say-%d", n)
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
	return &Handler{
		logger:    logger,
		auth:      opts.Auth,
		engine:    opts.Engine,
		challenge: opts.Challenge,
		counters:  opts.Counters,
		bandwidth: opts.Bandwidth,
		devMode:   opts.DevMode,
		devToken:  devToken,
	}
}

// envelope is the wire shape exchanged with agents: {type, payload}.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type commandReqPayload struct {
	ClientCmdID string         `json:"client_cmd_id"`
	Cmd         map[string]any `json:"cmd"`
}

type commandAnswerPayload struct {
	ServerCmdID string `json:"server_cmd_id"`
	Sig         string `json:"sig"`
	Proof       *struct {
		ProofNonce string `json:"proof_nonce"`
		PowHash    string `json:"pow_hash,omitempty"`
	} `json:"proof,omitempty"`
}

// pendingChallenge links an issued challenge record to the move_to target it
// guards, so a verified command_answer can be submitted to the engine.
type pendingChallenge struct {
	record  *challenge.Record
	targetX int
	targetY int
}

// conn bundles a live socket with the session and engine state it serves.
type conn struct {
	ws      *websocket.Conn
	logger  *logging.Logger
	session *auth.Session
	agentID string
	queue   *eventlog.Queue

	h *Handler

	pending map[string]*pendingChallenge
}

// ServeHTTP upgrades the request to a WebSocket and drives the agent's
// connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	if agentID == "" {
		http.Error(w, "agent_id_required", http.StatusBadRequest)
		return
	}

	token := bearerToken(r)
	session, err := h.auth.ValidateSession(token, auth.RoleAgent, agentID)
	isDev := h.devMode && token == h.devToken
	if err != nil && !isDev {
		http.Error(w, "invalid_session", http.StatusUnauthorized)
		return
	}
	if isDev && session == nil {
		session = &auth.Session{JTI: "dev-" + agentID, Role: auth.RoleAgent, AgentID: agentID, CmdSecret: devCmdSecret(agentID)}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	if err := h.engine.EnsureAgent(agentID); err != nil {
		_ = ws.WriteJSON(envelope{Type: "error", Payload: mustJSON(map[string]any{"reason": err.Error()})})
		_ = ws.Close()
		return
	}
	queue, err := h.engine.RegisterListener(agentID)
	if err != nil {
		_ = ws.WriteJSON(envelope{Type: "error", Payload: mustJSON(map[string]any{"reason": err.Error()})})
		_ = ws.Close()
		return
	}

	if h.counters != nil {
		h.counters.IncAgentSockets()
		defer h.counters.DecAgentSockets()
	}
	if h.bandwidth != nil {
		defer h.bandwidth.Forget(agentID)
	}

	c := &conn{
		ws:      ws,
		logger:  h.logger.With(logging.String("agent_id", agentID)),
		session: session,
		agentID: agentID,
		queue:   queue,
		h:       h,
		pending: make(map[string]*pendingChallenge),
	}
	c.serve()
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return r.URL.Query().Get("token")
}

func devCmdSecret(agentID string) []byte {
	return []byte("dev-cmd-secret-" + agentID)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

func (c *conn) serve() {
	defer func() { _ = c.ws.Close() }()

	waitDuration := pongWaitMultiplier * pingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(waitDuration))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(waitDuration))
	})

	c.send(envelope{Type: "session_ready", Payload: mustJSON(map[string]any{
		"agent_id":   c.agentID,
		"channel_id": "ws:" + c.agentID,
		"role":       string(c.session.Role),
	})})

	done := make(chan struct{})
	go c.writeLoop(done)
	c.readLoop()
	close(done)
}

func (c *conn) readLoop() {
	for {
		messageType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.logger.Warn("read deadline exceeded", logging.Error(err))
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read ended", logging.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.send(envelope{Type: "error", Payload: mustJSON(map[string]any{"reason": "invalid_cmd"})})
			continue
		}

		switch env.Type {
		case "ping":
			c.send(envelope{Type: "heartbeat"})
		case "command_req":
			c.handleCommandReq(env.Payload)
		case "command_answer":
			c.handleCommandAnswer(env.Payload)
		default:
			c.send(envelope{Type: "error", Payload: mustJSON(map[string]any{"reason": "unsupported_message_type"})})
		}
	}
}

func (c *conn) handleCommandReq(raw json.RawMessage) {
	var req commandReqPayload
	if err := json.Unmarshal(raw, &req); err != nil || req.Cmd == nil {
		c.send(envelope{Type: "error", Payload: mustJSON(map[string]any{"reason": "invalid_cmd"})})
		return
	}

	if cmdType, _ := req.Cmd["type"].(string); cmdType == "say" {
		c.handleSay(req)
		return
	}

	targetX, targetY, ok := moveTarget(req.Cmd)
	if !ok {
		c.send(envelope{Type: "error", Payload: mustJSON(map[string]any{"reason": "invalid_cmd"})})
		return
	}

	record, err := c.h.challenge.Issue(challenge.IssueInput{
		AgentID:     c.agentID,
		SessionJTI:  c.session.JTI,
		ChannelID:   "ws:" + c.agentID,
		ClientCmdID: req.ClientCmdID,
		Cmd:         req.Cmd,
	})
	if err != nil {
		c.send(envelope{Type: "error", Payload: mustJSON(map[string]any{"reason": "invalid_cmd"})})
		return
	}
	if c.h.counters != nil {
		c.h.counters.RecordChallengeIssued()
	}

	c.pending[record.ServerCmdID] = &pendingChallenge{record: record, targetX: targetX, targetY: targetY}

	c.send(envelope{Type: "command_challenge", Payload: mustJSON(map[string]any{
		"client_cmd_id": record.ClientCmdID,
		"server_cmd_id": record.ServerCmdID,
		"nonce":         record.Nonce,
		"expires_at":    record.ExpiresAt.UTC().Format(time.RFC3339),
		"difficulty":    record.Difficulty,
		"channel_id":    record.ChannelID,
		"sig_alg":       "HMAC-SHA256",
		"pow_alg":       "sha256-leading-hex-zeroes",
	})})
}

// handleSay acknowledges a say command immediately, bypassing the
// challenge/response protocol entirely, and emits a synthetic completed
// command_result at the engine's current tick.
func (c *conn) handleSay(req commandReqPayload) {
	text, _ := req.Cmd["text"].(string)
	serverCmdID := c.h.nextSayCmdID()

	c.send(envelope{Type: "command_ack", Payload: mustJSON(map[string]any{
		"server_cmd_id": serverCmdID,
		"accepted":      true,
		"echo":          text,
	})})
	c.send(envelope{Type: "command_result", Payload: mustJSON(map[string]any{
		"server_cmd_id": serverCmdID,
		"status":        "completed",
		"ended_tick":    c.h.engine.CurrentTick(),
	})})
}

func moveTarget(cmd map[string]any) (x, y int, ok bool) {
	xf, xok := cmd["x"].(float64)
	yf, yok := cmd["y"].(float64)
	if !xok || !yok {
		return 0, 0, false
	}
	return int(xf), int(yf), true
}

func (c *conn) handleCommandAnswer(raw json.RawMessage) {
	var ans commandAnswerPayload
	if err := json.Unmarshal(raw, &ans); err != nil {
		c.send(envelope{Type: "error", Payload: mustJSON(map[string]any{"reason": "invalid_cmd"})})
		return
	}

	pc, ok := c.pending[ans.ServerCmdID]
	if !ok {
		c.ack(ans.ServerCmdID, false, "expired_challenge", nil)
		return
	}
	delete(c.pending, ans.ServerCmdID)

	var proof *challenge.Proof
	if ans.Proof != nil {
		proof = &challenge.Proof{ProofNonce: ans.Proof.ProofNonce, PowHash: ans.Proof.PowHash}
	}

	reason, verified := c.h.challenge.Verify(challenge.VerifyInput{
		ServerCmdID: ans.ServerCmdID,
		AgentID:     c.agentID,
		SessionJTI:  c.session.JTI,
		ChannelID:   pc.record.ChannelID,
		CmdSecret:   c.session.CmdSecret,
		Sig:         ans.Sig,
		Proof:       proof,
	})
	if !verified {
		if c.h.counters != nil {
			c.h.counters.RecordChallengeFailed()
		}
		c.ack(ans.ServerCmdID, false, string(reason), nil)
		return
	}

	acceptedTick, err := c.h.engine.SubmitMoveCommand(c.agentID, ans.ServerCmdID, pc.targetX, pc.targetY)
	if err != nil {
		c.ack(ans.ServerCmdID, false, err.Error(), nil)
		return
	}
	c.ack(ans.ServerCmdID, true, "", &acceptedTick)
}

func (c *conn) ack(serverCmdID string, accepted bool, reason string, startedTick *uint64) {
	payload := map[string]any{
		"server_cmd_id": serverCmdID,
		"accepted":      accepted,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if startedTick != nil {
		payload["started_tick"] = *startedTick
	}
	c.send(envelope{Type: "command_ack", Payload: mustJSON(payload)})
}

func (c *conn) send(env envelope) {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteJSON(env)
}

func (c *conn) writeLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case env, ok := <-c.queue.C():
			if !ok {
				return
			}
			payload := mustJSON(env.Payload)
			if c.h.bandwidth != nil && !c.h.bandwidth.Allow(c.agentID, len(payload)) {
				continue
			}
			c.send(envelope{Type: env.Type, Payload: payload})
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ping failure", logging.Error(err))
				return
			}
		}
	}
}
