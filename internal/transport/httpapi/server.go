// Package httpapi implements the player/spectator-facing REST surface
// (signup, key issuance, session exchange, dev bypass routes, chunk
// snapshots) plus the ambient ops surface (/livez, /readyz, /metrics),
// grounded on the teacher's internal/http.HandlerSet.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"dungeonclaw/server/internal/auth"
	"dungeonclaw/server/internal/engine"
	"dungeonclaw/server/internal/logging"
	"dungeonclaw/server/internal/networking"
)

// Readiness reports whether the background tick loop has started.
type Readiness interface {
	Ready() bool
}

// Options configures the Server.
type Options struct {
	Logger      *logging.Logger
	Auth        *auth.Store
	Engine      *engine.Engine
	Readiness   Readiness
	DevMode     bool
	DevToken    string
	StartedAt   time.Time
	RateLimiter RateLimiter
	Bandwidth   *networking.BandwidthRegulator
}

// RateLimiter gates how frequently sensitive operations may be invoked by
// a given key (the requesting agent_id).
type RateLimiter interface {
	Allow(key string) bool
}

// Server bundles the gameplay-facing and ambient HTTP handlers.
type Server struct {
	logger    *logging.Logger
	auth      *auth.Store
	engine    *engine.Engine
	readiness Readiness
	devMode   bool
	devToken  string
	startedAt time.Time
	limiter   RateLimiter
	bandwidth *networking.BandwidthRegulator

	moveCmdSerial uint64

	agentSockets     int64
	spectatorSockets int64
	challengesIssued int64
	challengesFailed int64
}

// IncAgentSockets/DecAgentSockets track live WebSocket agent connections for
// the /metrics exposition.
func (s *Server) IncAgentSockets() { atomic.AddInt64(&s.agentSockets, 1) }
func (s *Server) DecAgentSockets() { atomic.AddInt64(&s.agentSockets, -1) }

// IncSpectatorSockets/DecSpectatorSockets track live SSE spectator streams.
func (s *Server) IncSpectatorSockets() { atomic.AddInt64(&s.spectatorSockets, 1) }
func (s *Server) DecSpectatorSockets() { atomic.AddInt64(&s.spectatorSockets, -1) }

// RecordChallengeIssued/RecordChallengeFailed feed the challenge
// issue/verify counters exposed by /metrics.
func (s *Server) RecordChallengeIssued() { atomic.AddInt64(&s.challengesIssued, 1) }
func (s *Server) RecordChallengeFailed() { atomic.AddInt64(&s.challengesFailed, 1) }

// New constructs a Server from Options.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	devToken := opts.DevToken
	if devToken == "" {
		devToken = "test-spectator-token"
	}
	return &Server{
		logger:    logger,
		auth:      opts.Auth,
		engine:    opts.Engine,
		readiness: opts.Readiness,
		devMode:   opts.DevMode,
		devToken:  devToken,
		startedAt: opts.StartedAt,
		limiter:   opts.RateLimiter,
		bandwidth: opts.Bandwidth,
	}
}

// Register attaches every gameplay and ambient route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/signup", s.handleSignup)
	mux.HandleFunc("/v1/keys", s.handleCreateKey)
	mux.HandleFunc("/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("/v1/dev/spectator-session", s.handleDevSpectatorSession)

	for _, prefix := range []string{"/v1", "/api/v1"} {
		mux.HandleFunc(prefix+"/dev/agent/move-to", s.handleDevMoveTo)
		mux.HandleFunc(prefix+"/chunks/", s.handleChunkSnapshot)
	}

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/livez", s.handleLivez)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/metrics", s.handleMetrics)
}

func (s *Server) resolveChunkID(chunkID string) string {
	if strings.TrimSpace(chunkID) == "demo" {
		return s.engine.RootChunkID()
	}
	return chunkID
}

func (s *Server) bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (s *Server) isDevToken(token string) bool {
	return s.devMode && token == s.devToken
}

// --- account/session routes ---

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cmd")
		return
	}
	account, err := s.auth.CreateAccount(req.Email, req.Password)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": account.ID,
		"email":      account.Email,
	})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	var req struct {
		AccountID string `json:"account_id"`
		Label     string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cmd")
		return
	}
	rawKey, keyID, prefix, err := s.auth.CreateAPIKey(req.AccountID, req.Label)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":     keyID,
		"key_prefix": prefix,
		"api_key":    rawKey,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	var req struct {
		APIKey  string `json:"api_key"`
		Role    string `json:"role"`
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cmd")
		return
	}
	session, err := s.auth.CreateSession(req.APIKey, auth.Role(req.Role), req.AgentID)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	s.writeSession(w, session)
}

func (s *Server) handleDevSpectatorSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	if !s.devMode {
		writeError(w, http.StatusForbidden, "dev_spectator_session_disabled")
		return
	}
	session, err := s.auth.CreateDevSpectatorSession()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.writeSession(w, session)
}

func (s *Server) writeSession(w http.ResponseWriter, session *auth.Session) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session_token": session.Token,
		"session_jti":   session.JTI,
		"role":          string(session.Role),
		"cmd_secret":    encodeSecret(session.CmdSecret),
		"expires_at":    session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	switch err {
	case auth.ErrEmailAlreadyExists:
		writeError(w, http.StatusConflict, "email_already_exists")
	case auth.ErrAccountNotFound:
		writeError(w, http.StatusNotFound, "account_not_found")
	case auth.ErrInvalidAPIKey:
		writeError(w, http.StatusUnauthorized, "invalid_api_key")
	case auth.ErrInvalidScope:
		writeError(w, http.StatusBadRequest, "invalid_scope")
	case auth.ErrAgentIDRequired:
		writeError(w, http.StatusBadRequest, "agent_id_required")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

// --- dev bypass move-to route ---

func (s *Server) handleDevMoveTo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	if !s.devMode {
		writeError(w, http.StatusForbidden, "dev_debug_route_disabled")
		return
	}
	token := s.bearerToken(r)
	session, err := s.auth.ValidateSession(token, auth.RoleAgent, "")
	if err != nil && !s.isDevToken(token) {
		writeError(w, http.StatusUnauthorized, "invalid_session")
		return
	}

	var req struct {
		AgentID string `json:"agent_id"`
		X       int    `json:"x"`
		Y       int    `json:"y"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cmd")
		return
	}
	agentID := req.AgentID
	if session != nil && session.AgentID != "" {
		agentID = session.AgentID
	}
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id_required")
		return
	}

	if s.limiter != nil && !s.limiter.Allow(agentID) {
		writeError(w, http.StatusTooManyRequests, "busy")
		return
	}

	if err := s.engine.EnsureAgent(agentID); err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.moveCmdSerial++
	serverCmdID := devCmdID(s.moveCmdSerial)
	acceptedTick, err := s.engine.SubmitMoveCommand(agentID, serverCmdID, req.X, req.Y)
	if err != nil {
		s.writeEngineAccept(w, serverCmdID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server_cmd_id": serverCmdID,
		"accepted":      true,
		"started_tick":  acceptedTick,
	})
}

func (s *Server) writeEngineAccept(w http.ResponseWriter, serverCmdID string, err error) {
	writeJSON(w, http.StatusOK, map[string]any{
		"server_cmd_id": serverCmdID,
		"accepted":      false,
		"reason":        reasonOf(err),
	})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, reasonOf(err))
}

// --- chunk snapshot route ---

func (s *Server) handleChunkSnapshot(w http.ResponseWriter, r *http.Request) {
	const marker = "/chunks/"
	idx := strings.Index(r.URL.Path, marker)
	if idx == -1 || !strings.HasSuffix(r.URL.Path, "/snapshot") {
		writeError(w, http.StatusNotFound, "chunk_not_found")
		return
	}
	chunkID := r.URL.Path[idx+len(marker) : len(r.URL.Path)-len("/snapshot")]
	chunkID = s.resolveChunkID(chunkID)

	token := s.bearerToken(r)
	if !s.isDevToken(token) {
		if _, err := s.auth.GetSession(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_session")
			return
		}
	}

	snapshot, err := s.engine.ChunkSnapshotPayload(chunkID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunk_static": snapshot.ChunkStatic,
		"latest_delta": snapshot.LatestDelta,
	})
}

// --- ambient ops surface ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.readiness == nil || !s.readiness.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	uptime := time.Duration(0)
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt)
	}
	fmt.Fprintf(w, "# HELP dungeonclawd_uptime_seconds Process uptime in seconds.\n")
	fmt.Fprintf(w, "# TYPE dungeonclawd_uptime_seconds gauge\n")
	fmt.Fprintf(w, "dungeonclawd_uptime_seconds %.0f\n", uptime.Seconds())

	fmt.Fprintf(w, "# HELP dungeonclawd_agent_sockets Connected agent WebSocket sockets.\n")
	fmt.Fprintf(w, "# TYPE dungeonclawd_agent_sockets gauge\n")
	fmt.Fprintf(w, "dungeonclawd_agent_sockets %d\n", atomic.LoadInt64(&s.agentSockets))

	fmt.Fprintf(w, "# HELP dungeonclawd_spectator_sockets Connected SSE spectator streams.\n")
	fmt.Fprintf(w, "# TYPE dungeonclawd_spectator_sockets gauge\n")
	fmt.Fprintf(w, "dungeonclawd_spectator_sockets %d\n", atomic.LoadInt64(&s.spectatorSockets))

	fmt.Fprintf(w, "# HELP dungeonclawd_challenges_issued_total Command challenges issued.\n")
	fmt.Fprintf(w, "# TYPE dungeonclawd_challenges_issued_total counter\n")
	fmt.Fprintf(w, "dungeonclawd_challenges_issued_total %d\n", atomic.LoadInt64(&s.challengesIssued))

	fmt.Fprintf(w, "# HELP dungeonclawd_challenges_failed_total Command challenges that failed verification.\n")
	fmt.Fprintf(w, "# TYPE dungeonclawd_challenges_failed_total counter\n")
	fmt.Fprintf(w, "dungeonclawd_challenges_failed_total %d\n", atomic.LoadInt64(&s.challengesFailed))

	if s.engine != nil {
		metrics := s.engine.TickMetrics()
		fmt.Fprintf(w, "# HELP dungeonclawd_tick_duration_seconds_avg Average observed tick duration.\n")
		fmt.Fprintf(w, "# TYPE dungeonclawd_tick_duration_seconds_avg gauge\n")
		fmt.Fprintf(w, "dungeonclawd_tick_duration_seconds_avg %f\n", metrics.Average.Seconds())
		fmt.Fprintf(w, "# HELP dungeonclawd_tick_duration_seconds_max Worst observed tick duration.\n")
		fmt.Fprintf(w, "# TYPE dungeonclawd_tick_duration_seconds_max gauge\n")
		fmt.Fprintf(w, "dungeonclawd_tick_duration_seconds_max %f\n", metrics.Max.Seconds())
		fmt.Fprintf(w, "# HELP dungeonclawd_tick_samples_total Tick duration samples observed.\n")
		fmt.Fprintf(w, "# TYPE dungeonclawd_tick_samples_total counter\n")
		fmt.Fprintf(w, "dungeonclawd_tick_samples_total %d\n", metrics.Samples)
		fmt.Fprintf(w, "# HELP dungeonclawd_tick_overruns_total Ticks whose resolution exceeded the configured tick budget.\n")
		fmt.Fprintf(w, "# TYPE dungeonclawd_tick_overruns_total counter\n")
		fmt.Fprintf(w, "dungeonclawd_tick_overruns_total %d\n", metrics.Overruns)
		fmt.Fprintf(w, "# HELP dungeonclawd_loop_stalled_ticks_total Ticks resolved as catch-up work after the tick loop fell behind schedule.\n")
		fmt.Fprintf(w, "# TYPE dungeonclawd_loop_stalled_ticks_total counter\n")
		fmt.Fprintf(w, "dungeonclawd_loop_stalled_ticks_total %d\n", s.engine.StalledTicks())
	}

	if s.bandwidth != nil {
		usage := s.bandwidth.SnapshotUsage()
		var denied int64
		for _, u := range usage {
			denied += u.DeniedDeliveries
		}
		fmt.Fprintf(w, "# HELP dungeonclawd_bandwidth_throttled_clients Agent sockets currently tracked by the bandwidth regulator.\n")
		fmt.Fprintf(w, "# TYPE dungeonclawd_bandwidth_throttled_clients gauge\n")
		fmt.Fprintf(w, "dungeonclawd_bandwidth_throttled_clients %d\n", len(usage))
		fmt.Fprintf(w, "# HELP dungeonclawd_bandwidth_denied_deliveries_total Event deliveries dropped for exceeding a client's bandwidth budget.\n")
		fmt.Fprintf(w, "# TYPE dungeonclawd_bandwidth_denied_deliveries_total counter\n")
		fmt.Fprintf(w, "dungeonclawd_bandwidth_denied_deliveries_total %d\n", denied)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]any{"reason": reason})
}

func reasonOf(err error) string {
	type reasoner interface{ Error() string }
	if r, ok := err.(reasoner); ok {
		return r.Error()
	}
	return "internal_error"
}

func devCmdID(serial uint64) string {
	return "dev-cmd-" + time.Now().UTC().Format("20060102T150405.000000000") + "-" + itoa(serial)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func encodeSecret(secret []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(secret)*2)
	for i, b := range secret {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
