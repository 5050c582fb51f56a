// Command dungeonclawd boots the tick engine, the auth and challenge
// services, and every transport (gameplay/ops HTTP, agent WebSocket,
// spectator SSE) behind a single net/http.ServeMux, grounded on the
// teacher's main()/buildHandler bootstrap.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dungeonclaw/server/internal/auth"
	"dungeonclaw/server/internal/challenge"
	"dungeonclaw/server/internal/config"
	"dungeonclaw/server/internal/engine"
	"dungeonclaw/server/internal/logging"
	"dungeonclaw/server/internal/networking"
	"dungeonclaw/server/internal/transport/httpapi"
	"dungeonclaw/server/internal/transport/sse"
	"dungeonclaw/server/internal/transport/wsagent"
)

// defaultWorldSeed seeds the root chunk's procedural generation. The spec's
// environment surface has no override for it: every deployment of this
// service shares the same starting world.
const defaultWorldSeed int64 = 1

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logging.ReplaceGlobals(logger)

	logger.Info("starting dungeonclawd",
		logging.String("environment", cfg.Environment),
		logging.String("address", cfg.Address),
		logging.Int("tick_hz", cfg.TickHz),
	)

	authStore := auth.New(time.Duration(cfg.SessionTTLSeconds)*time.Second, nil)
	challengeService := challenge.New(
		time.Duration(cfg.ChallengeExpiresSeconds)*time.Second,
		time.Duration(cfg.ChallengeTTLSeconds)*time.Second,
		cfg.ChallengeDifficulty,
		nil,
	)

	eng := engine.New(engine.Config{
		Width:              cfg.ChunkWidth,
		Height:             cfg.ChunkHeight,
		Seed:               defaultWorldSeed,
		TickHz:             cfg.TickHz,
		ChunkGCTTL:         time.Duration(cfg.ChunkGCTTLSeconds) * time.Second,
		SSEReplayMaxEvents: cfg.SSEReplayMaxEvents,
		ListenerQueueSize:  256,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	defer cancel()
	defer eng.Stop()

	readiness := &readinessGate{}
	readiness.markReady()

	moveLimiter := httpapi.NewSlidingWindowLimiter(time.Second, 5, nil)
	bandwidth := networking.NewBandwidthRegulator(networking.DefaultBandwidthLimitBytesPerSecond, nil)

	gameplay := httpapi.New(httpapi.Options{
		Logger:      logger,
		Auth:        authStore,
		Engine:      eng,
		Readiness:   readiness,
		DevMode:     cfg.EnableDevSpectatorSession,
		StartedAt:   startedAt,
		RateLimiter: moveLimiter,
		Bandwidth:   bandwidth,
	})

	agentWS := wsagent.New(wsagent.Options{
		Logger:    logger,
		Auth:      authStore,
		Engine:    eng,
		Challenge: challengeService,
		Counters:  gameplay,
		Bandwidth: bandwidth,
		DevMode:   cfg.EnableDevSpectatorSession,
	})

	spectate := sse.New(sse.Options{
		Logger:           logger,
		Auth:             authStore,
		Engine:           eng,
		Counters:         gameplay,
		DevMode:          cfg.EnableDevSpectatorSession,
		KeepaliveSeconds: cfg.SSEKeepaliveSeconds,
	})

	mux := http.NewServeMux()
	gameplay.Register(mux)
	mux.HandleFunc("/v1/agent/ws", agentWS.ServeHTTP)
	for _, prefix := range []string{"/v1", "/api/v1"} {
		mux.HandleFunc(prefix+"/spectate/stream", spectate.ServeStream)
	}

	handler := logging.HTTPTraceMiddleware(logger)(mux)
	server := &http.Server{Addr: cfg.Address, Handler: handler}

	go func() {
		logger.Info("dungeonclawd listening", logging.String("address", cfg.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("dungeonclawd server terminated", logging.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("dungeonclawd shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", logging.Error(err))
	}
}

// readinessGate reports ready once the tick engine's background loop has
// been started, per the /readyz contract.
type readinessGate struct {
	ready bool
}

func (g *readinessGate) markReady() { g.ready = true }
func (g *readinessGate) Ready() bool { return g.ready }
