package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the service listens on.
	DefaultAddr = ":8080"

	// DefaultEnvironment names the deployment environment when unset.
	DefaultEnvironment = "dev"

	// DefaultSessionTTLSeconds controls how long an issued session remains valid.
	DefaultSessionTTLSeconds = 900
	// DefaultChallengeExpiresSeconds bounds how long a client has to answer a challenge.
	DefaultChallengeExpiresSeconds = 5
	// DefaultChallengeTTLSeconds controls how long stale challenge records are retained before purge.
	DefaultChallengeTTLSeconds = 10
	// DefaultChallengeDifficulty is the default proof-of-work difficulty.
	DefaultChallengeDifficulty = 2

	// DefaultTickHz is the tick engine's default update rate.
	DefaultTickHz = 5
	// DefaultChunkWidth/DefaultChunkHeight size every generated chunk.
	DefaultChunkWidth  = 50
	DefaultChunkHeight = 50
	// DefaultChunkGCTTLSeconds controls how long an empty leaf chunk survives before collection.
	DefaultChunkGCTTLSeconds = 60

	// DefaultSSEKeepaliveSeconds is the minimum heartbeat cadence for idle SSE streams.
	DefaultSSEKeepaliveSeconds = 15
	// DefaultSSEReplayMaxEvents bounds the per-chunk spectator ring buffer.
	DefaultSSEReplayMaxEvents = 512

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "dungeonclawd.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures all runtime tunables for the service.
type Config struct {
	Address        string
	Environment    string
	AllowedOrigins []string

	SessionTTLSeconds       int
	ChallengeExpiresSeconds int
	ChallengeTTLSeconds     int
	ChallengeDifficulty     int

	TickHz            int
	ChunkWidth        int
	ChunkHeight       int
	ChunkGCTTLSeconds int

	EnableDevSpectatorSession bool
	SSEKeepaliveSeconds       int
	SSEReplayMaxEvents        int

	Logging LoggingConfig
}

// Load reads the service configuration from environment variables, applying sane
// defaults and aggregating descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:        getString("DC_ADDR", DefaultAddr),
		Environment:    getString("DC_ENVIRONMENT", DefaultEnvironment),
		AllowedOrigins: parseList(os.Getenv("DC_CORS_ALLOW_ORIGINS")),

		SessionTTLSeconds:       DefaultSessionTTLSeconds,
		ChallengeExpiresSeconds: DefaultChallengeExpiresSeconds,
		ChallengeTTLSeconds:     DefaultChallengeTTLSeconds,
		ChallengeDifficulty:     DefaultChallengeDifficulty,

		TickHz:            DefaultTickHz,
		ChunkWidth:        DefaultChunkWidth,
		ChunkHeight:       DefaultChunkHeight,
		ChunkGCTTLSeconds: DefaultChunkGCTTLSeconds,

		EnableDevSpectatorSession: false,
		SSEKeepaliveSeconds:       DefaultSSEKeepaliveSeconds,
		SSEReplayMaxEvents:        DefaultSSEReplayMaxEvents,

		Logging: LoggingConfig{
			Level:      getString("DC_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("DC_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	setPositiveInt(&problems, "DC_SESSION_TTL_SECONDS", &cfg.SessionTTLSeconds)
	setPositiveInt(&problems, "DC_CHALLENGE_EXPIRES_SECONDS", &cfg.ChallengeExpiresSeconds)
	setPositiveInt(&problems, "DC_CHALLENGE_TTL_SECONDS", &cfg.ChallengeTTLSeconds)
	setNonNegativeInt(&problems, "DC_CHALLENGE_DEFAULT_DIFFICULTY", &cfg.ChallengeDifficulty)
	setPositiveInt(&problems, "DC_TICK_HZ", &cfg.TickHz)
	setPositiveInt(&problems, "DC_CHUNK_WIDTH", &cfg.ChunkWidth)
	setPositiveInt(&problems, "DC_CHUNK_HEIGHT", &cfg.ChunkHeight)
	setPositiveInt(&problems, "DC_CHUNK_GC_TTL_SECONDS", &cfg.ChunkGCTTLSeconds)
	setPositiveInt(&problems, "DC_SSE_REPLAY_MAX_EVENTS", &cfg.SSEReplayMaxEvents)

	if raw := strings.TrimSpace(os.Getenv("DC_SSE_KEEPALIVE_SECONDS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 5 {
			problems = append(problems, fmt.Sprintf("DC_SSE_KEEPALIVE_SECONDS must be an integer >= 5, got %q", raw))
		} else {
			cfg.SSEKeepaliveSeconds = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DC_ENABLE_DEV_SPECTATOR_SESSION")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("DC_ENABLE_DEV_SPECTATOR_SESSION must be a boolean value, got %q", raw))
		} else {
			cfg.EnableDevSpectatorSession = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DC_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("DC_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DC_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("DC_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DC_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("DC_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DC_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("DC_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.ChunkWidth < 4 || cfg.ChunkHeight < 4 {
		problems = append(problems, "DC_CHUNK_WIDTH and DC_CHUNK_HEIGHT must each be at least 4")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

// TickInterval derives the fixed simulation step from TickHz.
func (c *Config) TickInterval() time.Duration {
	if c == nil || c.TickHz <= 0 {
		return time.Second / time.Duration(DefaultTickHz)
	}
	return time.Second / time.Duration(c.TickHz)
}

func setPositiveInt(problems *[]string, key string, dest *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dest = value
}

func setNonNegativeInt(problems *[]string, key string, dest *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return
	}
	*dest = value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
