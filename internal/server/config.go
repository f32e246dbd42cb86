// Package server provides configuration helpers that define runtime defaults,
// validation, and the chat profile of the gateway.
package server

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the gateway settings. Zero values are replaced with defaults
// by sanitize, so a partially filled Config is always usable.
type Config struct {
	Addr           string   `envconfig:"SERVER_ADDR" default:":8080"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	MaxMessageSize int64    `envconfig:"MAX_MESSAGE_SIZE" default:"32768"`

	RateLimitBurst          int           `envconfig:"RATE_LIMIT_BURST" default:"5"`
	RateLimitRefillInterval time.Duration `envconfig:"RATE_LIMIT_REFILL_INTERVAL" default:"1s"`

	HeartbeatInterval time.Duration      `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	WriteTimeout      time.Duration      `envconfig:"WRITE_TIMEOUT" default:"10s"`
	PersistTimeout    time.Duration      `envconfig:"PERSIST_TIMEOUT" default:"5s"`
	ShutdownTimeout   time.Duration      `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	SendBufferSize    int                `envconfig:"SEND_BUFFER_SIZE" default:"256"`
	Backpressure      BackpressurePolicy `envconfig:"BACKPRESSURE_POLICY" default:"close"`

	// RoomMode scopes broadcasts to joined rooms. Without it every
	// connection shares one implicit global room.
	RoomMode         bool     `envconfig:"ROOM_MODE" default:"true"`
	HistoryOnConnect bool     `envconfig:"HISTORY_ON_CONNECT" default:"true"`
	HistoryLimit     int      `envconfig:"HISTORY_LIMIT" default:"50"`
	ExcludeSelf      bool     `envconfig:"EXCLUDE_SELF" default:"false"`
	AnnouncePresence bool     `envconfig:"ANNOUNCE_PRESENCE" default:"true"`
	AutoCreateRooms  bool     `envconfig:"AUTO_CREATE_ROOMS" default:"true"`
	DefaultRooms     []string `envconfig:"DEFAULT_ROOMS" default:"general"`

	// RequireSenderName rejects messages without a display name instead of
	// giving anonymous senders a placeholder name.
	RequireSenderName bool `envconfig:"REQUIRE_SENDER_NAME" default:"false"`
	// BroadcastUnpersisted is the degraded broadcast-then-log profile:
	// messages go out before the save and a failed save is only logged.
	BroadcastUnpersisted bool `envconfig:"BROADCAST_UNPERSISTED" default:"false"`

	JWTSecret      string `envconfig:"JWT_SECRET"`
	JWTIssuer      string `envconfig:"JWT_ISSUER" default:"roomchat"`
	AllowAnonymous bool   `envconfig:"ALLOW_ANONYMOUS" default:"true"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

const maxHistoryLimit = 500

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Addr:                    ":8080",
		AllowedOrigins:          []string{"http://localhost:8080"},
		MaxMessageSize:          32768,
		RateLimitBurst:          5,
		RateLimitRefillInterval: time.Second,
		HeartbeatInterval:       30 * time.Second,
		WriteTimeout:            10 * time.Second,
		PersistTimeout:          5 * time.Second,
		ShutdownTimeout:         10 * time.Second,
		SendBufferSize:          256,
		Backpressure:            PolicyClose,
		RoomMode:                true,
		HistoryOnConnect:        true,
		HistoryLimit:            50,
		AnnouncePresence:        true,
		AutoCreateRooms:         true,
		DefaultRooms:            []string{"general"},
		JWTIssuer:               "roomchat",
		AllowAnonymous:          true,
		LogLevel:                "info",
	}
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if _, err := ParseBackpressurePolicy(string(cfg.Backpressure)); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg.sanitize(), nil
}

// sanitize replaces unusable values with defaults.
func (cfg Config) sanitize() Config {
	def := DefaultConfig()

	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}
	if cfg.RateLimitRefillInterval <= 0 {
		cfg.RateLimitRefillInterval = def.RateLimitRefillInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if p, err := ParseBackpressurePolicy(string(cfg.Backpressure)); err == nil {
		cfg.Backpressure = p
	} else {
		cfg.Backpressure = def.Backpressure
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.HistoryLimit > maxHistoryLimit {
		cfg.HistoryLimit = maxHistoryLimit
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	cfg.DefaultRooms = append([]string(nil), cfg.DefaultRooms...)
	return cfg
}
