// Package store persists chat messages. Every backend satisfies Store and
// reports failures as *chat.StorageError.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Store saves and loads chat messages. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save assigns an id and creation time, stores the message durably and
	// returns the stored form.
	Save(ctx context.Context, draft chat.Draft) (chat.Message, error)
	// LoadRecent returns at most limit of the newest messages of a room,
	// oldest first.
	LoadRecent(ctx context.Context, roomID string, limit int) ([]chat.Message, error)
	// Close releases resources. Calling it more than once is harmless.
	Close() error
}

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("store closed")

// Drivers understood by Open.
const (
	DriverMemory = "memory"
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Driver        string `envconfig:"STORE_DRIVER" default:"memory"`
	Path          string `envconfig:"STORE_PATH" default:"data/chat"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	// MaxPerRoom bounds how many messages the memory and redis backends keep.
	MaxPerRoom int `envconfig:"STORE_MAX_PER_ROOM" default:"10000"`
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemory(cfg.MaxPerRoom), nil
	case DriverBadger:
		return OpenBadger(cfg.Path)
	case DriverSQLite:
		return OpenSQLite(cfg.Path)
	case DriverRedis:
		return OpenRedis(ctx, RedisOptions{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			MaxPerRoom: cfg.MaxPerRoom,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newID() string { return uuid.NewString() }

func now() time.Time { return time.Now().UTC() }

// reverse flips newest-first scans into chronological order.
func reverse(messages []chat.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
