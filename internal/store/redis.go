package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	MaxPerRoom int
}

// Redis appends each room's messages to its own stream, trimmed to roughly
// MaxPerRoom entries.
type Redis struct {
	client     *redis.Client
	maxPerRoom int64
	closeOnce  sync.Once
	closeErr   error
}

// OpenRedis connects and pings the server before returning.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", opts.Addr)
	}
	return NewRedis(client, opts.MaxPerRoom), nil
}

// NewRedis wraps an existing client. The store owns the client from then on.
func NewRedis(client *redis.Client, maxPerRoom int) *Redis {
	return &Redis{client: client, maxPerRoom: int64(maxPerRoom)}
}

func streamKey(roomID string) string {
	if roomID == "" {
		return "chat:global"
	}
	return "chat:room:" + roomID
}

func (r *Redis) Save(ctx context.Context, draft chat.Draft) (chat.Message, error) {
	msg := draft.Persisted(newID(), now())
	args := &redis.XAddArgs{
		Stream: streamKey(msg.RoomID),
		Values: map[string]any{
			"id":           msg.ID,
			"room_id":      msg.RoomID,
			"sender_id":    msg.SenderID,
			"display_name": msg.DisplayName,
			"text":         msg.Text,
			"created_at":   strconv.FormatInt(msg.CreatedAt.UnixNano(), 10),
		},
	}
	if r.maxPerRoom > 0 {
		args.MaxLen = r.maxPerRoom
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return chat.Message{}, chat.NewStorageError("save", errors.Wrap(err, "xadd"))
	}
	return msg, nil
}

func (r *Redis) LoadRecent(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	key := streamKey(roomID)
	var (
		entries []redis.XMessage
		err     error
	)
	if limit > 0 {
		entries, err = r.client.XRevRangeN(ctx, key, "+", "-", int64(limit)).Result()
	} else {
		entries, err = r.client.XRevRange(ctx, key, "+", "-").Result()
	}
	if err != nil {
		return nil, chat.NewStorageError("load", errors.Wrap(err, "xrevrange"))
	}

	out := make([]chat.Message, 0, len(entries))
	for _, entry := range entries {
		out = append(out, decodeStreamEntry(entry.Values))
	}
	reverse(out)
	return out, nil
}

func decodeStreamEntry(values map[string]any) chat.Message {
	field := func(name string) string {
		s, _ := values[name].(string)
		return s
	}
	created, _ := strconv.ParseInt(field("created_at"), 10, 64)
	return chat.Message{
		ID:          field("id"),
		RoomID:      field("room_id"),
		SenderID:    field("sender_id"),
		DisplayName: field("display_name"),
		Text:        field("text"),
		CreatedAt:   time.Unix(0, created).UTC(),
	}
}

func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}
