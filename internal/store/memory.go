package store

import (
	"context"
	"sync"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Memory keeps messages in process memory, per room, oldest first.
type Memory struct {
	mu         sync.RWMutex
	rooms      map[string][]chat.Message
	maxPerRoom int
	closed     bool
}

// NewMemory keeps at most maxPerRoom messages per room; <= 0 means no bound.
func NewMemory(maxPerRoom int) *Memory {
	return &Memory{rooms: make(map[string][]chat.Message), maxPerRoom: maxPerRoom}
}

func (m *Memory) Save(ctx context.Context, draft chat.Draft) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, chat.NewStorageError("save", err)
	}
	msg := draft.Persisted(newID(), now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return chat.Message{}, chat.NewStorageError("save", ErrClosed)
	}
	msgs := append(m.rooms[draft.RoomID], msg)
	if m.maxPerRoom > 0 && len(msgs) > m.maxPerRoom {
		msgs = append([]chat.Message(nil), msgs[len(msgs)-m.maxPerRoom:]...)
	}
	m.rooms[draft.RoomID] = msgs
	return msg, nil
}

func (m *Memory) LoadRecent(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, chat.NewStorageError("load", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, chat.NewStorageError("load", ErrClosed)
	}
	msgs := m.rooms[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
