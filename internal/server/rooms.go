package server

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/roomchat/internal/chat"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomExists    = errors.New("room already exists")
	ErrRoomIDMissing = errors.New("room id is required")
)

// Rooms is an in-memory room directory. The gateway only reads it; the
// REST handlers create rooms and manage membership.
type Rooms struct {
	mu         sync.RWMutex
	rooms      map[string]*chat.Room
	autoCreate bool
	now        func() time.Time
}

// NewRooms seeds the directory with public rooms named by seed. With
// autoCreate, Resolve creates unknown rooms as public rooms.
func NewRooms(autoCreate bool, seed ...string) *Rooms {
	r := &Rooms{rooms: make(map[string]*chat.Room), autoCreate: autoCreate, now: time.Now}
	for _, id := range seed {
		if id = strings.TrimSpace(id); id != "" {
			_, _ = r.Create(chat.Room{ID: id})
		}
	}
	return r
}

// Create adds a room. The name defaults to the id.
func (r *Rooms) Create(room chat.Room) (chat.Room, error) {
	room.ID = strings.TrimSpace(room.ID)
	if room.ID == "" {
		return chat.Room{}, ErrRoomIDMissing
	}
	if strings.TrimSpace(room.Name) == "" {
		room.Name = room.ID
	}
	room.MemberIDs = lo.Uniq(room.MemberIDs)
	room.CreatedAt = r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rooms[room.ID]; exists {
		return chat.Room{}, ErrRoomExists
	}
	r.rooms[room.ID] = &room
	return cloneRoom(&room), nil
}

// Get returns the room with id.
func (r *Rooms) Get(id string) (chat.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return chat.Room{}, ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

// Resolve is Get, creating the room first when auto-creation is enabled.
func (r *Rooms) Resolve(id string) (chat.Room, error) {
	room, err := r.Get(id)
	if err == nil || !r.autoCreate || !errors.Is(err, ErrRoomNotFound) {
		return room, err
	}
	room, err = r.Create(chat.Room{ID: id})
	if errors.Is(err, ErrRoomExists) {
		return r.Get(id)
	}
	return room, err
}

// List returns all rooms sorted by id.
func (r *Rooms) List() []chat.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chat.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, cloneRoom(room))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddMember grants principalID access to the room.
func (r *Rooms) AddMember(roomID, principalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if !lo.Contains(room.MemberIDs, principalID) {
		room.MemberIDs = append(room.MemberIDs, principalID)
	}
	return nil
}

// RemoveMember revokes access. Live subscriptions are not affected.
func (r *Rooms) RemoveMember(roomID, principalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.MemberIDs = lo.Without(room.MemberIDs, principalID)
	return nil
}

func cloneRoom(room *chat.Room) chat.Room {
	out := *room
	out.MemberIDs = append([]string(nil), room.MemberIDs...)
	return out
}
