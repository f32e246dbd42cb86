package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/samber/lo"
)

var (
	// ErrDuplicateConnection means a connection id was registered twice.
	ErrDuplicateConnection = errors.New("connection already registered")
	// ErrUnknownConnection means the connection is not (or no longer) registered.
	ErrUnknownConnection = errors.New("connection not registered")
)

type registryEntry struct {
	client *Client
	rooms  map[string]struct{}
}

// Registry is the single source of truth for who is connected and which
// rooms each connection has joined. All methods are safe for concurrent use;
// one lock guards both indexes so a reader never sees a connection in a
// room it has already left.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*registryEntry
	rooms map[string]map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*registryEntry),
		rooms: make(map[string]map[string]*Client),
	}
}

// Register adds c. It fails only if the id is already present.
func (r *Registry) Register(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[c.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.conns[c.ID()] = &registryEntry{client: c, rooms: make(map[string]struct{})}
	return nil
}

// Unregister removes the connection and its room subscriptions and returns
// the rooms it had joined. Removing an absent id is a no-op.
func (r *Registry) Unregister(id string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	rooms := sortedKeys(entry.rooms)
	for _, roomID := range rooms {
		r.removeSubscriberLocked(roomID, id)
	}
	return rooms, true
}

// JoinRoom subscribes the connection to roomID. It reports false if the
// connection had already joined.
func (r *Registry) JoinRoom(id, roomID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[id]
	if !ok {
		return false, ErrUnknownConnection
	}
	if _, joined := entry.rooms[roomID]; joined {
		return false, nil
	}
	entry.rooms[roomID] = struct{}{}
	subs := r.rooms[roomID]
	if subs == nil {
		subs = make(map[string]*Client)
		r.rooms[roomID] = subs
	}
	subs[id] = entry.client
	return true, nil
}

// LeaveRoom unsubscribes the connection. It reports false if it was not joined.
func (r *Registry) LeaveRoom(id, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, joined := entry.rooms[roomID]; !joined {
		return false
	}
	delete(entry.rooms, roomID)
	r.removeSubscriberLocked(roomID, id)
	return true
}

func (r *Registry) removeSubscriberLocked(roomID, id string) {
	subs := r.rooms[roomID]
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.rooms, roomID)
	}
}

// SubscribersOf returns the OPEN connections subscribed to roomID.
func (r *Registry) SubscribersOf(roomID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return openClients(lo.Values(r.rooms[roomID]))
}

// All returns every OPEN connection.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return openClients(lo.Map(lo.Values(r.conns), func(e *registryEntry, _ int) *Client {
		return e.client
	}))
}

// Get returns the registered connection with id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return entry.client, true
}

// RoomsOf returns the rooms the connection has joined, sorted.
func (r *Registry) RoomsOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[id]
	if !ok {
		return nil
	}
	return sortedKeys(entry.rooms)
}

// IsSubscribed reports whether the connection has joined roomID.
func (r *Registry) IsSubscribed(id, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][id]
	return ok
}

// SubscriberCount is the number of live subscriptions to roomID.
func (r *Registry) SubscriberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Len is the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func openClients(clients []*Client) []*Client {
	return lo.Filter(clients, func(c *Client, _ int) bool {
		return c.State() == StateOpen
	})
}

func sortedKeys(m map[string]struct{}) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
