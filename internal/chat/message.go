// Package chat defines the chat data model shared by the gateway and the
// persistence backends: messages, rooms, wire frames and validation.
package chat

import "time"

// Message is a persisted chat message. ID and CreatedAt are assigned by the
// store on save; an empty RoomID means the global (room-less) channel.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id,omitempty"`
	SenderID    string    `json:"user_id"`
	DisplayName string    `json:"user"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Draft is a validated message that has not been persisted yet.
type Draft struct {
	RoomID      string
	SenderID    string
	DisplayName string
	Text        string
}

// Persisted turns the draft into a Message carrying the given id and time.
func (d Draft) Persisted(id string, at time.Time) Message {
	return Message{
		ID:          id,
		RoomID:      d.RoomID,
		SenderID:    d.SenderID,
		DisplayName: d.DisplayName,
		Text:        d.Text,
		CreatedAt:   at,
	}
}

// Room is a named broadcast scope. Membership only matters for private rooms.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsPrivate   bool      `json:"is_private"`
	MemberIDs   []string  `json:"member_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasMember reports whether principalID may join the room.
func (r Room) HasMember(principalID string) bool {
	if !r.IsPrivate {
		return true
	}
	for _, id := range r.MemberIDs {
		if id == principalID {
			return true
		}
	}
	return false
}
