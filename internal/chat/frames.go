package chat

import "encoding/json"

// Outbound frame types.
const (
	FrameHistory    = "history"
	FrameNewMessage = "new_message"
	FrameError      = "error"
	FrameUserJoined = "user_joined"
	FrameUserLeft   = "user_left"
)

// Inbound frame types. A frame without a type is a chat message.
const (
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FrameMessage = "message"
)

// User-visible error texts.
const (
	ErrTextInvalidFormat    = "Invalid message format"
	ErrTextValidationFailed = "Message validation failed"
	ErrTextSaveFailed       = "Failed to save message"
	ErrTextRateLimited      = "Rate limit exceeded"
	ErrTextRoomRequired     = "Room id is required"
	ErrTextRoomNotFound     = "Room not found"
	ErrTextRoomForbidden    = "Access to room denied"
	ErrTextNotJoined        = "Join the room before sending messages"
	ErrTextUnknownType      = "Unknown frame type"
	ErrTextHistoryFailed    = "Failed to load history"
)

// HistoryFrame carries the recent messages of a room as a single batch.
type HistoryFrame struct {
	Type     string    `json:"type"`
	RoomID   string    `json:"room_id,omitempty"`
	Messages []Message `json:"messages"`
}

// NewMessageFrame delivers one persisted message.
type NewMessageFrame struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// ErrorFrame reports a failure to the client that caused it.
type ErrorFrame struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
}

// PresenceFrame announces a user entering or leaving a room.
type PresenceFrame struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// NewHistoryFrame never encodes a nil slice so clients always see an array.
func NewHistoryFrame(roomID string, messages []Message) HistoryFrame {
	if messages == nil {
		messages = []Message{}
	}
	return HistoryFrame{Type: FrameHistory, RoomID: roomID, Messages: messages}
}

func NewMessage(m Message) NewMessageFrame {
	return NewMessageFrame{Type: FrameNewMessage, Message: m}
}

func NewError(message string, errs ...string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: message, Errors: errs}
}

func NewUserJoined(roomID, userID, userName string) PresenceFrame {
	return PresenceFrame{Type: FrameUserJoined, RoomID: roomID, UserID: userID, UserName: userName}
}

func NewUserLeft(roomID, userID, userName string) PresenceFrame {
	return PresenceFrame{Type: FrameUserLeft, RoomID: roomID, UserID: userID, UserName: userName}
}

// Envelope is the routing header shared by all inbound frames.
type Envelope struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// ParseEnvelope reads the routing header. Payloads that are not JSON
// objects yield a FormatError.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Envelope{}, &FormatError{Err: err}
	}
	var env Envelope
	env.Type = stringField(fields, "type")
	env.RoomID = stringField(fields, "room_id", "roomId")
	return env, nil
}

// stringField returns the first key present as a JSON string, or "".
func stringField(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}
