package socket

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event types carried in Frame.EventType.
const (
	TypeUser  = "user"
	TypeChat  = "chat"
	TypeGroup = "group"
)

var (
	// ErrClosed is returned when sending on a closed socket.
	ErrClosed = errors.New("socket closed")
	// ErrEmptyEventType is returned for frames without an event_type.
	ErrEmptyEventType = errors.New("frame has no event_type")
	// ErrSendBufferFull is returned when the outgoing queue is full.
	ErrSendBufferFull = errors.New("socket send buffer full")
	// ErrAlreadyConnected is returned by Connect on a socket that already dialed.
	ErrAlreadyConnected = errors.New("socket already connected")
)

// Frame is the JSON envelope exchanged over the session socket.
type Frame struct {
	EventType string          `json:"event_type"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    int64           `json:"user_id,omitempty"`
	ChatID    int64           `json:"chat_id,omitempty"`
	GroupID   int64           `json:"group_id,omitempty"`
	RoleID    int64           `json:"role_id,omitempty"`
	MsgID     int64           `json:"msg_id,omitempty"`
}

// WithData returns a copy of f carrying data encoded as JSON.
func (f Frame) WithData(data any) (Frame, error) {
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return f, fmt.Errorf("encode %s/%s data: %w", f.EventType, f.Event, err)
	}
	f.Data = raw
	return f, nil
}

// FrameError describes an inbound frame that could not be routed.
type FrameError struct {
	EventType string
	Event     string
	Reason    string
	Err       error
}

func (e *FrameError) Error() string {
	msg := fmt.Sprintf("frame %s/%s: %s", e.EventType, e.Event, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Handler handles the frames of one event_type.
type Handler interface {
	Handle(event string, data json.RawMessage) error
}

type sender interface {
	Send(f Frame) error
}

// UserEvent is the payload of user-domain watch events (profile_edited, joint, left).
type UserEvent struct {
	Event  string          `json:"-"`
	UserID int64           `json:"user_id"`
	Data   json.RawMessage `json:"data"`
	// Raw is the untouched frame data, for events that do not follow the user_id/data shape.
	Raw json.RawMessage `json:"-"`
}

// GroupEvent is the payload of every group-domain event.
type GroupEvent struct {
	Event   string          `json:"-"`
	GroupID int64           `json:"group_id"`
	Data    json.RawMessage `json:"data"`
	RoleID  int64           `json:"role_id,omitempty"`
	UserID  int64           `json:"user_id,omitempty"`
}

// MessagePatch is the payload of message update events.
type MessagePatch struct {
	MsgID int64           `json:"msg_id"`
	Data  json.RawMessage `json:"data"`
}

// PatchMap decodes Data as a JSON object.
func (p MessagePatch) PatchMap() (map[string]any, error) {
	var m map[string]any
	if len(p.Data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(p.Data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

type messageRef struct {
	MsgID int64 `json:"msg_id"`
}
