package timeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// File is an attachment of a message.
type File struct {
	ID       int64          `json:"id,omitempty"`
	URL      string         `json:"url"`
	FileType string         `json:"file_type,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is a chat message. Unconfirmed messages have a UUID and no ID.
type Message struct {
	ID        int64      `json:"id,omitempty"`
	UUID      string     `json:"uuid,omitempty"`
	URL       string     `json:"url,omitempty"`
	Content   string     `json:"content"`
	Files     []File     `json:"files"`
	Created   time.Time  `json:"created"`
	Owner     int64      `json:"owner"`
	OwnerName string     `json:"owner_name,omitempty"`
	Seen      bool       `json:"seen"`
	IsEdited  bool       `json:"is_edited"`
	Edited    *time.Time `json:"edited,omitempty"`
}

// Confirmed reports whether the server assigned an id.
func (m *Message) Confirmed() bool {
	return m.ID != 0
}

// Key identifies the message whether or not it is confirmed.
func (m *Message) Key() string {
	if m.ID != 0 {
		return "id:" + strconv.FormatInt(m.ID, 10)
	}
	return "uuid:" + m.UUID
}

// Merge copies the server's view of the message into m, keeping m's identity.
// The local UUID survives.
func (m *Message) Merge(other *Message) {
	if other == nil {
		return
	}
	if other.ID != 0 {
		m.ID = other.ID
	}
	if other.URL != "" {
		m.URL = other.URL
	}
	m.Content = other.Content
	if other.Files != nil {
		m.Files = other.Files
	}
	if !other.Created.IsZero() {
		m.Created = other.Created
	}
	if other.Owner != 0 {
		m.Owner = other.Owner
	}
	if other.OwnerName != "" {
		m.OwnerName = other.OwnerName
	}
	m.Seen = other.Seen
	m.IsEdited = other.IsEdited
	if other.Edited != nil {
		m.Edited = other.Edited
	}
}

// PatchJSON applies the keys present in a JSON object to m.
func (m *Message) PatchJSON(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	id, uuid := m.ID, m.UUID
	if err := json.Unmarshal(raw, m); err != nil {
		return fmt.Errorf("patch message %s: %w", m.Key(), err)
	}
	// Identity never changes through a patch.
	m.ID, m.UUID = id, uuid
	return nil
}

// Patch applies a field map to m.
func (m *Message) Patch(patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode message patch: %w", err)
	}
	return m.PatchJSON(raw)
}

// Clone returns a deep enough copy for rendering outside the owner's lock.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Files != nil {
		cp.Files = append([]File(nil), m.Files...)
	}
	return &cp
}
