// Package chats tracks the conversations the user takes part in and which one is open.
package chats

import (
	"fmt"
	"strings"
	"sync"

	"github.com/codefionn/winichat/internal/timeline"
)

// Kind distinguishes direct chats from groups.
type Kind string

const (
	KindChat  Kind = "chat"
	KindGroup Kind = "group"
)

// Key returns the registry key of a conversation, "type:id".
func Key(kind Kind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// Chat is one conversation as listed by the server.
type Chat struct {
	Kind Kind
	ID   int64
	Name string
	// URL is the conversation's REST resource, e.g. ".../api/chats/3/".
	URL string

	mu     sync.Mutex
	unread int
	latest *timeline.Message
}

// New creates a chat.
func New(kind Kind, id int64, name, url string) *Chat {
	return &Chat{Kind: kind, ID: id, Name: name, URL: url}
}

// Key returns the registry key.
func (c *Chat) Key() string {
	return Key(c.Kind, c.ID)
}

// MessagesURL is the paginated message endpoint of the conversation.
func (c *Chat) MessagesURL() string {
	if c.URL == "" {
		return ""
	}
	if strings.HasSuffix(c.URL, "/") {
		return c.URL + "messages/"
	}
	return c.URL + "/messages/"
}

// Unread returns the unread counter.
func (c *Chat) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// SetUnread sets the unread counter. Negative values are stored as 0.
func (c *Chat) SetUnread(n int) {
	c.mu.Lock()
	c.unread = max(n, 0)
	c.mu.Unlock()
}

// AddUnread shifts the unread counter by delta, never below 0.
func (c *Chat) AddUnread(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread = max(c.unread+delta, 0)
	return c.unread
}

// Latest returns the newest known message, if any.
func (c *Chat) Latest() *timeline.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// SetLatest records the newest message.
func (c *Chat) SetLatest(m *timeline.Message) {
	c.mu.Lock()
	c.latest = m
	c.mu.Unlock()
}

// Registry holds the known conversations keyed by "type:id".
type Registry struct {
	mu      sync.RWMutex
	chats   map[string]*Chat
	current *Chat
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{chats: make(map[string]*Chat)}
}

// Add stores c unless a conversation with the same key is known, and returns the
// stored one.
func (r *Registry) Add(c *Chat) *Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(c)
}

func (r *Registry) add(c *Chat) *Chat {
	if existing, ok := r.chats[c.Key()]; ok {
		return existing
	}
	r.chats[c.Key()] = c
	return c
}

// AddCurrent adds c and makes the stored conversation current.
func (r *Registry) AddCurrent(c *Chat) *Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.add(c)
	r.current = stored
	return stored
}

// Has reports whether the conversation is known. A zero kind or id is never known.
func (r *Registry) Has(kind Kind, id int64) bool {
	if kind == "" || id == 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chats[Key(kind, id)]
	return ok
}

// Get returns a known conversation.
func (r *Registry) Get(kind Kind, id int64) (*Chat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[Key(kind, id)]
	return c, ok
}

// ChangeCurrent makes a known conversation current.
func (r *Registry) ChangeCurrent(kind Kind, id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[Key(kind, id)]
	if ok {
		r.current = c
	}
	return ok
}

// Current returns the open conversation or nil.
func (r *Registry) Current() *Chat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// IsCurrent reports whether the conversation is the open one.
func (r *Registry) IsCurrent(kind Kind, id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current != nil && r.current.Kind == kind && r.current.ID == id
}

// Remove forgets a conversation, clearing the current one if it matches.
func (r *Registry) Remove(kind Kind, id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key(kind, id)
	c, ok := r.chats[key]
	if !ok {
		return false
	}
	delete(r.chats, key)
	if r.current == c {
		r.current = nil
	}
	return true
}

// Len returns the number of known conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chats)
}

// Clear forgets every conversation.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.chats = make(map[string]*Chat)
	r.current = nil
	r.mu.Unlock()
}
