package conversation

import (
	"encoding/json"

	"github.com/codefionn/winichat/internal/chats"
	"github.com/codefionn/winichat/internal/socket"
	"github.com/codefionn/winichat/internal/timeline"
)

// broadcaster is implemented by socket.Chats and socket.Groups.
type broadcaster interface {
	Posted(id int64, msg any) error
	Edited(id, msgID int64, patch any) error
	Deleted(id, msgID int64) error
}

// Attach subscribes to live updates of the conversation on sock. A previous
// subscription is released first.
func (c *Conversation) Attach(sock *socket.Socket) {
	c.Detach()
	if sock == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.sock = sock
	switch c.chat.Kind {
	case chats.KindGroup:
		c.gsub = sock.Groups().Connect(c.chat.ID, socket.GroupHandlers{
			OnNew:    c.onNew,
			OnEdit:   c.onUpdate,
			OnDelete: c.onDelete,
		})
	default:
		c.sub = sock.Chats().Connect(c.chat.ID, socket.ChatHandlers{
			OnNew:    c.onNew,
			OnUpdate: c.onUpdate,
			OnDelete: c.onDelete,
		})
	}
}

// Detach releases the live subscription.
func (c *Conversation) Detach() {
	c.mu.Lock()
	sock, sub, gsub := c.sock, c.sub, c.gsub
	c.sock, c.sub, c.gsub = nil, nil, nil
	c.mu.Unlock()

	if sock == nil {
		return
	}
	if sub != nil {
		sock.Chats().Disconnect(sub)
	}
	if gsub != nil {
		sock.Groups().Disconnect(gsub)
	}
}

func (c *Conversation) liveTarget() broadcaster {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return nil
	}
	if c.chat.Kind == chats.KindGroup {
		return c.sock.Groups()
	}
	return c.sock.Chats()
}

func (c *Conversation) broadcast(fn func(broadcaster) error) {
	b := c.liveTarget()
	if b == nil {
		return
	}
	if err := fn(b); err != nil {
		c.log.Warn("broadcast: %v", err)
	}
}

func (c *Conversation) onNew(raw json.RawMessage) {
	var msg timeline.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("live message: %v", err)
		return
	}

	c.mu.Lock()
	// Newer pages are still unloaded; the message arrives with them.
	if c.closed || c.pager.Previous() != nil {
		c.mu.Unlock()
		return
	}
	known := msg.ID != 0 && c.tl.Find(msg.ID) != nil
	c.tl.Insert(&msg, timeline.Prepend)
	var view *timeline.Message
	kind := ChangeUpdate
	if known {
		view = c.tl.Find(msg.ID).Clone()
	} else {
		c.pager.ShiftNext(1)
		view = msg.Clone()
		kind = ChangeInsert
	}
	c.chat.SetLatest(view)
	c.mu.Unlock()

	c.emit(Change{Kind: kind, Message: view})
}

func (c *Conversation) onUpdate(p socket.MessagePatch) {
	c.mu.Lock()
	msg, err := c.tl.Update(p.MsgID, p.Data)
	var view *timeline.Message
	if err == nil {
		view = msg.Clone()
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Debug("live update %d: %v", p.MsgID, err)
		return
	}
	c.emit(Change{Kind: ChangeUpdate, Message: view})
}

func (c *Conversation) onDelete(id int64) {
	c.mu.Lock()
	msg, ok := c.removeLocked(id)
	c.mu.Unlock()

	if ok {
		c.emit(Change{Kind: ChangeRemove, Message: msg.Clone()})
	}
}
