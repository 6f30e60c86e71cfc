package socket

import (
	"encoding/json"
	"strconv"

	"github.com/codefionn/winichat/internal/dispatch"
	"github.com/codefionn/winichat/internal/logger"
	"github.com/codefionn/winichat/internal/registry"
)

// Chat event suffixes. Inbound chat events are named "<chatID>:<suffix>".
const (
	ChatNew    = "new"
	ChatUpdate = "update"
	ChatDelete = "delete"
)

// ChatHandlers are the callbacks of one chat subscription. Nil callbacks are skipped.
type ChatHandlers struct {
	OnNew    func(msg json.RawMessage)
	OnUpdate func(patch MessagePatch)
	OnDelete func(msgID int64)
}

// Subscription is returned by Chats.Connect and releases its listeners on Disconnect.
type Subscription struct {
	chatID int64
	ids    map[string]dispatch.ListenerID
}

// ChatID returns the subscribed chat.
func (s *Subscription) ChatID() int64 {
	return s.chatID
}

// Chats subscribes to private chats. Connections are reference counted so several
// views of one chat share the upstream subscription.
type Chats struct {
	sock      sender
	log       *logger.Logger
	conns     *registry.Registry[int64, struct{}]
	listeners *dispatch.Multi[json.RawMessage]
}

func newChats(sock sender, log *logger.Logger) *Chats {
	c := &Chats{
		sock:      sock,
		log:       log,
		listeners: dispatch.NewMulti[json.RawMessage](log),
	}
	c.conns = registry.New(registry.Options[int64, struct{}]{
		OnAcquire: func(id int64, _ struct{}) {
			c.send(Frame{EventType: TypeChat, Event: "connect", ChatID: id})
		},
		OnRelease: func(id int64, _ struct{}) {
			c.send(Frame{EventType: TypeChat, Event: "disconnect", ChatID: id})
		},
	})
	return c
}

func (c *Chats) send(f Frame) {
	if err := c.sock.Send(f); err != nil {
		c.log.Warn("send %s %d: %v", f.Event, f.ChatID, err)
	}
}

// ChatEvent returns the inbound event name for a chat and suffix.
func ChatEvent(chatID int64, suffix string) string {
	return strconv.FormatInt(chatID, 10) + ":" + suffix
}

// Connect subscribes to chatID and registers h.
func (c *Chats) Connect(chatID int64, h ChatHandlers) *Subscription {
	if c == nil {
		return nil
	}
	sub := &Subscription{chatID: chatID, ids: make(map[string]dispatch.ListenerID)}
	if h.OnNew != nil {
		sub.ids[ChatEvent(chatID, ChatNew)] = c.listeners.On(ChatEvent(chatID, ChatNew), dispatch.Listener[json.RawMessage](h.OnNew))
	}
	if h.OnUpdate != nil {
		fn := h.OnUpdate
		sub.ids[ChatEvent(chatID, ChatUpdate)] = c.listeners.On(ChatEvent(chatID, ChatUpdate), func(raw json.RawMessage) {
			var p MessagePatch
			if err := json.Unmarshal(raw, &p); err != nil {
				c.log.Warn("chat %d update: %v", chatID, err)
				return
			}
			fn(p)
		})
	}
	if h.OnDelete != nil {
		fn := h.OnDelete
		sub.ids[ChatEvent(chatID, ChatDelete)] = c.listeners.On(ChatEvent(chatID, ChatDelete), func(raw json.RawMessage) {
			var ref messageRef
			if err := json.Unmarshal(raw, &ref); err != nil {
				c.log.Warn("chat %d delete: %v", chatID, err)
				return
			}
			fn(ref.MsgID)
		})
	}
	c.conns.Watch(chatID)
	return sub
}

// Disconnect removes the listeners of sub and releases its connection.
func (c *Chats) Disconnect(sub *Subscription) {
	if c == nil || sub == nil || sub.ids == nil {
		return
	}
	for event, id := range sub.ids {
		c.listeners.Off(event, id)
	}
	sub.ids = nil
	c.conns.Unwatch(sub.chatID)
}

// Connected returns the number of subscriptions on chatID.
func (c *Chats) Connected(chatID int64) int {
	if c == nil {
		return 0
	}
	return c.conns.Count(chatID)
}

// Posted tells the other participants that msg was created.
func (c *Chats) Posted(chatID int64, msg any) error {
	return c.broadcast(Frame{EventType: TypeChat, Event: "send", ChatID: chatID}, msg)
}

// Edited tells the other participants that a message changed.
func (c *Chats) Edited(chatID, msgID int64, patch any) error {
	return c.broadcast(Frame{EventType: TypeChat, Event: "edit_msg", ChatID: chatID, MsgID: msgID}, patch)
}

// Deleted tells the other participants that a message was removed.
func (c *Chats) Deleted(chatID, msgID int64) error {
	return c.broadcast(Frame{EventType: TypeChat, Event: "del_msg", ChatID: chatID, MsgID: msgID}, nil)
}

func (c *Chats) broadcast(f Frame, data any) error {
	if c == nil {
		return ErrClosed
	}
	f, err := f.WithData(data)
	if err != nil {
		return err
	}
	return c.sock.Send(f)
}

// Handle implements Handler.
func (c *Chats) Handle(event string, data json.RawMessage) error {
	if c.listeners.Emit(event, data) == 0 && c.listeners.Count(event) == 0 {
		c.log.Debug("no subscription for %q", event)
	}
	return nil
}
