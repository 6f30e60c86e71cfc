package conversation

import (
	"context"
	"fmt"

	"github.com/codefionn/winichat/internal/actor"
	"github.com/codefionn/winichat/internal/httpapi"
	"github.com/codefionn/winichat/internal/timeline"
)

type submitMsg struct {
	msg     *timeline.Message
	files   []httpapi.FormFile
	pending *Pending
}

func (*submitMsg) Type() string { return "submit" }

type editMsg struct {
	id      int64
	content string
	done    chan error
}

func (*editMsg) Type() string         { return "edit" }
func (m *editMsg) result() chan error { return m.done }

type deleteMsg struct {
	id   int64
	done chan error
}

func (*deleteMsg) Type() string         { return "delete" }
func (m *deleteMsg) result() chan error { return m.done }

// submitter is the conversation's queue. It runs one request at a time so
// messages reach the server in the order they were sent.
type submitter struct {
	id   string
	conv *Conversation
}

func (s *submitter) ID() string {
	return s.id
}

func (s *submitter) Start(ctx context.Context) error { return nil }

func (s *submitter) Stop(ctx context.Context) error { return nil }

func (s *submitter) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case *submitMsg:
		return s.conv.submit(ctx, m)
	case *editMsg:
		err := s.conv.edit(ctx, m.id, m.content)
		m.done <- err
		return err
	case *deleteMsg:
		err := s.conv.remove(ctx, m.id)
		m.done <- err
		return err
	default:
		return fmt.Errorf("unknown message type %s", msg.Type())
	}
}

// Discard fails submissions still queued at Close.
func (s *submitter) Discard(msg actor.Message) {
	switch m := msg.(type) {
	case *submitMsg:
		m.pending.finish(nil, actor.ErrStopped)
	case *editMsg:
		m.done <- actor.ErrStopped
	case *deleteMsg:
		m.done <- actor.ErrStopped
	}
}

func (c *Conversation) submit(ctx context.Context, m *submitMsg) error {
	form := &httpapi.Form{
		Fields: map[string]string{"content": m.msg.Content},
		Files:  m.files,
	}

	var created timeline.Message
	if err := c.api.PostForm(ctx, c.chat.MessagesURL(), form, &created); err != nil {
		c.flashError(err)
		m.pending.finish(nil, err)
		return fmt.Errorf("post message %s: %w", m.msg.UUID, err)
	}

	c.mu.Lock()
	// The socket may have delivered the message before the response.
	var dup *timeline.Message
	if created.ID != 0 {
		if found := c.tl.Find(created.ID); found != nil && found != m.msg {
			dup, _ = c.removeLocked(created.ID)
		}
	}
	m.msg.Merge(&created)
	c.tl.Register(m.msg)
	c.chat.SetLatest(m.msg.Clone())
	view := m.msg.Clone()
	c.mu.Unlock()

	if dup != nil {
		c.emit(Change{Kind: ChangeRemove, Message: dup.Clone()})
	}
	c.emit(Change{Kind: ChangeUpdate, Message: view})
	c.broadcast(func(b broadcaster) error { return b.Posted(c.chat.ID, &created) })
	m.pending.finish(view, nil)
	return nil
}

func (c *Conversation) edit(ctx context.Context, id int64, content string) error {
	c.mu.Lock()
	msg := c.tl.Find(id)
	var target string
	if msg != nil {
		target = c.messageURL(msg)
	}
	c.mu.Unlock()
	if msg == nil {
		return timeline.ErrNotFound
	}

	patch := map[string]any{"content": content, "is_edited": true}
	var updated map[string]any
	if err := c.api.Patch(ctx, target, patch, &updated); err != nil {
		c.flashError(err)
		return err
	}

	c.mu.Lock()
	msg = c.tl.Find(id)
	var view *timeline.Message
	if msg != nil {
		if err := msg.Patch(patch); err != nil {
			c.log.Warn("apply edit %d: %v", id, err)
		}
		if len(updated) > 0 {
			if err := msg.Patch(updated); err != nil {
				c.log.Debug("apply edit response %d: %v", id, err)
			}
		}
		view = msg.Clone()
	}
	c.mu.Unlock()

	if view != nil {
		c.emit(Change{Kind: ChangeUpdate, Message: view})
	}
	c.broadcast(func(b broadcaster) error { return b.Edited(c.chat.ID, id, patch) })
	return nil
}

func (c *Conversation) remove(ctx context.Context, id int64) error {
	c.mu.Lock()
	msg := c.tl.Find(id)
	var target string
	if msg != nil {
		target = c.messageURL(msg)
	}
	c.mu.Unlock()
	if msg == nil {
		return timeline.ErrNotFound
	}

	if err := c.api.Delete(ctx, target); err != nil {
		c.flashError(err)
		return err
	}

	c.mu.Lock()
	removed, ok := c.removeLocked(id)
	c.mu.Unlock()

	if ok {
		c.emit(Change{Kind: ChangeRemove, Message: removed.Clone()})
	}
	c.broadcast(func(b broadcaster) error { return b.Deleted(c.chat.ID, id) })
	return nil
}
