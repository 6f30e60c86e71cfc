package conversation

import (
	"github.com/codefionn/winichat/internal/dispatch"
	"github.com/codefionn/winichat/internal/timeline"
)

// ChangeKind names a timeline change.
type ChangeKind string

const (
	ChangeReset  ChangeKind = "reset"
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeRemove ChangeKind = "remove"
	ChangePage   ChangeKind = "page"
)

const changeEvent = "change"

// Change is delivered to subscribers after the timeline changed. Message is a copy
// and nil for reset and page changes.
type Change struct {
	Kind    ChangeKind
	Message *timeline.Message
}

// Subscribe registers fn for timeline changes.
func (c *Conversation) Subscribe(fn func(Change)) dispatch.ListenerID {
	return c.changes.On(changeEvent, fn)
}

// Unsubscribe removes a subscription.
func (c *Conversation) Unsubscribe(id dispatch.ListenerID) {
	c.changes.Off(changeEvent, id)
}

func (c *Conversation) emit(ch Change) {
	c.changes.Emit(changeEvent, ch)
}

// ContextView is a copy of one same-author run.
type ContextView struct {
	UUID     string
	Owner    int64
	Messages []*timeline.Message
}

// DayView is a copy of one day bucket.
type DayView struct {
	Day      string
	Contexts []ContextView
}

// Snapshot copies the timeline, days newest first. Within a day, contexts and
// messages are newest first as well.
func (c *Conversation) Snapshot() []DayView {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []DayView
	for _, day := range c.tl.Days() {
		dv := DayView{Day: day}
		for _, ctx := range c.tl.Contexts(day) {
			if len(ctx.Messages) == 0 {
				continue
			}
			cv := ContextView{UUID: ctx.UUID, Owner: ctx.Owner}
			for _, m := range ctx.Messages {
				cv.Messages = append(cv.Messages, m.Clone())
			}
			dv.Contexts = append(dv.Contexts, cv)
		}
		out = append(out, dv)
	}
	return out
}

// sink feeds fetched pages into the timeline. The history is newest first: older
// pages are appended and newer pages prepended.
type sink struct {
	c *Conversation
}

func (s sink) Reset() {
	s.c.mu.Lock()
	s.c.tl.Reset()
	s.c.mu.Unlock()
	s.c.emit(Change{Kind: ChangeReset})
}

func (s sink) AddNext(items []*timeline.Message) {
	s.c.mu.Lock()
	first := s.c.tl.Len() == 0
	s.c.tl.AppendAll(items)
	if first && len(items) > 0 && s.c.chat.Latest() == nil {
		s.c.chat.SetLatest(items[0].Clone())
	}
	s.c.mu.Unlock()
	s.c.emit(Change{Kind: ChangePage})
}

func (s sink) AddPrevious(items []*timeline.Message) {
	s.c.mu.Lock()
	s.c.tl.PrependAll(items)
	s.c.mu.Unlock()
	s.c.emit(Change{Kind: ChangePage})
}
