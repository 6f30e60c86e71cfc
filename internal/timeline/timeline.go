// Package timeline groups a message stream into day buckets and same-author
// contexts and keeps an id index for in-place edits and deletes.
//
// A Timeline is not safe for concurrent use. The owner serializes access.
package timeline

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DayFormat is the layout of day keys.
const DayFormat = "2006-01-02"

// ErrNotFound is returned for ids that are not in the index.
var ErrNotFound = errors.New("message not found")

// Direction selects the end of the day bucket an insert goes to.
type Direction int

const (
	// Append adds after the last context.
	Append Direction = iota
	// Prepend adds before the first context.
	Prepend
)

// Context is a maximal run of messages by one owner within a day.
type Context struct {
	UUID     string
	Owner    int64
	Messages []*Message
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithLocation sets the time zone used for day keys.
func WithLocation(loc *time.Location) Option {
	return func(t *Timeline) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// Timeline is the grouped view of a conversation.
type Timeline struct {
	loc   *time.Location
	days  map[string][]*Context
	index map[int64]*Context
	where map[*Message]*Context
}

// New creates an empty timeline.
func New(opts ...Option) *Timeline {
	t := &Timeline{loc: time.Local}
	for _, opt := range opts {
		opt(t)
	}
	t.Reset()
	return t
}

// Reset drops every message.
func (t *Timeline) Reset() {
	t.days = make(map[string][]*Context)
	t.index = make(map[int64]*Context)
	t.where = make(map[*Message]*Context)
}

// Day returns the bucket key of msg.
func (t *Timeline) Day(msg *Message) string {
	return msg.Created.In(t.loc).Format(DayFormat)
}

// Insert adds msg at one end of its day bucket, joining the boundary context when
// the owner matches. A message whose id is already indexed is merged into the
// existing copy instead.
func (t *Timeline) Insert(msg *Message, dir Direction) *Context {
	if msg.ID != 0 {
		if ctx, ok := t.index[msg.ID]; ok {
			if existing := findIn(ctx, msg.ID); existing != nil && existing != msg {
				existing.Merge(msg)
				return ctx
			}
		}
	}

	day := t.Day(msg)
	contexts := t.days[day]

	var ctx *Context
	if len(contexts) > 0 {
		if dir == Append {
			ctx = contexts[len(contexts)-1]
		} else {
			ctx = contexts[0]
		}
	}
	if ctx == nil || ctx.Owner != msg.Owner {
		ctx = &Context{UUID: "context:" + uuid.NewString(), Owner: msg.Owner}
		if dir == Append {
			contexts = append(contexts, ctx)
		} else {
			contexts = append([]*Context{ctx}, contexts...)
		}
		t.days[day] = contexts
	}

	if dir == Append {
		ctx.Messages = append(ctx.Messages, msg)
	} else {
		ctx.Messages = append([]*Message{msg}, ctx.Messages...)
	}
	t.where[msg] = ctx
	if msg.ID != 0 {
		t.index[msg.ID] = ctx
	}
	return ctx
}

// AppendAll appends a batch in order.
func (t *Timeline) AppendAll(msgs []*Message) {
	for _, m := range msgs {
		t.Insert(m, Append)
	}
}

// PrependAll prepends a batch so that it ends up in the batch's order.
func (t *Timeline) PrependAll(msgs []*Message) {
	for i := len(msgs) - 1; i >= 0; i-- {
		t.Insert(msgs[i], Prepend)
	}
}

// Register indexes msg after it was confirmed. It reports false for messages
// that are not in the timeline or still have no id.
func (t *Timeline) Register(msg *Message) bool {
	ctx, ok := t.where[msg]
	if !ok || msg.ID == 0 {
		return false
	}
	t.index[msg.ID] = ctx
	return true
}

// Contains reports whether msg (by identity) is in the timeline.
func (t *Timeline) Contains(msg *Message) bool {
	_, ok := t.where[msg]
	return ok
}

// Find returns the indexed message with id.
func (t *Timeline) Find(id int64) *Message {
	ctx, ok := t.index[id]
	if !ok {
		return nil
	}
	return findIn(ctx, id)
}

// FindIndex returns the context holding id and the message's position in it, or
// (nil, -1).
func (t *Timeline) FindIndex(id int64) (*Context, int) {
	ctx, ok := t.index[id]
	if !ok {
		return nil, -1
	}
	for i, m := range ctx.Messages {
		if m.ID == id {
			return ctx, i
		}
	}
	return nil, -1
}

// Update applies a JSON patch to the message with id in place.
func (t *Timeline) Update(id int64, patch []byte) (*Message, error) {
	msg := t.Find(id)
	if msg == nil {
		return nil, ErrNotFound
	}
	if err := msg.PatchJSON(patch); err != nil {
		return nil, err
	}
	return msg, nil
}

// Remove deletes the message with id. A context emptied this way stays in its
// bucket as an empty stub.
func (t *Timeline) Remove(id int64) (*Message, bool) {
	ctx, idx := t.FindIndex(id)
	if ctx == nil {
		return nil, false
	}
	msg := ctx.Messages[idx]
	ctx.Messages = append(ctx.Messages[:idx], ctx.Messages[idx+1:]...)
	delete(t.index, id)
	delete(t.where, msg)
	return msg, true
}

// Days returns the day keys, newest first.
func (t *Timeline) Days() []string {
	days := make([]string, 0, len(t.days))
	for d := range t.days {
		days = append(days, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days
}

// Contexts returns the contexts of day in bucket order.
func (t *Timeline) Contexts(day string) []*Context {
	return t.days[day]
}

// Len returns the number of messages, confirmed or not.
func (t *Timeline) Len() int {
	return len(t.where)
}

// Walk visits every context, days newest first.
func (t *Timeline) Walk(fn func(day string, ctx *Context)) {
	for _, day := range t.Days() {
		for _, ctx := range t.days[day] {
			fn(day, ctx)
		}
	}
}

func findIn(ctx *Context, id int64) *Message {
	for _, m := range ctx.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}
