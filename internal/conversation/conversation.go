// Package conversation is one open chat or group: its timeline, paginated history,
// optimistic submissions and live updates from the session socket.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/codefionn/winichat/internal/actor"
	"github.com/codefionn/winichat/internal/chats"
	"github.com/codefionn/winichat/internal/dispatch"
	"github.com/codefionn/winichat/internal/flashes"
	"github.com/codefionn/winichat/internal/httpapi"
	"github.com/codefionn/winichat/internal/logger"
	"github.com/codefionn/winichat/internal/pagination"
	"github.com/codefionn/winichat/internal/socket"
	"github.com/codefionn/winichat/internal/timeline"
	"github.com/google/uuid"
)

// DefaultLimit is the page size of the message history.
const DefaultLimit = 30

const queueSize = 64

var (
	// ErrEmptyMessage is returned by Send without content and files.
	ErrEmptyMessage = errors.New("empty message")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conversation closed")
)

// API is the subset of the request capability a conversation uses.
type API interface {
	Get(ctx context.Context, path string, out any) error
	Patch(ctx context.Context, path string, body, out any) error
	Delete(ctx context.Context, path string) error
	PostForm(ctx context.Context, path string, form *httpapi.Form, out any) error
}

// Deps are the session services a conversation runs on.
type Deps struct {
	API     API
	Flashes *flashes.Queue
	// Actors hosts the submit queue. Nil runs a private queue.
	Actors *actor.System
	SelfID int64

	Limit    int
	Prefix   string
	Viewport pagination.Viewport
	Location *time.Location
	Log      *logger.Logger
}

// Conversation is safe for concurrent use.
type Conversation struct {
	chat    *chats.Chat
	api     API
	flashes *flashes.Queue
	selfID  int64
	log     *logger.Logger

	actors *actor.System
	queue  *actor.ActorRef

	pager   *pagination.Pager[*timeline.Message]
	changes *dispatch.Multi[Change]

	mu     sync.Mutex
	tl     *timeline.Timeline
	sock   *socket.Socket
	sub    *socket.Subscription
	gsub   *socket.GroupSubscription
	closed bool
}

// New creates a conversation over chat and starts its submit queue.
func New(ctx context.Context, chat *chats.Chat, deps Deps) (*Conversation, error) {
	if chat == nil {
		return nil, fmt.Errorf("conversation: nil chat")
	}
	if deps.API == nil {
		return nil, fmt.Errorf("conversation: nil API")
	}
	log := deps.Log
	if log == nil {
		log = logger.Global()
	}
	log = log.WithPrefix("conv:" + chat.Key())

	var tlOpts []timeline.Option
	if deps.Location != nil {
		tlOpts = append(tlOpts, timeline.WithLocation(deps.Location))
	}

	c := &Conversation{
		chat:    chat,
		api:     deps.API,
		flashes: deps.Flashes,
		selfID:  deps.SelfID,
		log:     log,
		actors:  deps.Actors,
		changes: dispatch.NewMulti[Change](log),
		tl:      timeline.New(tlOpts...),
	}

	limit := deps.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	pagerOpts := []pagination.Option{pagination.Reverse(), pagination.WithLogger(log.WithPrefix("pager"))}
	if deps.Prefix != "" {
		pagerOpts = append(pagerOpts, pagination.WithPrefix(deps.Prefix))
	}
	if deps.Viewport != nil {
		pagerOpts = append(pagerOpts, pagination.WithViewport(deps.Viewport))
	}
	c.pager = pagination.New[*timeline.Message](deps.API, chat.MessagesURL(), limit, sink{c}, pagerOpts...)

	// Several views may show the same chat; each gets its own queue.
	s := &submitter{id: "conversation:" + chat.Key() + ":" + uuid.NewString(), conv: c}
	if c.actors != nil {
		ref, err := c.actors.Spawn(ctx, s.ID(), s, queueSize)
		if err != nil {
			return nil, err
		}
		c.queue = ref
	} else {
		c.queue = actor.NewActorRef(s.ID(), s, queueSize)
		if err := c.queue.Start(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Chat returns the conversation's chat.
func (c *Conversation) Chat() *chats.Chat {
	return c.chat
}

// Open loads the newest page, replacing the timeline.
func (c *Conversation) Open(ctx context.Context) error {
	if err := c.pager.FetchData(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			c.flashError(err)
		}
		return err
	}
	return nil
}

// LoadOlder loads the page before the oldest loaded message. It reports whether a
// page was added.
func (c *Conversation) LoadOlder(ctx context.Context) (bool, error) {
	return c.pager.FetchNext(ctx)
}

// LoadNewer loads the page after the newest loaded message when the window does
// not reach the present.
func (c *Conversation) LoadNewer(ctx context.Context) (bool, error) {
	return c.pager.FetchPrevious(ctx)
}

// HasOlder reports whether older messages remain on the server.
func (c *Conversation) HasOlder() bool {
	return c.pager.Next() != nil
}

// HasNewer reports whether the loaded window lags behind the newest message.
func (c *Conversation) HasNewer() bool {
	return c.pager.Previous() != nil
}

// Loading reports whether an older or newer page is being fetched.
func (c *Conversation) Loading() bool {
	return c.pager.Fetching()
}

// Send shows a message immediately and submits it through the queue. The message
// stays in the timeline if the submission fails.
func (c *Conversation) Send(ctx context.Context, content string, files []httpapi.FormFile) (*Pending, error) {
	if content == "" && len(files) == 0 {
		return nil, ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := &timeline.Message{
		UUID:    uuid.NewString(),
		Content: content,
		Created: time.Now(),
		Owner:   c.selfID,
		Seen:    true,
	}
	for _, f := range files {
		msg.Files = append(msg.Files, timeline.File{URL: "local:" + f.Name})
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.tl.Insert(msg, timeline.Prepend)
	c.pager.ShiftNext(1)
	view := msg.Clone()
	c.mu.Unlock()

	c.emit(Change{Kind: ChangeInsert, Message: view})

	p := newPending(view)
	if err := c.queue.Send(&submitMsg{msg: msg, files: files, pending: p}); err != nil {
		c.log.Warn("queue message %s: %v", msg.UUID, err)
		c.flashError(err)
		p.finish(nil, err)
	}
	return p, nil
}

// Edit replaces the content of one of the loaded messages. The timeline changes
// only once the server accepted the edit.
func (c *Conversation) Edit(ctx context.Context, id int64, content string) error {
	c.mu.Lock()
	msg := c.tl.Find(id)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if msg == nil {
		return timeline.ErrNotFound
	}
	return c.await(ctx, &editMsg{id: id, content: content, done: make(chan error, 1)})
}

// Delete removes one of the loaded messages on the server and then locally.
func (c *Conversation) Delete(ctx context.Context, id int64) error {
	c.mu.Lock()
	msg := c.tl.Find(id)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if msg == nil {
		return timeline.ErrNotFound
	}
	return c.await(ctx, &deleteMsg{id: id, done: make(chan error, 1)})
}

type awaitable interface {
	actor.Message
	result() chan error
}

func (c *Conversation) await(ctx context.Context, m awaitable) error {
	if err := c.queue.Send(m); err != nil {
		return err
	}
	select {
	case err := <-m.result():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches from the socket, aborts the initial fetch and stops the queue.
// Queued submissions fail with actor.ErrStopped.
func (c *Conversation) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Detach()
	c.pager.Abort()
	if c.actors != nil {
		return c.actors.Stop(ctx, c.queue.ID())
	}
	return c.queue.Stop(ctx)
}

// Find returns a copy of the loaded message with id.
func (c *Conversation) Find(id int64) *timeline.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.tl.Find(id); m != nil {
		return m.Clone()
	}
	return nil
}

// Len returns the number of messages in the timeline.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tl.Len()
}

// messageURL is the REST resource of a confirmed message.
func (c *Conversation) messageURL(msg *timeline.Message) string {
	if msg.URL != "" {
		return msg.URL
	}
	return c.chat.MessagesURL() + strconv.FormatInt(msg.ID, 10) + "/"
}

// removeLocked drops id from the timeline and shifts the counters. c.mu must be held.
func (c *Conversation) removeLocked(id int64) (*timeline.Message, bool) {
	msg, ok := c.tl.Remove(id)
	if !ok {
		return nil, false
	}
	c.pager.ShiftNext(-1)
	if !msg.Seen && msg.Owner != c.selfID {
		c.chat.AddUnread(-1)
	}
	return msg, true
}

func (c *Conversation) flashError(err error) {
	if c.flashes != nil {
		c.flashes.APIError(err)
	}
}
