// Package actor runs work items one at a time, in arrival order, on a dedicated
// goroutine. Conversations use it to keep at most one message submission in flight.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/winichat/internal/logger"
)

var (
	// ErrStopped is returned when sending to a stopped actor.
	ErrStopped = errors.New("actor stopped")
	// ErrMailboxFull is returned when the mailbox cannot take another message.
	ErrMailboxFull = errors.New("actor mailbox full")
)

// Message represents a message sent between actors
type Message interface {
	Type() string
}

// Actor represents an actor in the actor model
type Actor interface {
	// Receive processes incoming messages
	Receive(ctx context.Context, msg Message) error
	// Start starts the actor
	Start(ctx context.Context) error
	// Stop stops the actor gracefully
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// Discarder is implemented by actors that need to settle messages still queued
// when they stop.
type Discarder interface {
	Discard(msg Message)
}

// ActorRef is a reference to an actor for sending messages
type ActorRef struct {
	id      string
	mailbox chan Message
	actor   Actor
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.RWMutex
	started bool
	stopped bool
	log     *logger.Logger
}

// NewActorRef creates a new actor reference with the given ID, actor implementation
// and mailbox size.
func NewActorRef(id string, actor Actor, mailboxSize int) *ActorRef {
	if mailboxSize <= 0 {
		mailboxSize = 1
	}
	return &ActorRef{
		id:      id,
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
		log:     logger.Global().WithPrefix("actor:" + id),
	}
}

// ID returns the actor's ID
func (ref *ActorRef) ID() string {
	return ref.id
}

// Pending returns the number of queued messages.
func (ref *ActorRef) Pending() int {
	return len(ref.mailbox)
}

// Send enqueues a message (non-blocking)
func (ref *ActorRef) Send(msg Message) error {
	ref.mu.RLock()
	defer ref.mu.RUnlock()
	if ref.stopped {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("actor %s: %w", ref.id, ErrMailboxFull)
	}
}

// Start starts the actor's message processing loop
func (ref *ActorRef) Start(ctx context.Context) error {
	ref.mu.Lock()
	defer ref.mu.Unlock()
	if ref.started {
		return fmt.Errorf("actor %s already started", ref.id)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		return err
	}
	ref.cancel = cancel
	ref.started = true

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Stop cancels the message in progress, waits for the loop to exit and hands
// queued messages to the actor's Discard.
func (ref *ActorRef) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	ref.mu.Unlock()

	if ref.cancel != nil {
		ref.cancel()
	}

	done := make(chan struct{})
	go func() {
		ref.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	ref.drain()
	return ref.actor.Stop(ctx)
}

func (ref *ActorRef) drain() {
	for {
		select {
		case msg := <-ref.mailbox:
			ref.discard(msg)
		default:
			return
		}
	}
}

func (ref *ActorRef) discard(msg Message) {
	if d, ok := ref.actor.(Discarder); ok {
		d.Discard(msg)
	}
}

// run is the actor's main message processing loop
func (ref *ActorRef) run(ctx context.Context) {
	defer ref.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			if ctx.Err() != nil {
				ref.discard(msg)
				return
			}
			if err := ref.actor.Receive(ctx, msg); err != nil {
				// Log error but continue processing
				ref.log.Error("error processing %s: %v", msg.Type(), err)
			}
		}
	}
}

// System manages a collection of actors
type System struct {
	actors map[string]*ActorRef
	mu     sync.RWMutex
}

// NewSystem creates a new actor system
func NewSystem() *System {
	return &System{
		actors: make(map[string]*ActorRef),
	}
}

// Spawn creates and starts a new actor
func (s *System) Spawn(ctx context.Context, id string, actor Actor, mailboxSize int) (*ActorRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actors[id]; exists {
		return nil, fmt.Errorf("actor with id %s already exists", id)
	}

	ref := NewActorRef(id, actor, mailboxSize)
	if err := ref.Start(ctx); err != nil {
		return nil, err
	}

	s.actors[id] = ref
	return ref, nil
}

// Get retrieves an actor reference by ID
func (s *System) Get(id string) (*ActorRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.actors[id]
	return ref, ok
}

// Len returns the number of running actors.
func (s *System) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}

// Stop stops an actor by ID
func (s *System) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	ref, exists := s.actors[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("actor %s not found", id)
	}
	delete(s.actors, id)
	s.mu.Unlock()

	return ref.Stop(ctx)
}

// StopAll stops all actors in the system
func (s *System) StopAll(ctx context.Context) error {
	s.mu.Lock()
	actors := make([]*ActorRef, 0, len(s.actors))
	for _, ref := range s.actors {
		actors = append(actors, ref)
	}
	s.actors = make(map[string]*ActorRef)
	s.mu.Unlock()

	var firstErr error
	for _, ref := range actors {
		if err := ref.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
