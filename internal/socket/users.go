package socket

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/codefionn/winichat/internal/dispatch"
	"github.com/codefionn/winichat/internal/logger"
	"github.com/codefionn/winichat/internal/reactive"
	"github.com/codefionn/winichat/internal/registry"
)

// Built-in user events.
const (
	UserProfileEdited = "profile_edited"
	UserJoint         = "joint"
	UserLeft          = "left"
)

// Presence values stored in the "status" field of a user entity.
const (
	StatusOffline int64 = 0
	StatusOnline  int64 = 1
)

// Users keeps one shared entity per watched user and applies profile and presence
// events to it. Other user events (new_chat, new_msg, ...) go to listeners only.
type Users struct {
	sock   sender
	selfID int64
	log    *logger.Logger

	refs      *registry.Registry[int64, *reactive.Entity]
	listeners *dispatch.Multi[UserEvent]

	selfMu      sync.RWMutex
	self        *reactive.Entity
	selfUpdated atomic.Bool
}

func newUsers(sock sender, selfID int64, log *logger.Logger) *Users {
	u := &Users{
		sock:      sock,
		selfID:    selfID,
		log:       log,
		listeners: dispatch.NewMulti[UserEvent](log),
	}
	u.refs = registry.New(registry.Options[int64, *reactive.Entity]{
		Create: func(id int64) *reactive.Entity {
			return reactive.NewEntity(id, nil)
		},
		OnAcquire: func(id int64, _ *reactive.Entity) {
			u.send(Frame{EventType: TypeUser, Event: "watch", UserID: id})
		},
		OnRelease: func(id int64, _ *reactive.Entity) {
			u.send(Frame{EventType: TypeUser, Event: "leave", UserID: id})
		},
	})
	return u
}

func (u *Users) send(f Frame) {
	if err := u.sock.Send(f); err != nil {
		u.log.Warn("send %s %d: %v", f.Event, f.UserID, err)
	}
}

// Watch returns the shared entity of user id. The first watcher subscribes upstream.
func (u *Users) Watch(id int64) *reactive.Entity {
	if u == nil {
		return nil
	}
	return u.refs.Watch(id)
}

// Leave drops one reference to user id. The last one unsubscribes upstream.
func (u *Users) Leave(id int64) {
	if u == nil {
		return
	}
	u.refs.Unwatch(id)
}

// Lookup returns the watched entity of user id, if any.
func (u *Users) Lookup(id int64) (*reactive.Entity, bool) {
	if u == nil {
		return nil, false
	}
	return u.refs.Lookup(id)
}

// Refresh merges patch into the watched entity of user id. It reports false if
// nobody watches the user.
func (u *Users) Refresh(id int64, patch map[string]any) bool {
	if u == nil {
		return false
	}
	return u.refs.Refresh(id, func(e *reactive.Entity) { e.Merge(patch) })
}

// Watching returns the number of references held on user id.
func (u *Users) Watching(id int64) int {
	if u == nil {
		return 0
	}
	return u.refs.Count(id)
}

// SetSelf binds the session user entity. Self-originated events are merged into it too.
func (u *Users) SetSelf(e *reactive.Entity) {
	u.selfMu.Lock()
	u.self = e
	u.selfMu.Unlock()
}

// SelfUpdated reports whether an event about the session user arrived since the
// last ResetSelfUpdated.
func (u *Users) SelfUpdated() bool {
	return u.selfUpdated.Load()
}

// ResetSelfUpdated clears the self-update flag.
func (u *Users) ResetSelfUpdated() {
	u.selfUpdated.Store(false)
}

// On registers fn for a user event.
func (u *Users) On(event string, fn func(UserEvent)) dispatch.ListenerID {
	return u.listeners.On(event, fn)
}

// Off removes a listener registered with On.
func (u *Users) Off(event string, id dispatch.ListenerID) bool {
	return u.listeners.Off(event, id)
}

// Handle implements Handler.
func (u *Users) Handle(event string, data json.RawMessage) error {
	ev := UserEvent{Event: event, Raw: data}

	var patch map[string]any
	switch event {
	case UserProfileEdited, UserJoint, UserLeft:
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", event, err)
		}
		ev.Event = event
		ev.Raw = data
		switch event {
		case UserProfileEdited:
			if len(ev.Data) > 0 {
				if err := json.Unmarshal(ev.Data, &patch); err != nil {
					return fmt.Errorf("decode profile patch: %w", err)
				}
			}
		case UserJoint:
			patch = map[string]any{"status": StatusOnline}
		case UserLeft:
			patch = map[string]any{"status": StatusOffline}
		}
		u.apply(ev.UserID, patch)
	}

	u.listeners.Emit(event, ev)
	return nil
}

func (u *Users) apply(id int64, patch map[string]any) {
	if id == u.selfID {
		u.selfUpdated.Store(true)
	}
	if len(patch) == 0 {
		return
	}
	if !u.refs.Refresh(id, func(e *reactive.Entity) { e.Merge(patch) }) {
		u.log.Debug("event for unwatched user %d", id)
	}
	if id != u.selfID {
		return
	}
	u.selfMu.RLock()
	self := u.self
	u.selfMu.RUnlock()
	if self != nil {
		self.Merge(patch)
	}
}
