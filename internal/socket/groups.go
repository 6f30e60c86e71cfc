package socket

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/codefionn/winichat/internal/dispatch"
	"github.com/codefionn/winichat/internal/logger"
	"github.com/codefionn/winichat/internal/reactive"
	"github.com/codefionn/winichat/internal/registry"
)

// Group events.
const (
	GroupNewMembers    = "new_members"
	GroupRemoveMembers = "remove_members"
	GroupBan           = "ban"
	GroupUnban         = "unban"
	GroupNewRole       = "new_role"
	GroupRoleUpdated   = "role_updated"
	GroupChangeRole    = "change_role"
	GroupDelRole       = "del_role"
	GroupNewMsg        = "new_msg"
	GroupEditMsg       = "edit_msg"
	GroupDelMsg        = "del_msg"
)

// GroupHandlers are the message callbacks of one group subscription.
type GroupHandlers struct {
	OnNew    func(msg json.RawMessage)
	OnEdit   func(patch MessagePatch)
	OnDelete func(msgID int64)
}

// GroupSubscription is returned by Groups.Connect.
type GroupSubscription struct {
	groupID int64
	ids     map[string]dispatch.ListenerID
}

// GroupID returns the subscribed group.
func (s *GroupSubscription) GroupID() int64 {
	return s.groupID
}

type roleKey struct {
	group int64
	role  int64
}

type memberKey struct {
	group int64
	user  int64
}

// Member is a watched group membership. Its role is a shared role entity, so a
// role patch is seen by every member holding it.
type Member struct {
	*reactive.Entity
	groupID int64

	mu   sync.RWMutex
	role *reactive.Entity
}

// GroupID returns the group of the membership.
func (m *Member) GroupID() int64 {
	return m.groupID
}

// Role returns the current role entity, or nil.
func (m *Member) Role() *reactive.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role
}

// RoleID returns the id of the current role, or 0.
func (m *Member) RoleID() int64 {
	if r := m.Role(); r != nil {
		return r.ID()
	}
	return 0
}

// Removed reports whether the member was removed from the group.
func (m *Member) Removed() bool {
	return m.Bool("removed")
}

func (m *Member) swapRole(r *reactive.Entity) *reactive.Entity {
	m.mu.Lock()
	old := m.role
	m.role = r
	m.mu.Unlock()
	return old
}

// Groups subscribes to groups and keeps the shared role and member entities of
// watched groups consistent with role and membership events.
type Groups struct {
	sock sender
	log  *logger.Logger

	conns     *registry.Registry[int64, struct{}]
	listeners *dispatch.Multi[GroupEvent]
	generals  *dispatch.Single[GroupEvent]

	roles   *registry.Registry[roleKey, *reactive.Entity]
	members *registry.Registry[memberKey, *Member]
}

func newGroups(sock sender, log *logger.Logger) *Groups {
	g := &Groups{
		sock:      sock,
		log:       log,
		listeners: dispatch.NewMulti[GroupEvent](log),
		generals:  dispatch.NewSingle[GroupEvent](log),
	}
	g.conns = registry.New(registry.Options[int64, struct{}]{
		OnAcquire: func(id int64, _ struct{}) {
			g.send(Frame{EventType: TypeGroup, Event: "connect", GroupID: id})
		},
		OnRelease: func(id int64, _ struct{}) {
			g.send(Frame{EventType: TypeGroup, Event: "disconnect", GroupID: id})
		},
	})
	// Roles are tracked locally; the server sends role events to every connected group.
	g.roles = registry.New(registry.Options[roleKey, *reactive.Entity]{
		Create: func(k roleKey) *reactive.Entity {
			return reactive.NewEntity(k.role, nil)
		},
	})
	g.members = registry.New(registry.Options[memberKey, *Member]{
		Create: func(k memberKey) *Member {
			return &Member{Entity: reactive.NewEntity(k.user, nil), groupID: k.group}
		},
		OnRelease: func(k memberKey, m *Member) {
			if old := m.swapRole(nil); old != nil {
				g.roles.Unwatch(roleKey{group: k.group, role: old.ID()})
			}
		},
	})

	g.SetGeneral(GroupRoleUpdated, g.onRoleUpdated)
	g.SetGeneral(GroupDelRole, g.onDelRole)
	g.SetGeneral(GroupChangeRole, g.onChangeRole)
	g.SetGeneral(GroupRemoveMembers, g.onRemoveMembers)
	return g
}

func (g *Groups) send(f Frame) {
	if err := g.sock.Send(f); err != nil {
		g.log.Warn("send %s %d: %v", f.Event, f.GroupID, err)
	}
}

func groupEvent(groupID int64, event string) string {
	return strconv.FormatInt(groupID, 10) + ":" + event
}

// Connect subscribes to groupID and registers the message callbacks of h.
func (g *Groups) Connect(groupID int64, h GroupHandlers) *GroupSubscription {
	if g == nil {
		return nil
	}
	sub := &GroupSubscription{groupID: groupID, ids: make(map[string]dispatch.ListenerID)}
	if h.OnNew != nil {
		fn := h.OnNew
		sub.ids[GroupNewMsg] = g.On(groupID, GroupNewMsg, func(ev GroupEvent) { fn(ev.Data) })
	}
	if h.OnEdit != nil {
		fn := h.OnEdit
		sub.ids[GroupEditMsg] = g.On(groupID, GroupEditMsg, func(ev GroupEvent) {
			var p MessagePatch
			if err := json.Unmarshal(ev.Data, &p); err != nil {
				g.log.Warn("group %d edit: %v", groupID, err)
				return
			}
			fn(p)
		})
	}
	if h.OnDelete != nil {
		fn := h.OnDelete
		sub.ids[GroupDelMsg] = g.On(groupID, GroupDelMsg, func(ev GroupEvent) {
			var ref messageRef
			if err := json.Unmarshal(ev.Data, &ref); err != nil {
				g.log.Warn("group %d delete: %v", groupID, err)
				return
			}
			fn(ref.MsgID)
		})
	}
	g.conns.Watch(groupID)
	return sub
}

// Disconnect removes the callbacks of sub and releases its connection.
func (g *Groups) Disconnect(sub *GroupSubscription) {
	if g == nil || sub == nil || sub.ids == nil {
		return
	}
	for event, id := range sub.ids {
		g.Off(sub.groupID, event, id)
	}
	sub.ids = nil
	g.conns.Unwatch(sub.groupID)
}

// Connected returns the number of subscriptions on groupID.
func (g *Groups) Connected(groupID int64) int {
	if g == nil {
		return 0
	}
	return g.conns.Count(groupID)
}

// On registers a per-group listener for event.
func (g *Groups) On(groupID int64, event string, fn func(GroupEvent)) dispatch.ListenerID {
	return g.listeners.On(groupEvent(groupID, event), fn)
}

// Off removes a per-group listener.
func (g *Groups) Off(groupID int64, event string, id dispatch.ListenerID) bool {
	return g.listeners.Off(groupEvent(groupID, event), id)
}

// SetGeneral installs the general handler of event, which runs for every group
// after the per-group listeners. It replaces any previous handler.
func (g *Groups) SetGeneral(event string, fn func(GroupEvent)) {
	g.generals.On(event, fn)
}

// WatchRole returns the shared role entity of roleID in groupID.
func (g *Groups) WatchRole(groupID, roleID int64) *reactive.Entity {
	if g == nil {
		return nil
	}
	return g.roles.Watch(roleKey{group: groupID, role: roleID})
}

// LeaveRole drops one reference to a role.
func (g *Groups) LeaveRole(groupID, roleID int64) {
	if g == nil {
		return
	}
	g.roles.Unwatch(roleKey{group: groupID, role: roleID})
}

// RefreshRole merges patch into a watched role.
func (g *Groups) RefreshRole(groupID, roleID int64, patch map[string]any) bool {
	if g == nil {
		return false
	}
	return g.roles.Refresh(roleKey{group: groupID, role: roleID}, func(e *reactive.Entity) { e.Merge(patch) })
}

// WatchMember returns the shared membership of userID in groupID. roleID is only
// used when the membership is created or was removed from the group.
func (g *Groups) WatchMember(groupID, userID, roleID int64) *Member {
	if g == nil {
		return nil
	}
	m, created := g.members.WatchNew(memberKey{group: groupID, user: userID})
	if !created && m.Removed() {
		m.Set("removed", false)
		created = m.Role() == nil
	}
	if created && roleID != 0 {
		g.assignRole(m, roleID, nil)
	}
	return m
}

// LeaveMember drops one reference to a membership.
func (g *Groups) LeaveMember(groupID, userID int64) {
	if g == nil {
		return
	}
	g.members.Unwatch(memberKey{group: groupID, user: userID})
}

// LookupMember returns a watched membership.
func (g *Groups) LookupMember(groupID, userID int64) (*Member, bool) {
	if g == nil {
		return nil, false
	}
	return g.members.Lookup(memberKey{group: groupID, user: userID})
}

// Posted tells the other group members that msg was created.
func (g *Groups) Posted(groupID int64, msg any) error {
	return g.broadcast(Frame{EventType: TypeGroup, Event: "send", GroupID: groupID}, msg)
}

// Edited tells the other group members that a message changed.
func (g *Groups) Edited(groupID, msgID int64, patch any) error {
	return g.broadcast(Frame{EventType: TypeGroup, Event: GroupEditMsg, GroupID: groupID, MsgID: msgID}, patch)
}

// Deleted tells the other group members that a message was removed.
func (g *Groups) Deleted(groupID, msgID int64) error {
	return g.broadcast(Frame{EventType: TypeGroup, Event: GroupDelMsg, GroupID: groupID, MsgID: msgID}, nil)
}

func (g *Groups) broadcast(f Frame, data any) error {
	if g == nil {
		return ErrClosed
	}
	f, err := f.WithData(data)
	if err != nil {
		return err
	}
	return g.sock.Send(f)
}

// Handle implements Handler. Per-group listeners run first, then the general
// handler; a panicking listener stops neither.
func (g *Groups) Handle(event string, data json.RawMessage) error {
	var ev GroupEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode %s: %w", event, err)
	}
	ev.Event = event

	g.listeners.Emit(groupEvent(ev.GroupID, event), ev)
	g.generals.Emit(event, ev)
	return nil
}

func (g *Groups) assignRole(m *Member, roleID int64, patch map[string]any) {
	role := g.roles.Watch(roleKey{group: m.groupID, role: roleID})
	if len(patch) > 0 {
		role.Merge(patch)
	}
	old := m.swapRole(role)
	if old != nil {
		g.roles.Unwatch(roleKey{group: m.groupID, role: old.ID()})
	}
	m.Notify("role")
}

func (g *Groups) onRoleUpdated(ev GroupEvent) {
	patch, err := decodeObject(ev.Data)
	if err != nil {
		g.log.Warn("role_updated in group %d: %v", ev.GroupID, err)
		return
	}
	g.RefreshRole(ev.GroupID, ev.RoleID, patch)
}

func (g *Groups) onDelRole(ev GroupEvent) {
	newRole, err := decodeObject(ev.Data)
	if err != nil {
		g.log.Warn("del_role in group %d: %v", ev.GroupID, err)
		return
	}
	newID := idOf(newRole)
	if newID == 0 {
		g.log.Warn("del_role in group %d: replacement role has no id", ev.GroupID)
		return
	}

	var affected []*Member
	g.members.Each(func(k memberKey, m *Member) {
		if k.group == ev.GroupID && m.RoleID() == ev.RoleID {
			affected = append(affected, m)
		}
	})
	for _, m := range affected {
		g.assignRole(m, newID, newRole)
	}
	g.roles.Refresh(roleKey{group: ev.GroupID, role: ev.RoleID}, func(e *reactive.Entity) {
		e.Set("deleted", true)
	})
}

func (g *Groups) onChangeRole(ev GroupEvent) {
	role, err := decodeObject(ev.Data)
	if err != nil {
		g.log.Warn("change_role in group %d: %v", ev.GroupID, err)
		return
	}
	m, ok := g.members.Lookup(memberKey{group: ev.GroupID, user: ev.UserID})
	if !ok {
		return
	}
	if id := idOf(role); id != 0 {
		g.assignRole(m, id, role)
	}
}

func (g *Groups) onRemoveMembers(ev GroupEvent) {
	var ids []int64
	if err := json.Unmarshal(ev.Data, &ids); err != nil {
		g.log.Warn("remove_members in group %d: %v", ev.GroupID, err)
		return
	}
	// Removed members stay watched until their holders leave; only the role is released.
	for _, uid := range ids {
		m, ok := g.members.Lookup(memberKey{group: ev.GroupID, user: uid})
		if !ok {
			continue
		}
		if old := m.swapRole(nil); old != nil {
			g.roles.Unwatch(roleKey{group: ev.GroupID, role: old.ID()})
		}
		m.Set("removed", true)
	}
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func idOf(m map[string]any) int64 {
	switch v := m["id"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
