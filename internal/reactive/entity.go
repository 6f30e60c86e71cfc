// Package reactive holds the shared, mutable mirrors of server-side records.
//
// An Entity is never replaced once handed out: every holder keeps the same pointer and
// sees later changes through Merge/Set, optionally receiving a callback via Observe.
package reactive

import (
	"encoding/json"
	"sort"
	"sync"
)

// Observer is called after an entity changed. changed lists the keys written by the mutation.
type Observer func(e *Entity, changed []string)

// Entity is a shared record mirroring server state for one id.
type Entity struct {
	id int64

	mu        sync.RWMutex
	fields    map[string]any
	observers map[uint64]Observer
	order     []uint64
	nextObs   uint64
}

// NewEntity creates an entity with the given id and initial fields.
func NewEntity(id int64, fields map[string]any) *Entity {
	e := &Entity{
		id:        id,
		fields:    make(map[string]any, len(fields)+1),
		observers: make(map[uint64]Observer),
	}
	for k, v := range fields {
		e.fields[k] = v
	}
	e.fields["id"] = id
	return e
}

// ID returns the entity id. It never changes.
func (e *Entity) ID() int64 {
	return e.id
}

// Merge writes every key of patch into the entity in place. The "id" key is ignored.
func (e *Entity) Merge(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	e.mu.Lock()
	changed := make([]string, 0, len(patch))
	for k, v := range patch {
		if k == "id" {
			continue
		}
		e.fields[k] = v
		changed = append(changed, k)
	}
	e.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)
	e.notify(changed)
}

// MergeJSON decodes a JSON object and merges it.
func (e *Entity) MergeJSON(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return err
	}
	e.Merge(patch)
	return nil
}

// Set writes a single field.
func (e *Entity) Set(key string, value any) {
	e.Merge(map[string]any{key: value})
}

// Get returns a field value.
func (e *Entity) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.fields[key]
	return v, ok
}

// String returns a string field or "".
func (e *Entity) String(key string) string {
	v, _ := e.Get(key)
	s, _ := v.(string)
	return s
}

// Int returns a numeric field as int64. JSON numbers decode as float64, so both are accepted.
func (e *Entity) Int(key string) int64 {
	v, _ := e.Get(key)
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

// Bool returns a boolean field or false.
func (e *Entity) Bool(key string) bool {
	v, _ := e.Get(key)
	b, _ := v.(bool)
	return b
}

// Snapshot returns a copy of the current fields.
func (e *Entity) Snapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

// Observe registers fn and returns a function that removes it.
func (e *Entity) Observe(fn Observer) (cancel func()) {
	e.mu.Lock()
	e.nextObs++
	id := e.nextObs
	e.observers[id] = fn
	e.order = append(e.order, id)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.observers, id)
			for i, oid := range e.order {
				if oid == id {
					e.order = append(e.order[:i], e.order[i+1:]...)
					break
				}
			}
			e.mu.Unlock()
		})
	}
}

// Observers returns the number of attached observers.
func (e *Entity) Observers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.observers)
}

// Notify runs the observers without a field change (used when a related pointer moved).
func (e *Entity) Notify(changed ...string) {
	e.notify(changed)
}

func (e *Entity) notify(changed []string) {
	e.mu.RLock()
	fns := make([]Observer, 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.observers[id])
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(e, changed)
	}
}

// MarshalJSON encodes the current fields.
func (e *Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Snapshot())
}
