// Package registry tracks interest in remote entities by key and shares one value
// between all watchers of the same key.
package registry

import "sync"

// Options configures a Registry.
type Options[K comparable, V any] struct {
	// Create builds the shared value on the first Watch of a key.
	Create func(key K) V
	// OnAcquire runs once per net acquire, right after Create.
	OnAcquire func(key K, value V)
	// OnRelease runs once per net release, after the value left the registry.
	OnRelease func(key K, value V)
}

type handle[V any] struct {
	target   V
	refCount int
}

// Registry is a reference-counted map of watched values.
//
// A key is present iff it was watched more often than unwatched. OnAcquire and OnRelease
// run while the registry lock is held so the frames they send keep the watch/leave order.
// They must not call back into the same registry.
type Registry[K comparable, V any] struct {
	mu      sync.Mutex
	handles map[K]*handle[V]
	opts    Options[K, V]
}

// New creates an empty registry.
func New[K comparable, V any](opts Options[K, V]) *Registry[K, V] {
	return &Registry[K, V]{
		handles: make(map[K]*handle[V]),
		opts:    opts,
	}
}

// Watch returns the shared value for key, creating it on first use, and increments its count.
func (r *Registry[K, V]) Watch(key K) V {
	v, _ := r.watch(key)
	return v
}

// WatchNew is Watch that also reports whether this call created the value.
func (r *Registry[K, V]) WatchNew(key K) (V, bool) {
	return r.watch(key)
}

func (r *Registry[K, V]) watch(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		h.refCount++
		return h.target, false
	}

	var v V
	if r.opts.Create != nil {
		v = r.opts.Create(key)
	}
	r.handles[key] = &handle[V]{target: v, refCount: 1}
	if r.opts.OnAcquire != nil {
		r.opts.OnAcquire(key, v)
	}
	return v, true
}

// Unwatch decrements the count for key and removes the value when it reaches zero.
// It reports whether the value was released. Unknown keys are ignored.
func (r *Registry[K, V]) Unwatch(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[key]
	if !ok {
		return false
	}
	h.refCount--
	if h.refCount > 0 {
		return false
	}
	delete(r.handles, key)
	if r.opts.OnRelease != nil {
		r.opts.OnRelease(key, h.target)
	}
	return true
}

// Drop removes key regardless of its count.
func (r *Registry[K, V]) Drop(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(r.handles, key)
	if r.opts.OnRelease != nil {
		r.opts.OnRelease(key, h.target)
	}
	return h.target, true
}

// Lookup returns the live value for key without changing its count.
func (r *Registry[K, V]) Lookup(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[key]; ok {
		return h.target, true
	}
	var zero V
	return zero, false
}

// Refresh calls fn with the live value for key. Nothing happens when key is not watched.
func (r *Registry[K, V]) Refresh(key K, fn func(V)) bool {
	v, ok := r.Lookup(key)
	if !ok {
		return false
	}
	fn(v)
	return true
}

// Count returns the number of outstanding watches for key.
func (r *Registry[K, V]) Count(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[key]; ok {
		return h.refCount
	}
	return 0
}

// Len returns the number of watched keys.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Keys returns the watched keys in no particular order.
func (r *Registry[K, V]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]K, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	return keys
}

// Each calls fn for every watched key. fn must not call back into the registry.
func (r *Registry[K, V]) Each(fn func(K, V)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, h := range r.handles {
		fn(k, h.target)
	}
}

// Clear forgets every key without running OnRelease.
func (r *Registry[K, V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = make(map[K]*handle[V])
}
