// Package dispatch maps event names to listeners.
//
// Single keeps at most one handler per event (the latest registration wins). Multi keeps a
// set per event so several observers can follow the same event. Listener panics are
// recovered and logged; they never stop delivery to the remaining listeners.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/codefionn/winichat/internal/logger"
)

// Listener receives the payload of one event.
type Listener[T any] func(T)

// ListenerID identifies a Multi registration so it can be removed again.
type ListenerID uint64

// Single is a one-handler-per-event dispatcher.
type Single[T any] struct {
	mu       sync.RWMutex
	handlers map[string]Listener[T]
	log      *logger.Logger
}

// NewSingle creates a single-slot dispatcher.
func NewSingle[T any](log *logger.Logger) *Single[T] {
	if log == nil {
		log = logger.Global()
	}
	return &Single[T]{handlers: make(map[string]Listener[T]), log: log}
}

// On sets the handler for event, replacing any previous one.
func (s *Single[T]) On(event string, fn Listener[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = fn
}

// Off removes the handler for event.
func (s *Single[T]) Off(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

// Has reports whether event has a handler.
func (s *Single[T]) Has(event string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[event]
	return ok
}

// Emit calls the handler for event. It reports whether a handler ran without panicking.
func (s *Single[T]) Emit(event string, data T) bool {
	s.mu.RLock()
	fn, ok := s.handlers[event]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return call(s.log, event, fn, data) == nil
}

// Multi is a many-listeners-per-event dispatcher.
type Multi[T any] struct {
	mu     sync.RWMutex
	events map[string]map[ListenerID]Listener[T]
	order  map[string][]ListenerID
	next   ListenerID
	log    *logger.Logger
}

// NewMulti creates a multi-slot dispatcher.
func NewMulti[T any](log *logger.Logger) *Multi[T] {
	if log == nil {
		log = logger.Global()
	}
	return &Multi[T]{
		events: make(map[string]map[ListenerID]Listener[T]),
		order:  make(map[string][]ListenerID),
		log:    log,
	}
}

// On adds fn to the listeners of event.
func (m *Multi[T]) On(event string, fn Listener[T]) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	id := m.next
	set, ok := m.events[event]
	if !ok {
		set = make(map[ListenerID]Listener[T])
		m.events[event] = set
	}
	set[id] = fn
	m.order[event] = append(m.order[event], id)
	return id
}

// Off removes one listener. Removing the last listener of an event deletes the event entry.
func (m *Multi[T]) Off(event string, id ListenerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.events[event]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)

	ids := m.order[event]
	for i, lid := range ids {
		if lid == id {
			m.order[event] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(set) == 0 {
		delete(m.events, event)
		delete(m.order, event)
	}
	return true
}

// OffAll removes every listener of event.
func (m *Multi[T]) OffAll(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, event)
	delete(m.order, event)
}

// Count returns the number of listeners for event.
func (m *Multi[T]) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[event])
}

// Events returns the number of events that currently have listeners.
func (m *Multi[T]) Events() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Emit calls every listener of event in registration order and returns how many
// completed without panicking.
func (m *Multi[T]) Emit(event string, data T) int {
	m.mu.RLock()
	ids := m.order[event]
	fns := make([]Listener[T], 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.events[event][id])
	}
	m.mu.RUnlock()

	delivered := 0
	for _, fn := range fns {
		if call(m.log, event, fn, data) == nil {
			delivered++
		}
	}
	return delivered
}

func call[T any](log *logger.Logger, event string, fn Listener[T], data T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener for %q panicked: %v", event, r)
			log.Error("%v", err)
		}
	}()
	fn(data)
	return nil
}
