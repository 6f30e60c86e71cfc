// Package localstore is the client's persistent key-value storage. The session keeps
// its tokens here so a restart resumes the login.
package localstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Backends accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ErrClosed is returned by a closed store.
var ErrClosed = errors.New("store closed")

// Store is a string key-value store.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Clear() error
	Close() error
}

// Change describes a key written by another process.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// Open creates the store selected by backend. passphrase encrypts the file backend
// when non-empty.
func Open(backend, path, passphrase string) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendFile:
		return OpenFile(path, passphrase)
	case BackendSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// Memory is a Store that lives only as long as the process.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data = make(map[string]string)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// diff lists the changes turning old into cur, in key order.
func diff(old, cur map[string]string) []Change {
	var out []Change
	for k, v := range cur {
		if ov, ok := old[k]; !ok || ov != v {
			out = append(out, Change{Key: k, Value: v})
		}
	}
	for k := range old {
		if _, ok := cur[k]; !ok {
			out = append(out, Change{Key: k, Deleted: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
