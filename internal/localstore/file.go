package localstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/winichat/internal/lockfile"
	"github.com/codefionn/winichat/internal/logger"
	"github.com/codefionn/winichat/internal/secrets"
	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"
)

// lockTimeout bounds the wait for another process's write.
const lockTimeout = 2 * time.Second

// File is a Store persisted as one JSON document, optionally sealed with a
// passphrase. Every write replaces the file atomically while holding a lock file,
// so clients sharing the file do not lose each other's keys.
type File struct {
	path string
	box  *secrets.Box
	log  *logger.Logger

	mu       sync.Mutex
	data     map[string]string
	hash     uint64
	closed   bool
	watchers map[int]func(Change)
	nextSub  int
}

// OpenFile loads path, creating its directory if needed. A missing file is an empty
// store.
func OpenFile(path, passphrase string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("file store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	f := &File{
		path: path,
		box:  secrets.NewBox(passphrase),
		log:  logger.Global().WithPrefix("localstore"),
		data: make(map[string]string),
	}

	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(raw) > 0 {
		data, err := f.decode(raw)
		if err != nil {
			return nil, fmt.Errorf("file store %s: %w", path, err)
		}
		f.data = data
		f.hash = xxhash.Sum64(raw)
	}
	return f, nil
}

// Path returns the backing file.
func (f *File) Path() string {
	return f.path
}

func (f *File) decode(raw []byte) (map[string]string, error) {
	if secrets.IsSealed(raw) {
		if !f.box.Enabled() {
			return nil, secrets.ErrNoPassphrase
		}
		plain, err := f.box.Open(raw)
		if err != nil {
			return nil, err
		}
		raw = plain
	}
	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (f *File) encode(data map[string]string) ([]byte, error) {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, err
	}
	if f.box.Enabled() {
		return f.box.Seal(raw)
	}
	return raw, nil
}

// persist must be called with f.mu held.
func (f *File) persist(next map[string]string) error {
	raw, err := f.encode(next)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	f.data = next
	f.hash = xxhash.Sum64(raw)
	return nil
}

func (f *File) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", false, ErrClosed
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *File) Set(key, value string) error {
	return f.update(func(data map[string]string) bool {
		if v, ok := data[key]; ok && v == value {
			return false
		}
		data[key] = value
		return true
	})
}

func (f *File) Delete(key string) error {
	return f.update(func(data map[string]string) bool {
		if _, ok := data[key]; !ok {
			return false
		}
		delete(data, key)
		return true
	})
}

func (f *File) Clear() error {
	return f.update(func(data map[string]string) bool {
		clear(data)
		return true
	})
}

// update applies fn to the latest contents of the file under the lock file.
// Changes made by other writers since the last read are reported to the watchers.
func (f *File) update(fn func(map[string]string) bool) error {
	absorbed, err := f.locked(func() error {
		next := maps.Clone(f.data)
		if next == nil {
			next = make(map[string]string)
		}
		if !fn(next) {
			return nil
		}
		return f.persist(next)
	})
	f.notify(absorbed)
	return err
}

func (f *File) locked(fn func() error) ([]Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	lock := lockfile.For(f.path)
	if err := lock.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("lock %s: %w", f.path, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			f.log.Warn("release %s: %v", lock.Path(), err)
		}
	}()

	absorbed := f.refreshLocked()
	return absorbed, fn()
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.box.Destroy()
	}
	return nil
}

// Watch reports keys changed by other writers of the file until ctx is done. Writes
// made through f are not reported.
func (f *File) Watch(ctx context.Context, fn func(Change)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// The directory is watched because atomic writes replace the file.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", f.path, err)
	}

	f.mu.Lock()
	if f.watchers == nil {
		f.watchers = make(map[int]func(Change))
	}
	id := f.nextSub
	f.nextSub++
	f.watchers[id] = fn
	f.mu.Unlock()

	target := filepath.Clean(f.path)
	go func() {
		defer watcher.Close()
		defer func() {
			f.mu.Lock()
			delete(f.watchers, id)
			f.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				f.notify(f.reload())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.log.Error("store watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (f *File) reload() []Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	return f.refreshLocked()
}

// refreshLocked rereads the file and returns what other writers changed. f.mu
// must be held.
func (f *File) refreshLocked() []Change {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.log.Warn("reload %s: %v", f.path, err)
		}
		return nil
	}
	sum := xxhash.Sum64(raw)
	if sum == f.hash {
		return nil
	}
	data, err := f.decode(raw)
	if err != nil {
		// Partial writes by non-atomic writers settle on the next event.
		f.log.Debug("reload %s: %v", f.path, err)
		return nil
	}
	changes := diff(f.data, data)
	f.data = data
	f.hash = sum
	return changes
}

func (f *File) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	f.mu.Lock()
	watchers := make([]func(Change), 0, len(f.watchers))
	for _, fn := range f.watchers {
		watchers = append(watchers, fn)
	}
	f.mu.Unlock()

	for _, fn := range watchers {
		for _, c := range changes {
			fn(c)
		}
	}
}
