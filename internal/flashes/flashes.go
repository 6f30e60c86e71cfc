// Package flashes is the queue of transient user-facing notices.
package flashes

import (
	"errors"
	"sync"
	"time"

	"github.com/codefionn/winichat/internal/dispatch"
	"github.com/codefionn/winichat/internal/httpapi"
	"github.com/codefionn/winichat/internal/logger"
)

// DefaultTimeout is the interval at which the oldest flash is removed.
const DefaultTimeout = 3500 * time.Millisecond

const (
	// DefaultRequestError is shown for failed requests without a readable body.
	DefaultRequestError = "Error occurred while processing the request."
	// DefaultError is shown by Error without a message.
	DefaultError = "Something went wrong"
)

const changed = "changed"

// Level is the severity of a flash.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Flash is one notice.
type Flash struct {
	ID      int
	Message string
	Level   Level
	Created time.Time
}

// Queue holds the visible flashes. While it is not empty a cleaner removes the
// oldest flash every timeout.
type Queue struct {
	timeout time.Duration
	log     *logger.Logger

	mu      sync.Mutex
	nextID  int
	items   []Flash
	running bool
	stop    chan struct{}
	closed  bool

	subs *dispatch.Multi[[]Flash]
}

// New creates a queue. A non-positive timeout uses DefaultTimeout.
func New(timeout time.Duration, log *logger.Logger) *Queue {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Global().WithPrefix("flashes")
	}
	return &Queue{
		timeout: timeout,
		log:     log,
		nextID:  1,
		stop:    make(chan struct{}),
		subs:    dispatch.NewMulti[[]Flash](log),
	}
}

// Alert adds one flash per message and returns their ids.
func (q *Queue) Alert(level Level, messages ...string) []int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	ids := make([]int, 0, len(messages))
	now := time.Now()
	for _, m := range messages {
		f := Flash{ID: q.nextID, Message: m, Level: level, Created: now}
		q.nextID++
		q.items = append(q.items, f)
		ids = append(ids, f.ID)
	}
	q.startCleaner()
	snapshot := q.snapshot()
	q.mu.Unlock()

	for _, m := range messages {
		if level == LevelError {
			q.log.Warn("flash: %s", m)
		} else {
			q.log.Debug("flash %s: %s", level, m)
		}
	}
	q.subs.Emit(changed, snapshot)
	return ids
}

// Success flashes success messages.
func (q *Queue) Success(messages ...string) []int {
	return q.Alert(LevelSuccess, messages...)
}

// Info flashes info messages.
func (q *Queue) Info(messages ...string) []int {
	return q.Alert(LevelInfo, messages...)
}

// Warning flashes warnings.
func (q *Queue) Warning(messages ...string) []int {
	return q.Alert(LevelWarning, messages...)
}

// Error flashes errors. Without messages it shows DefaultError.
func (q *Queue) Error(messages ...string) []int {
	if len(messages) == 0 {
		messages = []string{DefaultError}
	}
	return q.Alert(LevelError, messages...)
}

// APIError flashes the field errors of a failed API call, or
// DefaultRequestError when the response carried none.
func (q *Queue) APIError(err error) []int {
	var apiErr *httpapi.APIError
	if errors.As(err, &apiErr) {
		if msgs := apiErr.Messages(); len(msgs) > 0 {
			return q.Error(msgs...)
		}
	}
	return q.Error(DefaultRequestError)
}

// Remove deletes the flash with id. Emptying the queue restarts ids at 1.
func (q *Queue) Remove(id int) bool {
	q.mu.Lock()
	removed := q.remove(id)
	snapshot := q.snapshot()
	q.mu.Unlock()

	if removed {
		q.subs.Emit(changed, snapshot)
	}
	return removed
}

func (q *Queue) remove(id int) bool {
	for i, f := range q.items {
		if f.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			if len(q.items) == 0 {
				q.nextID = 1
			}
			return true
		}
	}
	return false
}

// List returns the visible flashes, oldest first.
func (q *Queue) List() []Flash {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

// Len returns the number of visible flashes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Subscribe registers fn for every change of the visible flashes.
func (q *Queue) Subscribe(fn func([]Flash)) dispatch.ListenerID {
	return q.subs.On(changed, fn)
}

// Unsubscribe removes a subscription.
func (q *Queue) Unsubscribe(id dispatch.ListenerID) {
	q.subs.Off(changed, id)
}

// Close stops the cleaner. Later alerts are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.stop)
}

func (q *Queue) snapshot() []Flash {
	return append([]Flash(nil), q.items...)
}

// startCleaner must be called with q.mu held.
func (q *Queue) startCleaner() {
	if q.running || len(q.items) == 0 {
		return
	}
	q.running = true
	go q.clean()
}

func (q *Queue) clean() {
	ticker := time.NewTicker(q.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		q.remove(q.items[0].ID)
		snapshot := q.snapshot()
		q.mu.Unlock()

		q.subs.Emit(changed, snapshot)
	}
}
