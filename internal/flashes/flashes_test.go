package flashes

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/winichat/internal/httpapi"
	"github.com/codefionn/winichat/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertAssignsIncreasingIDs(t *testing.T) {
	q := New(time.Hour, logger.Discard())
	defer q.Close()

	ids := q.Info("a", "b")
	ids = append(ids, q.Success("c")...)
	assert.Equal(t, []int{1, 2, 3}, ids)

	list := q.List()
	require.Len(t, list, 3)
	assert.Equal(t, LevelInfo, list[0].Level)
	assert.Equal(t, "c", list[2].Message)
	assert.Equal(t, LevelSuccess, list[2].Level)
}

func TestErrorDefaults(t *testing.T) {
	q := New(time.Hour, logger.Discard())
	defer q.Close()

	q.Error()
	assert.Equal(t, DefaultError, q.List()[0].Message)
}

func TestAPIErrorFlattensFieldErrors(t *testing.T) {
	q := New(time.Hour, logger.Discard())
	defer q.Close()

	apiErr := &httpapi.APIError{Status: 400, Data: map[string]any{
		"content": []any{"This field may not be blank."},
		"files":   "Too large.",
	}}
	q.APIError(apiErr)
	q.APIError(errors.New("dial tcp: connection refused"))
	q.APIError(&httpapi.APIError{Status: 500})

	var msgs []string
	for _, f := range q.List() {
		assert.Equal(t, LevelError, f.Level)
		msgs = append(msgs, f.Message)
	}
	assert.Equal(t, []string{
		"This field may not be blank.",
		"Too large.",
		DefaultRequestError,
		DefaultRequestError,
	}, msgs)
}

func TestRemoveResetsIDsWhenEmpty(t *testing.T) {
	q := New(time.Hour, logger.Discard())
	defer q.Close()

	ids := q.Info("a", "b")
	assert.True(t, q.Remove(ids[0]))
	assert.False(t, q.Remove(ids[0]))
	assert.True(t, q.Remove(ids[1]))
	assert.Equal(t, 0, q.Len())

	assert.Equal(t, []int{1}, q.Warning("again"))
}

func TestCleanerRemovesOldestEachTick(t *testing.T) {
	q := New(20*time.Millisecond, logger.Discard())
	defer q.Close()

	var mu sync.Mutex
	var sizes []int
	q.Subscribe(func(list []Flash) {
		mu.Lock()
		sizes = append(sizes, len(list))
		mu.Unlock()
	})

	q.Info("first", "second")
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "second", q.List()[0].Message)
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{2, 1, 0}, sizes)
	mu.Unlock()

	q.Info("later")
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClosedQueueDropsAlerts(t *testing.T) {
	q := New(time.Hour, logger.Discard())
	q.Close()
	q.Close()
	assert.Nil(t, q.Info("x"))
	assert.Equal(t, 0, q.Len())
}
