package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/codefionn/winichat/internal/conversation"
	"github.com/codefionn/winichat/internal/flashes"
	"github.com/codefionn/winichat/internal/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"-chat", "7", "-user", "wini"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), opts.chatID)
	assert.Equal(t, "wini", opts.username)

	_, err = parseArgs([]string{"-chat", "1", "-group", "2"})
	assert.Error(t, err)
}

func TestPrinterTimelineReadsOldestFirst(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, 1, 0)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	p.Timeline([]conversation.DayView{
		{Day: "2024-03-02", Contexts: []conversation.ContextView{
			{Owner: 1, Messages: []*timeline.Message{{ID: 3, Content: "third", Created: at, Owner: 1}}},
		}},
		{Day: "2024-03-01", Contexts: []conversation.ContextView{
			{Owner: 2, Messages: []*timeline.Message{
				{ID: 2, Content: "second", Created: at, Owner: 2, OwnerName: "bob"},
				{ID: 1, Content: "first", Created: at, Owner: 2, OwnerName: "bob"},
			}},
		}},
	})

	out := buf.String()
	first := strings.Index(out, "first")
	second := strings.Index(out, "second")
	third := strings.Index(out, "third")
	require.True(t, first >= 0 && second >= 0 && third >= 0, out)
	assert.Less(t, first, second)
	assert.Less(t, second, third)
	assert.Less(t, strings.Index(out, "2024-03-01"), strings.Index(out, "2024-03-02"))
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, "user 1")
}

func TestPrinterFlashesOnlyNew(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, 1, 0)

	p.Flashes([]flashes.Flash{{ID: 1, Message: "one", Level: flashes.LevelError}})
	p.Flashes([]flashes.Flash{
		{ID: 1, Message: "one", Level: flashes.LevelError},
		{ID: 2, Message: "two", Level: flashes.LevelInfo},
	})
	assert.Equal(t, 1, strings.Count(buf.String(), "one"))
	assert.Equal(t, 1, strings.Count(buf.String(), "two"))

	p.Flashes(nil)
	p.Flashes([]flashes.Flash{{ID: 1, Message: "again", Level: flashes.LevelWarning}})
	assert.Contains(t, buf.String(), "again")
}

func TestPrinterChangeSkipsUnconfirmedUpdates(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, 1, 0)

	p.Change(conversation.Change{Kind: conversation.ChangeUpdate, Message: &timeline.Message{UUID: "u", Content: "local"}})
	assert.Empty(t, buf.String())

	p.Change(conversation.Change{Kind: conversation.ChangeRemove, Message: &timeline.Message{ID: 9}})
	assert.Contains(t, buf.String(), "#9 deleted")
}

func TestPrinterWrapsLongMessages(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, 1, 20)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	p.Change(conversation.Change{Kind: conversation.ChangeUpdate, Message: &timeline.Message{
		ID: 4, Content: "alpha beta gamma delta epsilon", Created: at, Owner: 2,
	}})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Greater(t, len(lines), 1, buf.String())
	for _, l := range lines[1:] {
		assert.True(t, strings.HasPrefix(l, strings.Repeat(" ", timeWidth)), l)
		assert.LessOrEqual(t, lipgloss.Width(l), 20, l)
	}
	assert.Contains(t, buf.String(), "epsilon")
}
