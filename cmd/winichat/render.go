package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/codefionn/winichat/internal/conversation"
	"github.com/codefionn/winichat/internal/flashes"
	"github.com/codefionn/winichat/internal/timeline"
	"github.com/muesli/reflow/wordwrap"
)

// timeWidth is the width of the "15:04 " column in front of each message.
const timeWidth = 6

var (
	dayStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("244")).
			MarginTop(1)

	ownStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	otherStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	flashStyles = map[flashes.Level]lipgloss.Style{
		flashes.LevelSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		flashes.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		flashes.LevelWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		flashes.LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
)

// printer writes the timeline and flashes to a terminal.
type printer struct {
	mu        sync.Mutex
	out       io.Writer
	selfID    int64
	width     int
	lastFlash int
}

// newPrinter returns a printer wrapping message text at width columns. A width
// of 0 disables wrapping.
func newPrinter(out io.Writer, selfID int64, width int) *printer {
	return &printer{out: out, selfID: selfID, width: width}
}

// Timeline prints a snapshot oldest first, the way a chat log reads.
func (p *printer) Timeline(days []conversation.DayView) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(days) - 1; i >= 0; i-- {
		day := days[i]
		fmt.Fprintln(p.out, dayStyle.Render("── "+day.Day+" ──"))
		for j := len(day.Contexts) - 1; j >= 0; j-- {
			ctx := day.Contexts[j]
			fmt.Fprintln(p.out, p.author(ctx.Owner, ownerName(ctx.Messages)))
			for k := len(ctx.Messages) - 1; k >= 0; k-- {
				fmt.Fprintln(p.out, p.line(ctx.Messages[k]))
			}
		}
	}
}

// Change prints a single timeline change as it happens.
func (p *printer) Change(c conversation.Change) {
	if c.Message == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	m := c.Message
	switch c.Kind {
	case conversation.ChangeInsert:
		fmt.Fprintf(p.out, "%s %s\n", p.author(m.Owner, m.OwnerName), p.line(m))
	case conversation.ChangeUpdate:
		if !m.Confirmed() {
			return
		}
		fmt.Fprintf(p.out, "%s %s\n", metaStyle.Render(fmt.Sprintf("~ #%d", m.ID)), p.line(m))
	case conversation.ChangeRemove:
		fmt.Fprintln(p.out, metaStyle.Render(fmt.Sprintf("- #%d deleted", m.ID)))
	}
}

// Flashes prints the flashes added since the last call.
func (p *printer) Flashes(list []flashes.Flash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(list) == 0 {
		p.lastFlash = 0
		return
	}
	for _, f := range list {
		if f.ID <= p.lastFlash {
			continue
		}
		p.lastFlash = f.ID
		style, ok := flashStyles[f.Level]
		if !ok {
			style = metaStyle
		}
		fmt.Fprintln(p.out, style.Render("! "+f.Message))
	}
}

func (p *printer) author(owner int64, name string) string {
	if name == "" {
		name = fmt.Sprintf("user %d", owner)
	}
	if owner == p.selfID {
		return ownStyle.Render(name)
	}
	return otherStyle.Render(name)
}

func (p *printer) line(m *timeline.Message) string {
	var b strings.Builder
	b.WriteString(metaStyle.Render(m.Created.Local().Format("15:04")))
	b.WriteString(" ")
	content := m.Content
	for _, f := range m.Files {
		content += " [" + f.URL + "]"
	}
	if p.width > timeWidth {
		wrapped := wordwrap.String(content, p.width-timeWidth)
		content = strings.ReplaceAll(wrapped, "\n", "\n"+strings.Repeat(" ", timeWidth))
	}
	if m.Confirmed() {
		b.WriteString(content)
	} else {
		b.WriteString(pendingStyle.Render(content))
	}
	if m.IsEdited {
		b.WriteString(metaStyle.Render(" (edited)"))
	}
	return b.String()
}

func ownerName(msgs []*timeline.Message) string {
	for _, m := range msgs {
		if m.OwnerName != "" {
			return m.OwnerName
		}
	}
	return ""
}
