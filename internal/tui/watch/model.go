// Package watch is the terminal dashboard. It polls the squire API and
// renders the task list next to a live event tail.
package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/squire/internal/events"
)

const eventLogSize = 30

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusStyle = map[string]lipgloss.Style{
		"pending": warnStyle,
		"running": okStyle,
		"done":    dimStyle,
		"failed":  failStyle,
	}
)

// Model is the BubbleTea model for squire watch.
type Model struct {
	api *client

	width  int
	height int

	connected bool
	uptime    int64
	tasks     []taskView
	eventLog  []events.Event
	lastID    int64
	spin      spinner.Model
	lastError string
}

// New creates a watch model polling the given API.
func New(baseURL, apiKey string) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = okStyle
	return &Model{
		api:  newClient(baseURL, apiKey),
		spin: sp,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.spin.Tick,
		m.api.fetchHealth,
		m.api.fetchTasks,
		m.api.fetchEvents(0),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(
			m.api.fetchTasks,
			m.api.fetchEvents(m.lastID),
			tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case healthMsg:
		m.connected = true
		m.uptime = msg.UptimeSeconds
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.api.fetchHealth() })

	case tasksMsg:
		m.connected = true
		m.tasks = msg

	case eventsMsg:
		if len(msg.Events) > 0 {
			m.lastID = msg.LastID
			// Newest first in the tail.
			for _, ev := range msg.Events {
				m.eventLog = append([]events.Event{ev}, m.eventLog...)
			}
			if len(m.eventLog) > eventLogSize {
				m.eventLog = m.eventLog[:eventLogSize]
			}
		}

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Connecting to squire..."
	}

	var parts []string
	parts = append(parts, m.renderHeader())
	parts = append(parts, m.renderTasks())
	parts = append(parts, m.renderEvents())
	if m.lastError != "" {
		parts = append(parts, failStyle.Render(" ! "+m.lastError))
	}
	parts = append(parts, dimStyle.Render(" [q] quit"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m *Model) renderHeader() string {
	conn := failStyle.Render("offline")
	if m.connected {
		conn = okStyle.Render(fmt.Sprintf("up %s", (time.Duration(m.uptime) * time.Second).String()))
	}
	return titleStyle.Render("squire watch ") + m.spin.View() + " " + conn
}

func (m *Model) renderTasks() string {
	if len(m.tasks) == 0 {
		return dimStyle.Render("\n  no tasks")
	}
	out := "\n"
	for _, t := range m.tasks {
		style, ok := statusStyle[t.Status]
		if !ok {
			style = dimStyle
		}
		desc := t.Description
		if max := m.width - 24; max > 8 && len(desc) > max {
			desc = desc[:max-3] + "..."
		}
		out += fmt.Sprintf("  %s %s\n", style.Render(fmt.Sprintf("%-8s", t.Status)), desc)
	}
	return out
}

func (m *Model) renderEvents() string {
	if len(m.eventLog) == 0 {
		return dimStyle.Render("  waiting for events...")
	}
	out := titleStyle.Render("events") + "\n"
	for _, ev := range m.eventLog {
		line := fmt.Sprintf("  %s %-13s %s",
			dimStyle.Render(ev.At.Local().Format("15:04:05")),
			ev.Type,
			summarizeEvent(ev))
		out += line + "\n"
	}
	return out
}

// summarizeEvent pulls the human-facing fields out of an event payload.
func summarizeEvent(ev events.Event) string {
	var fields map[string]any
	if err := json.Unmarshal(ev.Data, &fields); err != nil {
		return ""
	}
	if msg, ok := fields["message"].(string); ok && msg != "" {
		return msg
	}
	if id, ok := fields["task_id"].(string); ok {
		if len(id) > 8 {
			id = id[:8]
		}
		return "task " + id
	}
	return ""
}
