// Package tui renders a team run's progress: a read-only bubbletea program
// subscribing to an orchestrator event channel. It never writes back into
// the coordination engine — the lead and its agents run identically whether
// or not anything is watching.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// EventType mirrors internal/orchestrator's Event classification, kept as
// plain strings here so this package never imports the core engine.
type EventType string

const (
	EventTaskQueued        EventType = "task_queued"
	EventAgentSpawned      EventType = "agent_spawned"
	EventAgentStateChanged EventType = "agent_state_changed"
	EventMergeOutcome      EventType = "merge_outcome"
	EventFileOverlap       EventType = "file_overlap"
	EventSessionDone       EventType = "session_done"
)

// Event is the shape the TUI consumes off the orchestrator's fan-out
// channel; internal/orchestrator.Event satisfies the same fields.
type Event struct {
	Type      EventType
	AgentID   string
	TaskID    string
	Message   string
	Timestamp time.Time
}

// tickInterval is the period of a self-rescheduling tick that stops once the
// session is done. It does not limit redraws: each event is applied to the
// model as soon as it arrives, with no batching between ticks.
const tickInterval = 250 * time.Millisecond

type tickMsg time.Time

type eventMsg Event

type agentRow struct {
	id    string
	state string
}

type taskRow struct {
	id    string
	title string
}

// Model is the bubbletea model for the passive run viewer.
type Model struct {
	events <-chan Event

	agents map[string]agentRow
	tasks  map[string]taskRow
	log    []string

	spinner  spinner.Model
	progress progress.Model

	done        bool
	doneSummary string
	quitting    bool
}

// New constructs a Model subscribed to events. The channel is owned by the
// caller (typically the orchestrator's EventEmitter) and is only ever read.
func New(events <-chan Event) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		events:   events,
		agents:   make(map[string]agentRow),
		tasks:    make(map[string]taskRow),
		spinner:  sp,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events), tick())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.progress.Width = msg.Width - 4
		return m, nil

	case eventMsg:
		m.apply(Event(msg))
		if m.done {
			return m, nil
		}
		return m, waitForEvent(m.events)

	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", m.viewAgents())
	fmt.Fprintf(&b, "%s\n\n", m.viewTasks())
	fmt.Fprintf(&b, "%s\n", m.viewProgress())
	if len(m.log) > 0 {
		fmt.Fprintf(&b, "\n%s", m.viewLog())
	}
	if m.done {
		style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
		fmt.Fprintf(&b, "\n\n%s\n", style.Render(m.doneSummary))
	}
	return b.String()
}

func (m *Model) apply(evt Event) {
	switch evt.Type {
	case EventAgentSpawned:
		m.agents[evt.AgentID] = agentRow{id: evt.AgentID, state: "spawned"}
	case EventAgentStateChanged:
		row := m.agents[evt.AgentID]
		row.id = evt.AgentID
		if idx := strings.Index(evt.Message, "-> "); idx >= 0 {
			row.state = evt.Message[idx+3:]
		} else {
			row.state = evt.Message
		}
		m.agents[evt.AgentID] = row
	case EventTaskQueued:
		m.tasks[evt.TaskID] = taskRow{id: evt.TaskID, title: evt.Message}
	case EventMergeOutcome, EventFileOverlap:
		m.appendLog(evt.Message)
	case EventSessionDone:
		m.done = true
		m.doneSummary = evt.Message
	}
}

func (m *Model) appendLog(line string) {
	m.log = append(m.log, line)
	const maxLines = 10
	if len(m.log) > maxLines {
		m.log = m.log[len(m.log)-maxLines:]
	}
}

func (m Model) viewAgents() string {
	header := lipgloss.NewStyle().Bold(true).Render("Agents")
	if len(m.agents) == 0 {
		return header + "\n  (none spawned yet)"
	}

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(header + "\n")
	for _, id := range ids {
		row := m.agents[id]
		marker := "  "
		if row.state == "working" {
			marker = m.spinner.View() + " "
		}
		fmt.Fprintf(&b, "%s%s [%s]\n", marker, row.id, row.state)
	}
	return b.String()
}

func (m Model) viewTasks() string {
	header := lipgloss.NewStyle().Bold(true).Render("Tasks")
	if len(m.tasks) == 0 {
		return header + "\n  (none queued yet)"
	}

	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(header + "\n")
	for _, id := range ids {
		t := m.tasks[id]
		fmt.Fprintf(&b, "  %s: %s\n", t.id, t.title)
	}
	return b.String()
}

func (m Model) viewProgress() string {
	if len(m.tasks) == 0 {
		return ""
	}
	done := 0
	for _, row := range m.agents {
		if row.state == "idle" || row.state == "stopped" {
			done++
		}
	}
	frac := float64(done) / float64(max(len(m.tasks), 1))
	return m.progress.ViewAs(frac)
}

func (m Model) viewLog() string {
	header := lipgloss.NewStyle().Bold(true).Render("Notices")
	var b strings.Builder
	b.WriteString(header + "\n")
	for _, line := range m.log {
		fmt.Fprintf(&b, "  %s\n", line)
	}
	return b.String()
}

func waitForEvent(events <-chan Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-events
		if !ok {
			return eventMsg(Event{Type: EventSessionDone, Message: "event stream closed"})
		}
		return eventMsg(evt)
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Run starts the passive viewer program, blocking until the user quits.
// Once the session is done or the event stream closes, the final summary
// stays on screen until then.
func Run(events <-chan Event) error {
	p := tea.NewProgram(New(events))
	_, err := p.Run()
	return err
}
