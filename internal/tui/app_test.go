package tui

import "testing"

func TestApplyTracksAgentSpawnAndStateChange(t *testing.T) {
	m := New(make(chan Event))

	m.apply(Event{Type: EventAgentSpawned, AgentID: "agent-1"})
	if row, ok := m.agents["agent-1"]; !ok || row.state != "spawned" {
		t.Fatalf("agents[agent-1] = %+v, want state spawned", row)
	}

	m.apply(Event{Type: EventAgentStateChanged, AgentID: "agent-1", Message: "idle -> working"})
	if row := m.agents["agent-1"]; row.state != "working" {
		t.Errorf("state = %q, want working", row.state)
	}
}

func TestApplyTracksQueuedTasks(t *testing.T) {
	m := New(make(chan Event))
	m.apply(Event{Type: EventTaskQueued, TaskID: "task-1", Message: "build the thing"})

	row, ok := m.tasks["task-1"]
	if !ok {
		t.Fatal("expected task-1 to be tracked")
	}
	if row.title != "build the thing" {
		t.Errorf("title = %q, want %q", row.title, "build the thing")
	}
}

func TestApplyAppendsNoticesAndCapsLength(t *testing.T) {
	m := New(make(chan Event))
	for i := 0; i < 15; i++ {
		m.apply(Event{Type: EventFileOverlap, Message: "overlap"})
	}
	if len(m.log) != 10 {
		t.Errorf("log length = %d, want capped at 10", len(m.log))
	}
}

func TestApplySessionDoneSetsSummary(t *testing.T) {
	m := New(make(chan Event))
	m.apply(Event{Type: EventSessionDone, Message: "all tasks completed"})

	if !m.done {
		t.Error("done = false, want true")
	}
	if m.doneSummary != "all tasks completed" {
		t.Errorf("doneSummary = %q", m.doneSummary)
	}
}

func TestViewAgentsReportsEmptyState(t *testing.T) {
	m := New(make(chan Event))
	view := m.viewAgents()
	if view == "" {
		t.Fatal("expected non-empty view")
	}
}

func TestViewProgressEmptyWithNoTasks(t *testing.T) {
	m := New(make(chan Event))
	if got := m.viewProgress(); got != "" {
		t.Errorf("viewProgress() = %q, want empty with no tasks", got)
	}
}
