package models

import "testing"

func TestTaskStatusValid(t *testing.T) {
	tests := []struct {
		name     string
		status   TaskStatus
		expected bool
	}{
		{"pending", TaskStatusPending, true},
		{"in_progress", TaskStatusInProgress, true},
		{"completed", TaskStatusCompleted, true},
		{"failed", TaskStatusFailed, true},
		{"unknown", TaskStatus("bogus"), false},
		{"empty", TaskStatus(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.expected {
				t.Errorf("Valid() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		expected bool
	}{
		{TaskStatusPending, false},
		{TaskStatusInProgress, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.expected {
			t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.expected)
		}
	}
}

func TestPriorityWeight(t *testing.T) {
	if PriorityCritical.Weight() <= PriorityHigh.Weight() {
		t.Error("critical must outrank high")
	}
	if PriorityHigh.Weight() <= PriorityMedium.Weight() {
		t.Error("high must outrank medium")
	}
	if PriorityMedium.Weight() <= PriorityLow.Weight() {
		t.Error("medium must outrank low")
	}
}

func TestTaskClaimable(t *testing.T) {
	tests := []struct {
		name      string
		task      Task
		byID      map[string]TaskStatus
		claimable bool
	}{
		{
			name:      "no deps, pending",
			task:      Task{Status: TaskStatusPending},
			byID:      map[string]TaskStatus{},
			claimable: true,
		},
		{
			name:      "not pending",
			task:      Task{Status: TaskStatusInProgress},
			byID:      map[string]TaskStatus{},
			claimable: false,
		},
		{
			name:      "dep completed",
			task:      Task{Status: TaskStatusPending, DependsOn: []string{"task-1"}},
			byID:      map[string]TaskStatus{"task-1": TaskStatusCompleted},
			claimable: true,
		},
		{
			name:      "dep pending",
			task:      Task{Status: TaskStatusPending, DependsOn: []string{"task-1"}},
			byID:      map[string]TaskStatus{"task-1": TaskStatusPending},
			claimable: false,
		},
		{
			name:      "dep unknown",
			task:      Task{Status: TaskStatusPending, DependsOn: []string{"task-404"}},
			byID:      map[string]TaskStatus{},
			claimable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.Claimable(tt.byID); got != tt.claimable {
				t.Errorf("Claimable() = %v, want %v", got, tt.claimable)
			}
		})
	}
}
