package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shayc/crewctl/internal/provider"
	"github.com/shayc/crewctl/pkg/models"
)

// decompositionPrompt asks the provider to break a feature request into
// parallelizable subtasks, referencing dependencies by title rather than
// ID since the provider has no visibility into the store's ID scheme.
const decompositionPrompt = `Break this feature request into parallelizable subtasks. Each task should be sized for a single agent to complete independently.

Feature request:
%s

Return ONLY a JSON array of tasks with this exact structure (no other text):
[
  {
    "title": "Short task title",
    "description": "Detailed task description an agent can work from directly",
    "depends_on": ["title of dependency 1", "title of dependency 2"],
    "files": ["path/touched/by/this/task.go"]
  }
]

Guidelines:
- Tasks should be as independent as possible to allow parallel execution.
- Only add a dependency when task A must truly complete before task B starts.
- Use an empty array for depends_on when there are no dependencies.
- Use an empty array for files when unknown; it is advisory only.`

// decomposedTask is the JSON shape the provider returns for one task.
type decomposedTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on"`
	Files       []string `json:"files"`
}

// Decompose invokes the provider once with the decomposition prompt and
// parses its response into Tasks, resolving depends_on titles to the task
// IDs the store will assign when these are handed to AddTasks. startSeq is
// the number of tasks already in the store, so IDs line up with the
// store's own sequential "task-N" assignment.
func Decompose(ctx context.Context, invoker provider.Invoker, cfg provider.Config, request string, startSeq int) ([]*models.Task, error) {
	prompt := fmt.Sprintf(decompositionPrompt, request)

	res, err := invoker.Invoke(ctx, cfg, prompt, "", nil)
	if err != nil {
		return nil, fmt.Errorf("invoke decomposition provider: %w", err)
	}
	if !res.Success {
		return nil, fmt.Errorf("decomposition provider call failed: %s", res.Error)
	}

	decomposed, err := parseDecomposition(res.ParsedText)
	if err != nil {
		return nil, fmt.Errorf("parse decomposition response: %w", err)
	}
	if len(decomposed) == 0 {
		return nil, fmt.Errorf("decomposition returned zero tasks")
	}

	titleToID := make(map[string]string, len(decomposed))
	tasks := make([]*models.Task, len(decomposed))
	for i, dt := range decomposed {
		id := fmt.Sprintf("task-%d", startSeq+i+1)
		titleToID[dt.Title] = id
		tasks[i] = &models.Task{
			TaskID:      id,
			Title:       dt.Title,
			Description: dt.Description,
			Priority:    models.PriorityMedium,
			Status:      models.TaskStatusPending,
			Files:       dt.Files,
		}
	}

	for i, dt := range decomposed {
		for _, depTitle := range dt.DependsOn {
			depID, ok := titleToID[depTitle]
			if !ok {
				return nil, fmt.Errorf("task %q depends on unknown title %q", dt.Title, depTitle)
			}
			tasks[i].DependsOn = append(tasks[i].DependsOn, depID)
		}
	}

	return tasks, nil
}

// parseDecomposition extracts the JSON array from the provider's response,
// tolerating leading/trailing prose the provider wasn't asked to emit but
// sometimes does anyway.
func parseDecomposition(text string) ([]decomposedTask, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array found in response")
	}

	var decomposed []decomposedTask
	if err := json.Unmarshal([]byte(text[start:end+1]), &decomposed); err != nil {
		return nil, fmt.Errorf("unmarshal task array: %w", err)
	}
	return decomposed, nil
}
