package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shayc/crewctl/pkg/models"
)

// planReviewPrompt asks the lead's provider to approve or reject a
// submitted plan against the task's own acceptance criteria.
const planReviewPrompt = `An agent has submitted a plan for the following task and is waiting for approval before starting work.

Task: %s
Description: %s

Submitted plan:
%s

Review the plan against the task description. Reply with exactly this block and nothing else:
---PLAN_REVIEW---
APPROVED: true|false
FEEDBACK: <one or two sentences, required when rejecting, optional otherwise>
---END_PLAN_REVIEW---`

var planReviewPattern = regexp.MustCompile(`(?is)---PLAN_REVIEW---(.*?)---END_PLAN_REVIEW---`)
var planReviewFieldPattern = regexp.MustCompile(`(?im)^\s*(APPROVED|FEEDBACK)\s*:\s*(.*)$`)

// reviewPlan invokes the lead's provider once with the submitted plan and
// replies to the submitting agent with a PlanApproval message. A provider
// failure or an unparseable response is treated conservatively as a
// rejection with an explanatory reason, rather than leaving the agent
// blocked on its rendezvous channel forever.
func (l *Lead) reviewPlan(ctx context.Context, msg models.Message) {
	taskID := msg.TaskID()
	task, _ := l.store.GetByID(taskID)

	prompt := fmt.Sprintf(planReviewPrompt, task.Title, task.Description, msg.Content)

	approved := false
	feedback := "plan review failed; rejecting conservatively"

	res, err := l.invoker.Invoke(ctx, l.cfg.LeadProvider, prompt, "", nil)
	if err != nil {
		l.log.Warn("plan review provider call failed", "task_id", taskID, "error", err)
	} else if !res.Success {
		l.log.Warn("plan review provider call unsuccessful", "task_id", taskID, "error", res.Error)
	} else if a, f, ok := parsePlanReview(res.ParsedText); ok {
		approved, feedback = a, f
	} else {
		l.log.Warn("plan review response unparseable", "task_id", taskID)
	}

	metadata := map[string]string{
		"task_id":  taskID,
		"approved": strconv.FormatBool(approved),
	}
	if err := l.bus.Send(msg.FromAgentID, models.MessageTypePlanApproval, feedback, metadata); err != nil {
		l.log.Warn("send plan approval", "agent_id", msg.FromAgentID, "error", err)
	}
}

// parsePlanReview extracts APPROVED/FEEDBACK from a ---PLAN_REVIEW--- block.
func parsePlanReview(text string) (approved bool, feedback string, ok bool) {
	block := planReviewPattern.FindStringSubmatch(text)
	if len(block) < 2 {
		return false, "", false
	}

	found := false
	for _, m := range planReviewFieldPattern.FindAllStringSubmatch(block[1], -1) {
		switch strings.ToUpper(m[1]) {
		case "APPROVED":
			approved = strings.EqualFold(strings.TrimSpace(m[2]), "true")
			found = true
		case "FEEDBACK":
			feedback = strings.TrimSpace(m[2])
		}
	}
	return approved, feedback, found
}
