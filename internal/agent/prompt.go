package agent

import "strings"

// buildWorkingPrompt assembles the prompt per the working-step contract:
// project-wide system context, then the agent's spawn prompt (if any),
// then any pending inbox context accumulated since the last task, then the
// task description itself.
func buildWorkingPrompt(systemContext, spawnPrompt string, pendingContext []string, taskDescription string) string {
	var sb strings.Builder

	if systemContext != "" {
		sb.WriteString(systemContext)
		sb.WriteString("\n\n")
	}
	if spawnPrompt != "" {
		sb.WriteString(spawnPrompt)
		sb.WriteString("\n\n")
	}
	if len(pendingContext) > 0 {
		sb.WriteString("Messages received since your last task:\n")
		for _, c := range pendingContext {
			sb.WriteString("- ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(taskDescription)

	return sb.String()
}
