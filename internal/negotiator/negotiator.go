// Package negotiator resolves merge conflicts by asking a provider to
// understand the intent behind each side's change rather than mechanically
// picking one side, grounded on the "understand the intent, not just the
// text" approach the teacher uses for its semantic merge path.
package negotiator

import (
	"context"
	"fmt"
	"strings"

	"github.com/shayc/crewctl/internal/errs"
	"github.com/shayc/crewctl/internal/gitutil"
	"github.com/shayc/crewctl/internal/provider"
	"github.com/shayc/crewctl/pkg/models"
)

const (
	maxDiffChars     = 2000
	maxFileBodyChars = 1500
	maxFiles         = 8
)

const systemPrompt = `You are resolving a merge conflict between two agents working on the same repository. Understand the intent of each agent's task, not just the literal text differences.

For each conflicted file, emit one block:
---RESOLUTION---
file: <relative path>
content:
<full resolved file content>
---END_RESOLUTION---

Emit nothing else. Do not use tools. Do not ask questions.`

// TaskIntent describes one side of a conflict: the agent, its branch, and
// the task description that motivated its changes.
type TaskIntent struct {
	AgentID     string
	Branch      string
	Description string
}

// Resolution is one file's resolved content, ready to be written and staged.
type Resolution struct {
	Path    string
	Content string
}

// Negotiator resolves conflicted files by invoking a provider constrained
// to a single, non-agentic turn.
type Negotiator struct {
	invoker provider.Invoker
	cfg     provider.Config
}

// New creates a Negotiator using invoker/cfg for the analysis call. cfg is
// used as given: no provider flags are removed or added here, and the only
// constraint on the call is the system prompt's text-only instruction.
func New(invoker provider.Invoker, cfg provider.Config) *Negotiator {
	return &Negotiator{invoker: invoker, cfg: cfg}
}

// Resolve builds the negotiation prompt from the conflicted files and both
// agents' intents, invokes the provider, and parses the resolution blocks.
// Any failure to reach >= 1 resolved file is reported as
// errs.ErrRequiresManualIntervention, since the caller's only remaining
// option at that point is to hand the conflict to a human.
func (n *Negotiator) Resolve(ctx context.Context, conflicts []models.ConflictedFile, a, b TaskIntent, diffA, diffB string, fileBodies map[string]string) ([]Resolution, error) {
	prompt := buildPrompt(conflicts, a, b, diffA, diffB, fileBodies)

	res, err := n.invoker.Invoke(ctx, n.cfg, systemPrompt+"\n\n"+prompt, "", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invoke negotiator provider: %v", errs.ErrRequiresManualIntervention, err)
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: negotiator provider call failed: %s", errs.ErrRequiresManualIntervention, res.Error)
	}

	resolutions := parseResolutions(res.ParsedText)
	if len(resolutions) == 0 {
		return nil, fmt.Errorf("%w: negotiator produced zero resolutions", errs.ErrRequiresManualIntervention)
	}
	return resolutions, nil
}

// Apply writes each resolved file under worktreePath and stages it via git.
func Apply(ctx context.Context, runner gitutil.Runner, worktreePath string, resolutions []Resolution, writeFile func(path, content string) error) error {
	var staged []string
	for _, r := range resolutions {
		if err := writeFile(r.Path, r.Content); err != nil {
			return fmt.Errorf("write resolved file %s: %w", r.Path, err)
		}
		staged = append(staged, r.Path)
	}
	if len(staged) == 0 {
		return nil
	}
	return gitutil.Add(ctx, runner, staged...)
}

func buildPrompt(conflicts []models.ConflictedFile, a, b TaskIntent, diffA, diffB string, fileBodies map[string]string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Agent %s (branch %s) task:\n%s\n\n", a.AgentID, a.Branch, a.Description)
	fmt.Fprintf(&sb, "Agent %s (branch %s) task:\n%s\n\n", b.AgentID, b.Branch, b.Description)

	fmt.Fprintf(&sb, "Diff of %s against its parent:\n%s\n\n", a.Branch, capDiff(diffA))
	fmt.Fprintf(&sb, "Diff of %s against its parent:\n%s\n\n", b.Branch, capDiff(diffB))

	sb.WriteString("Conflicted files:\n")
	count := 0
	for _, c := range conflicts {
		if count >= maxFiles {
			break
		}
		body := fileBodies[c.Path]
		fmt.Fprintf(&sb, "\nfile: %s\n%s\n", c.Path, capBody(body))
		count++
	}

	return sb.String()
}

// capDiff truncates a diff at a line boundary so no partial line is kept.
func capDiff(diff string) string {
	return capLineAligned(diff, maxDiffChars)
}

func capBody(body string) string {
	return capLineAligned(body, maxFileBodyChars)
}

func capLineAligned(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	truncated := s[:limit]
	if i := strings.LastIndexByte(truncated, '\n'); i > 0 {
		truncated = truncated[:i]
	}
	return truncated + "\n... (truncated)"
}

// parseResolutions is a line-oriented, tolerant parser: it accumulates
// lines after a "content:" marker until the next "file:" line or a block
// terminator.
func parseResolutions(text string) []Resolution {
	var resolutions []Resolution
	lines := strings.Split(text, "\n")

	var currentPath string
	var content []string
	inContent := false

	flush := func() {
		if currentPath != "" && inContent {
			resolutions = append(resolutions, Resolution{
				Path:    currentPath,
				Content: strings.Join(content, "\n"),
			})
		}
		currentPath = ""
		content = nil
		inContent = false
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "---RESOLUTION---"):
			flush()
		case strings.HasPrefix(trimmed, "---END_RESOLUTION---"):
			flush()
		case strings.HasPrefix(trimmed, "file:"):
			flush()
			currentPath = strings.TrimSpace(strings.TrimPrefix(trimmed, "file:"))
		case strings.HasPrefix(trimmed, "content:"):
			inContent = true
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "content:"))
			if rest != "" {
				content = append(content, rest)
			}
		case inContent:
			content = append(content, line)
		}
	}
	flush()

	return resolutions
}
