// Package analyzer watches successive agent outputs for end-of-work
// signals: completion phrases, a structured RALPH_STATUS block, an explicit
// exit signal, or a suspicious test-only loop, and decides when an agent
// should stop working.
package analyzer

import (
	"regexp"
	"strconv"
	"strings"
)

// Thresholds for the consecutive-observation counters.
const (
	DefaultCompletionThreshold = 2
	DefaultTestOnlyThreshold   = 3
	confidenceExitThreshold    = 80
	maxHistory                 = 100
)

// completionPhrases are case-insensitive substrings that, on their own,
// suggest the agent believes its work is done.
var completionPhrases = []string{
	"all tasks complete",
	"project complete",
	"implementation complete",
	"nothing left to do",
}

// testPhrases and implementationVerbs distinguish a healthy test-then-fix
// cycle from a stuck loop that only ever re-runs tests.
var testPhrases = []string{"running tests", "running the tests", "test suite", "go test", "npm test"}
var implementationVerbs = []string{"created", "implemented", "modified", "wrote", "fixed", "refactored"}

var (
	exitSignalPattern  = regexp.MustCompile(`(?i)EXIT_SIGNAL:\s*(true|false)`)
	statusBlockPattern = regexp.MustCompile(`(?is)---RALPH_STATUS---(.*?)---END_STATUS---`)
	statusFieldPattern = regexp.MustCompile(`(?im)^\s*(STATUS|EXIT_SIGNAL|TASKS_COMPLETED|FILES_MODIFIED|TESTS_PASSED|NEXT_STEP)\s*:\s*(.*)$`)
)

// Status is the parsed content of a ---RALPH_STATUS--- block.
type Status struct {
	Status         string
	ExitSignal     bool
	TasksCompleted string
	FilesModified  string
	TestsPassed    string
	NextStep       string
}

// Observation is the outcome of analyzing one agent output.
type Observation struct {
	CompletionSignal bool
	TestOnlyLoop     bool
	Status           *Status
	Confidence       int
	ShouldExit       bool
}

// Analyzer is stateful across one agent's successive outputs within a
// single work loop; create a fresh one per task or per agent run.
type Analyzer struct {
	completionStreak int
	testOnlyStreak   int
	history          []string
}

// New creates an Analyzer with zeroed counters.
func New() *Analyzer {
	return &Analyzer{}
}

// Reset clears a's streak counters and history, leaving it equivalent to a
// freshly constructed Analyzer, so it can be reused instead of allocating a
// new one.
func (a *Analyzer) Reset() {
	a.completionStreak = 0
	a.testOnlyStreak = 0
	a.history = nil
}

// Observe analyzes one chunk of agent output, updates the consecutive
// counters, and returns whether the agent should now exit.
func (a *Analyzer) Observe(output string) Observation {
	a.record(output)

	obs := Observation{}

	lower := strings.ToLower(output)
	obs.CompletionSignal = containsAny(lower, completionPhrases)

	if status, ok := parseStatusBlock(output); ok {
		obs.Status = status
	}

	obs.TestOnlyLoop = isTestOnlyLoop(lower)

	if obs.CompletionSignal {
		a.completionStreak++
	} else {
		a.completionStreak = 0
	}
	if obs.TestOnlyLoop {
		a.testOnlyStreak++
	} else {
		a.testOnlyStreak = 0
	}

	obs.Confidence = a.confidence(obs)

	explicitExit := explicitExitSignal(output) || (obs.Status != nil && obs.Status.ExitSignal)

	obs.ShouldExit = a.completionStreak >= DefaultCompletionThreshold ||
		a.testOnlyStreak >= DefaultTestOnlyThreshold ||
		explicitExit ||
		obs.Confidence >= confidenceExitThreshold

	return obs
}

// confidence combines signal weights per the scoring rule: 40 for a
// completion phrase, 30 for STATUS=COMPLETE, 20 for an explicit exit
// signal, 10 more if the completion signal has now been seen in more than
// one consecutive output, capped at 100.
func (a *Analyzer) confidence(obs Observation) int {
	score := 0
	if obs.CompletionSignal {
		score += 40
	}
	if obs.Status != nil && strings.EqualFold(strings.TrimSpace(obs.Status.Status), "COMPLETE") {
		score += 30
	}
	if obs.Status != nil && obs.Status.ExitSignal {
		score += 20
	}
	if a.completionStreak > 1 {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// record keeps a capped rolling history of observed outputs, most recent
// last, so long-running loops don't accumulate memory unboundedly.
func (a *Analyzer) record(output string) {
	a.history = append(a.history, output)
	if len(a.history) > maxHistory {
		a.history = a.history[len(a.history)-maxHistory:]
	}
}

// History returns the most recent observed outputs, oldest first, capped at
// maxHistory entries.
func (a *Analyzer) History() []string {
	return append([]string(nil), a.history...)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func isTestOnlyLoop(lower string) bool {
	testMentions := 0
	for _, p := range testPhrases {
		testMentions += strings.Count(lower, p)
	}
	if testMentions <= 3 {
		return false
	}
	for _, v := range implementationVerbs {
		if strings.Contains(lower, v) {
			return false
		}
	}
	return true
}

func explicitExitSignal(output string) bool {
	m := exitSignalPattern.FindStringSubmatch(output)
	return len(m) > 1 && strings.EqualFold(m[1], "true")
}

// parseStatusBlock extracts a ---RALPH_STATUS---/---END_STATUS--- block and
// parses its key-value lines. Unrecognized keys are ignored; a missing
// block returns ok=false.
func parseStatusBlock(output string) (*Status, bool) {
	block := statusBlockPattern.FindStringSubmatch(output)
	if len(block) < 2 {
		return nil, false
	}

	status := &Status{}
	for _, m := range statusFieldPattern.FindAllStringSubmatch(block[1], -1) {
		key := strings.ToUpper(m[1])
		val := strings.TrimSpace(m[2])
		switch key {
		case "STATUS":
			status.Status = val
		case "EXIT_SIGNAL":
			b, _ := strconv.ParseBool(strings.ToLower(val))
			status.ExitSignal = b
		case "TASKS_COMPLETED":
			status.TasksCompleted = val
		case "FILES_MODIFIED":
			status.FilesModified = val
		case "TESTS_PASSED":
			status.TestsPassed = val
		case "NEXT_STEP":
			status.NextStep = val
		}
	}
	return status, true
}
