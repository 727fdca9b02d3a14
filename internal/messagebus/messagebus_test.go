package messagebus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shayc/crewctl/pkg/models"
)

func TestSendThenPollDeliversMessage(t *testing.T) {
	dir := t.TempDir()
	lead := New(dir, "lead")
	worker := New(dir, "worker-1")

	if err := lead.Send("worker-1", models.MessageTypeText, "hello", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs, err := worker.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[0].FromAgentID != "lead" {
		t.Errorf("message = %+v", msgs[0])
	}

	// second poll without new sends returns nothing
	msgs, err = worker.Poll()
	if err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no new messages, got %d", len(msgs))
	}
}

func TestPollAdvancesCursorAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	lead := New(dir, "lead")
	worker := New(dir, "worker-1")

	_ = lead.Send("worker-1", models.MessageTypeText, "one", nil)
	first, _ := worker.Poll()
	if len(first) != 1 {
		t.Fatalf("got %d, want 1", len(first))
	}

	_ = lead.Send("worker-1", models.MessageTypeText, "two", nil)
	second, _ := worker.Poll()
	if len(second) != 1 || second[0].Content != "two" {
		t.Fatalf("second poll = %+v", second)
	}
}

func TestBroadcastExcludesSelf(t *testing.T) {
	dir := t.TempDir()
	// mailbox files are created lazily on write, so seed them to be discoverable
	for _, id := range []string{"lead", "worker-1", "worker-2"} {
		if err := os.WriteFile(filepath.Join(dir, id+".jsonl"), nil, 0o644); err != nil {
			t.Fatalf("seed mailbox: %v", err)
		}
	}

	lead := New(dir, "lead")
	if err := lead.Broadcast("go", models.MessageTypeBroadcast); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	w1 := New(dir, "worker-1")
	msgs, _ := w1.Poll()
	if len(msgs) != 1 {
		t.Fatalf("worker-1 got %d messages, want 1", len(msgs))
	}

	leadSelf := New(dir, "lead")
	selfMsgs, _ := leadSelf.Poll()
	if len(selfMsgs) != 0 {
		t.Errorf("lead should not receive its own broadcast, got %d", len(selfMsgs))
	}
}

func TestPollToleratesTrailingPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker-1.jsonl")
	complete := `{"message_id":"abc123456789","from_agent_id":"lead","to_agent_id":"worker-1","type":"text","content":"done","timestamp":"2026-01-01T00:00:00Z"}` + "\n"
	partial := `{"message_id":"def123456789","from_agent_id":"lead"` // no trailing newline, truncated
	if err := os.WriteFile(path, []byte(complete+partial), 0o644); err != nil {
		t.Fatalf("write mailbox: %v", err)
	}

	worker := New(dir, "worker-1")
	msgs, err := worker.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "done" {
		t.Fatalf("msgs = %+v", msgs)
	}

	// completing the partial line on a later write must then surface it
	rest := `"to_agent_id":"worker-1","type":"text","content":"second","timestamp":"2026-01-01T00:00:01Z"}` + "\n"
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(rest); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	msgs, err = worker.Poll()
	if err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "second" {
		t.Fatalf("msgs after completion = %+v", msgs)
	}
}

func TestWaitForMessagesReturnsOnSend(t *testing.T) {
	dir := t.TempDir()
	lead := New(dir, "lead")
	worker := New(dir, "worker-1")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = lead.Send("worker-1", models.MessageTypeText, "async", nil)
	}()

	msgs, err := worker.WaitForMessages(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "async" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestWaitForMessagesTimesOutWithNoError(t *testing.T) {
	dir := t.TempDir()
	worker := New(dir, "worker-1")

	msgs, err := worker.WaitForMessages(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForMessages() error = %v", err)
	}
	if msgs != nil {
		t.Errorf("expected nil, got %+v", msgs)
	}
}

func TestWaitForMessageOfTypeBuffersNonMatching(t *testing.T) {
	dir := t.TempDir()
	lead := New(dir, "lead")
	worker := New(dir, "worker-1")

	_ = lead.Send("worker-1", models.MessageTypeText, "chatter", nil)
	_ = lead.Send("worker-1", models.MessageTypePlanApproval, "approved", map[string]string{"approved": "true"})

	got, err := worker.WaitForMessageOfType(context.Background(), models.MessageTypePlanApproval, time.Second)
	if err != nil {
		t.Fatalf("WaitForMessageOfType() error = %v", err)
	}
	if got == nil || got.Content != "approved" {
		t.Fatalf("got = %+v", got)
	}

	// the earlier Text message must still be observable by a plain Poll
	rest, err := worker.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(rest) != 1 || rest[0].Content != "chatter" {
		t.Fatalf("rest = %+v", rest)
	}
}
