// Package messagebus implements the per-agent mailbox: append-only JSONL
// files under a team's mailbox directory, one per agent, with lock-
// serialized writes and cursor-tracked, lock-free reads.
package messagebus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/shayc/crewctl/internal/filelock"
	"github.com/shayc/crewctl/pkg/models"
)

// pollInterval is the fallback cadence for waitForMessages/waitForMessageOfType
// when no fsnotify event arrives in time; correctness never depends on the
// watch firing, only on this loop.
const pollInterval = 250 * time.Millisecond

// lockTimeout bounds how long a send/broadcast waits for a mailbox's lock.
const lockTimeout = 5 * time.Second

// Bus is one agent's view of the mailbox directory: its own ID, its own
// read cursor, and the shared directory every agent's mailbox lives under.
type Bus struct {
	dir      string
	selfID   string
	cursor   int
	buffered []models.Message // messages consumed from the cursor but not yet delivered to a caller
}

// New returns a Bus for agentID, rooted at mailboxDir (created lazily on
// first write by send/broadcast, not by New itself).
func New(mailboxDir, agentID string) *Bus {
	return &Bus{dir: mailboxDir, selfID: agentID}
}

func (b *Bus) mailboxPath(agentID string) string {
	return filepath.Join(b.dir, agentID+".jsonl")
}

// Send appends one message to to's mailbox. Fire-and-forget: delivery is
// durable once this call returns without error, but Send does not wait for
// the recipient to read it.
func (b *Bus) Send(to string, msgType models.MessageType, content string, metadata map[string]string) error {
	msg := models.Message{
		MessageID:   newMessageID(),
		FromAgentID: b.selfID,
		ToAgentID:   to,
		Type:        msgType,
		Content:     content,
		Metadata:    metadata,
		Timestamp:   time.Now(),
	}
	return b.deliver(to, msg)
}

func (b *Bus) deliver(to string, msg models.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return filelock.AppendLine(b.mailboxPath(to), line, lockTimeout)
}

// Broadcast sends content to every agent with a mailbox in the directory,
// except self.
func (b *Bus) Broadcast(content string, msgType models.MessageType) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list mailbox directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		agentID := strings.TrimSuffix(e.Name(), ".jsonl")
		if agentID == b.selfID {
			continue
		}
		msg := models.Message{
			MessageID:   newMessageID(),
			FromAgentID: b.selfID,
			ToAgentID:   models.BroadcastRecipient,
			Type:        msgType,
			Content:     content,
			Timestamp:   time.Now(),
		}
		if err := b.deliver(agentID, msg); err != nil {
			return fmt.Errorf("broadcast to %s: %w", agentID, err)
		}
	}
	return nil
}

// Poll reads new, complete lines from self's mailbox past the current
// cursor, returns them as Messages, and advances the cursor past exactly
// the lines consumed. Non-blocking. A trailing partial line (observed
// mid-write by a concurrent Send) is left for the next Poll.
func (b *Bus) Poll() ([]models.Message, error) {
	if len(b.buffered) > 0 {
		out := b.buffered
		b.buffered = nil
		return out, nil
	}

	f, err := os.Open(b.mailboxPath(b.selfID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	var msgs []models.Message
	line := 0
	for scanner.Scan() {
		line++
		if line <= b.cursor {
			continue
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// A line truncated mid-write looks like invalid JSON; since we
			// cannot tell a genuinely corrupt line from a torn write, leave
			// the cursor before it and retry on the next Poll.
			line--
			break
		}
		msgs = append(msgs, msg)
	}
	b.cursor = line
	return msgs, nil
}

// WaitForMessages polls at pollInterval, accelerated by an fsnotify watch on
// the mailbox file, until at least one message arrives, timeout elapses, or
// ctx is canceled.
func (b *Bus) WaitForMessages(ctx context.Context, timeout time.Duration) ([]models.Message, error) {
	deadline := time.Now().Add(timeout)

	watcher, watchCh := b.startWatch()
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		msgs, err := b.Poll()
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-watchCh:
		case <-ticker.C:
		}
	}
}

// WaitForMessageOfType behaves like WaitForMessages but returns only the
// first message matching msgType. Messages of other types consumed along
// the way are buffered so a later Poll or WaitForMessages still observes
// them in order.
func (b *Bus) WaitForMessageOfType(ctx context.Context, msgType models.MessageType, timeout time.Duration) (*models.Message, error) {
	deadline := time.Now().Add(timeout)

	watcher, watchCh := b.startWatch()
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var pending []models.Message
	for {
		msgs, err := b.Poll()
		if err != nil {
			return nil, err
		}
		pending = append(pending, msgs...)

		for i, m := range pending {
			if m.Type == msgType {
				rest := append([]models.Message(nil), pending[:i]...)
				rest = append(rest, pending[i+1:]...)
				b.buffered = append(rest, b.buffered...)
				found := m
				return &found, nil
			}
		}

		if time.Now().After(deadline) {
			b.buffered = append(pending, b.buffered...)
			return nil, nil
		}

		select {
		case <-ctx.Done():
			b.buffered = append(pending, b.buffered...)
			return nil, ctx.Err()
		case <-watchCh:
		case <-ticker.C:
		}
	}
}

// startWatch sets up an fsnotify watch on self's mailbox file as a latency
// optimization only: if the watcher cannot be created (missing file, OS
// limits), the caller falls back to pure interval polling and correctness
// is unaffected.
func (b *Bus) startWatch() (*fsnotify.Watcher, <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil
	}
	if err := watcher.Add(b.dir); err != nil {
		watcher.Close()
		return nil, nil
	}

	notify := make(chan struct{}, 1)
	target := b.mailboxPath(b.selfID)
	go func() {
		for event := range watcher.Events {
			if event.Name != target {
				continue
			}
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	}()
	return watcher, notify
}

func newMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
