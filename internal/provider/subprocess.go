package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shayc/crewctl/internal/procutil"
)

// summaryMaxChars caps the final summary line emitted via onOutput.
const summaryMaxChars = 200

// invokeSubprocess launches cfg.Command as a subprocess, delivers prompt
// per cfg.Delivery, and streams stdout line by line. Stderr is drained
// concurrently by procutil.StreamLines so neither pipe can back up and
// deadlock the other against cmd.Wait().
func invokeSubprocess(ctx context.Context, cfg Config, prompt, workingDir string, onOutput OnOutput) (Result, error) {
	start := time.Now()

	var cmd *exec.Cmd
	var cleanup func()

	switch cfg.Delivery {
	case DeliveryPromptArgument:
		script, scriptCleanup, err := promptArgumentScript(prompt)
		if err != nil {
			return Result{}, err
		}
		cleanup = scriptCleanup
		cmd = exec.CommandContext(ctx, "/bin/sh", buildPromptArgumentArgs(script, cfg.Command, cfg.Args)...)
	default: // DeliveryStdin
		cmd = exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		cmd.Stdin = strings.NewReader(prompt)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if workingDir != "" {
		cmd.Dir = workingDir
	}
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	lr, err := procutil.StreamLines(cmd)
	if err != nil {
		return Result{}, fmt.Errorf("start provider %s: %w", cfg.Name, err)
	}

	var raw bytes.Buffer
	var parsed strings.Builder
	var lastNonEmpty string

	heartbeat := time.NewTicker(heartbeatInterval(cfg))
	defer heartbeat.Stop()

loop:
	for {
		select {
		case line, ok := <-lr.Lines:
			if !ok {
				break loop
			}
			raw.Write(line)
			raw.WriteByte('\n')

			text := line2text(line, cfg.StreamJSON)
			if text != "" {
				parsed.WriteString(text)
				lastNonEmpty = strings.TrimSpace(text)
			}
		case <-heartbeat.C:
			if onOutput != nil {
				onOutput(fmt.Sprintf("... %d chars parsed so far", parsed.Len()))
			}
		case <-ctx.Done():
			break loop
		}
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	res := Result{
		RawOutput:   raw.Bytes(),
		ParsedText:  parsed.String(),
		OutputChars: parsed.Len(),
		ErrorChars:  len(lr.Stderr()),
		Duration:    duration,
	}

	if waitErr != nil {
		res.Error = fmt.Sprintf("%v: %s", waitErr, firstLine(lr.Stderr()))
		return res, nil
	}
	res.Success = true

	if onOutput != nil && lastNonEmpty != "" {
		if len(lastNonEmpty) > summaryMaxChars {
			lastNonEmpty = lastNonEmpty[:summaryMaxChars]
		}
		onOutput(lastNonEmpty)
	}

	return res, nil
}

// line2text extracts the parsed-text contribution of one stdout line: the
// whole line verbatim for plain-text providers, or the delta extracted from
// one of the known stream-JSON envelope shapes.
func line2text(line []byte, streamJSON bool) string {
	if !streamJSON {
		return string(line) + "\n"
	}
	return extractDelta(line)
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// promptArgumentScript writes prompt to a temp file and returns a small
// shell script path that pipes the file into the eventual command. The
// script replaces its inherited stdin with the prompt file via `exec <`
// before running the command, so the command reads the prompt and then EOF.
func promptArgumentScript(prompt string) (scriptPath string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "crewctl-prompt-*")
	if err != nil {
		return "", nil, fmt.Errorf("create prompt temp dir: %w", err)
	}
	promptPath := filepath.Join(dir, "prompt.txt")
	if err := os.WriteFile(promptPath, []byte(prompt), 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("write prompt file: %w", err)
	}

	script := fmt.Sprintf("#!/bin/sh\nexec < %q\n\"$@\"\n", promptPath)
	scriptPath = filepath.Join(dir, "run.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o700); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("write prompt script: %w", err)
	}

	return scriptPath, func() { os.RemoveAll(dir) }, nil
}

func buildPromptArgumentArgs(script, command string, args []string) []string {
	out := make([]string, 0, len(args)+3)
	out = append(out, script, command)
	out = append(out, args...)
	return out
}
