package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxOutputTokens bounds a single negotiation/work turn response.
const maxOutputTokens = 8192

// invokeSDK runs an in-process, single-turn call against the Anthropic
// Messages streaming API for providers declared InProcess in their Config.
// This is the path for the stream_event/content_block_delta envelope named
// explicitly in the provider contract: rather than hand-parse that shape
// from subprocess stdout, the in-process adapter consumes the SDK's own
// streaming iterator directly.
func invokeSDK(ctx context.Context, cfg Config, prompt string, onOutput OnOutput) (Result, error) {
	start := time.Now()

	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := anthropic.NewClient(opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: maxOutputTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	stream := client.Messages.NewStreaming(ctx, params)

	var parsed strings.Builder
	var lastNonEmpty string
	heartbeat := time.NewTicker(heartbeatInterval(cfg))
	defer heartbeat.Stop()

	heartbeatDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-heartbeat.C:
				if onOutput != nil {
					onOutput(fmt.Sprintf("... %d chars parsed so far", parsed.Len()))
				}
			case <-heartbeatDone:
				return
			}
		}
	}()

	var message anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			continue
		}

		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if textDelta, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && textDelta.Text != "" {
				parsed.WriteString(textDelta.Text)
				lastNonEmpty = strings.TrimSpace(textDelta.Text)
			}
		}
	}
	close(heartbeatDone)

	duration := time.Since(start)

	if err := stream.Err(); err != nil {
		return Result{
			ParsedText:  parsed.String(),
			OutputChars: parsed.Len(),
			Error:       err.Error(),
			Duration:    duration,
		}, nil
	}

	raw, _ := message.RawJSON()

	res := Result{
		Success:     true,
		RawOutput:   []byte(raw),
		ParsedText:  parsed.String(),
		OutputChars: parsed.Len(),
		Duration:    duration,
	}

	if onOutput != nil && lastNonEmpty != "" {
		summary := lastNonEmpty
		if len(summary) > summaryMaxChars {
			summary = summary[:summaryMaxChars]
		}
		onOutput(summary)
	}

	return res, nil
}
