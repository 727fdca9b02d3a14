package provider

import "encoding/json"

// envelope covers the three stream-JSON line shapes spec'd for provider
// output: the Anthropic Messages streaming envelope
// (type=stream_event, event.type=content_block_delta, delta.text), a flat
// {text: ...} line, and a provider-specific envelope using
// type ∈ {text, text_delta, content_block_delta} with text, delta.text, or
// content. Unknown shapes parse into an empty delta and are ignored for
// parsed-text purposes, but the raw line is always retained by the caller.
type envelope struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Content string `json:"content"`
	Event   *struct {
		Type  string `json:"type"`
		Delta *struct {
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
	Delta *struct {
		Text string `json:"text"`
	} `json:"delta"`
}

// extractDelta returns the incremental text a stream-JSON line carries, or
// "" if the line does not match any known shape.
func extractDelta(line []byte) string {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return ""
	}

	// Shape 1: root type=stream_event, event.type=content_block_delta, delta.text.
	if env.Type == "stream_event" && env.Event != nil && env.Event.Type == "content_block_delta" && env.Event.Delta != nil {
		return env.Event.Delta.Text
	}

	// Shape 3: provider-specific envelope, type in {text, text_delta, content_block_delta}.
	switch env.Type {
	case "text":
		if env.Text != "" {
			return env.Text
		}
		return env.Content
	case "text_delta", "content_block_delta":
		if env.Delta != nil {
			return env.Delta.Text
		}
	}

	// Shape 2: flat {text: ...} with no recognized type.
	if env.Type == "" && env.Text != "" {
		return env.Text
	}

	return ""
}
