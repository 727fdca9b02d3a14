package provider

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExtractDeltaStreamEventShape(t *testing.T) {
	line := []byte(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"text":"hel"}}}`)
	if got := extractDelta(line); got != "hel" {
		t.Errorf("extractDelta() = %q, want %q", got, "hel")
	}
}

func TestExtractDeltaFlatTextShape(t *testing.T) {
	line := []byte(`{"text":"lo"}`)
	if got := extractDelta(line); got != "lo" {
		t.Errorf("extractDelta() = %q, want %q", got, "lo")
	}
}

func TestExtractDeltaProviderSpecificShape(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"text type with content", `{"type":"text","content":"world"}`, "world"},
		{"text_delta with delta.text", `{"type":"text_delta","delta":{"text":"!"}}`, "!"},
		{"content_block_delta with delta.text", `{"type":"content_block_delta","delta":{"text":"x"}}`, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDelta([]byte(tt.line)); got != tt.want {
				t.Errorf("extractDelta(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}

func TestExtractDeltaUnknownShapeIgnored(t *testing.T) {
	line := []byte(`{"type":"system","message":"hi"}`)
	if got := extractDelta(line); got != "" {
		t.Errorf("extractDelta() = %q, want empty", got)
	}
}

func TestInvokeSubprocessStdinDelivery(t *testing.T) {
	cfg := Config{
		Name:     "cat-echo",
		Command:  "sh",
		Args:     []string{"-c", "cat; echo done 1>&2"},
		Delivery: DeliveryStdin,
	}

	res, err := NewDefaultInvoker().Invoke(context.Background(), cfg, "hello prompt", "", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if !strings.Contains(res.ParsedText, "hello prompt") {
		t.Errorf("ParsedText = %q, want to contain prompt", res.ParsedText)
	}
}

func TestInvokeSubprocessPromptArgumentDelivery(t *testing.T) {
	cfg := Config{
		Name:     "cat-arg",
		Command:  "cat",
		Delivery: DeliveryPromptArgument,
	}

	res, err := NewDefaultInvoker().Invoke(context.Background(), cfg, "from temp file", "", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if !strings.Contains(res.ParsedText, "from temp file") {
		t.Errorf("ParsedText = %q, want to contain prompt", res.ParsedText)
	}
}

func TestInvokeSubprocessReportsFailure(t *testing.T) {
	cfg := Config{
		Name:     "failer",
		Command:  "sh",
		Args:     []string{"-c", "echo oops 1>&2; exit 1"},
		Delivery: DeliveryStdin,
	}

	res, err := NewDefaultInvoker().Invoke(context.Background(), cfg, "", "", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Success {
		t.Fatal("expected Success = false")
	}
	if res.Error == "" {
		t.Error("expected a non-empty Error")
	}
}

func TestInvokeSubprocessEmitsHeartbeat(t *testing.T) {
	cfg := Config{
		Name:              "slow",
		Command:           "sh",
		Args:              []string{"-c", "sleep 0.3; echo done"},
		Delivery:          DeliveryStdin,
		HeartbeatInterval: 50 * time.Millisecond,
	}

	var lines []string
	_, err := NewDefaultInvoker().Invoke(context.Background(), cfg, "", "", func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if len(lines) == 0 {
		t.Error("expected at least one onOutput call (heartbeat or summary)")
	}
}

func TestInvokeSubprocessStreamJSONParsesDeltas(t *testing.T) {
	cfg := Config{
		Name:       "streaming",
		Command:    "sh",
		Args:       []string{"-c", `echo '{"type":"text_delta","delta":{"text":"ab"}}'; echo '{"type":"text_delta","delta":{"text":"cd"}}'`},
		Delivery:   DeliveryStdin,
		StreamJSON: true,
	}

	res, err := NewDefaultInvoker().Invoke(context.Background(), cfg, "", "", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.ParsedText != "abcd" {
		t.Errorf("ParsedText = %q, want %q", res.ParsedText, "abcd")
	}
}
