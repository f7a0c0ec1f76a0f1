package telemetry

import (
	"context"
	"testing"

	"github.com/troupe-dev/troupe/internal/common/config"
	"github.com/troupe-dev/troupe/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

// reset puts the package back into its uninitialized state so tests do
// not depend on execution order.
func reset(t *testing.T) {
	t.Helper()
	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "strips http prefix",
			input:    "http://localhost:4318",
			expected: "localhost:4318",
		},
		{
			name:     "strips https prefix",
			input:    "https://otel.example.com:4318",
			expected: "otel.example.com:4318",
		},
		{
			name:     "returns unchanged when no scheme",
			input:    "localhost:4318",
			expected: "localhost:4318",
		},
		{
			name:     "handles empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := endpointHost(tt.input)
			if got != tt.expected {
				t.Errorf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTracerNoopBeforeInit(t *testing.T) {
	reset(t)

	tracer := Tracer("test-tracer")
	if tracer == nil {
		t.Fatal("expected non-nil tracer")
	}
	_, span := tracer.Start(context.Background(), "op")
	defer span.End()
	if span.IsRecording() {
		t.Error("expected non-recording span before Init")
	}
}

func TestInitDisabledStaysNoop(t *testing.T) {
	reset(t)

	cfg := config.TelemetryConfig{Enabled: false, Endpoint: "localhost:4318"}
	if err := Init(context.Background(), cfg, newTestLogger(t)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if span.IsRecording() {
		t.Error("expected non-recording span with telemetry disabled")
	}
}

func TestInitWithoutEndpointStaysNoop(t *testing.T) {
	reset(t)

	cfg := config.TelemetryConfig{Enabled: true}
	if err := Init(context.Background(), cfg, newTestLogger(t)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if span.IsRecording() {
		t.Error("expected non-recording span without an endpoint")
	}
}

func TestInitAndShutdown(t *testing.T) {
	reset(t)

	// The exporter connects lazily, so a dead endpoint is fine as long
	// as no finished spans need flushing.
	cfg := config.TelemetryConfig{
		Enabled:  true,
		Endpoint: "http://127.0.0.1:4318",
		Insecure: true,
	}
	if err := Init(context.Background(), cfg, newTestLogger(t)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := Tracer("test").Start(context.Background(), "op")
	if !span.IsRecording() {
		t.Error("expected recording span after Init")
	}

	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_, after := Tracer("test").Start(context.Background(), "op")
	defer after.End()
	if after.IsRecording() {
		t.Error("expected non-recording span after Shutdown")
	}
}

func TestShutdownWithoutInit(t *testing.T) {
	reset(t)
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestSpanHelpersTolerateNil(t *testing.T) {
	EndTurn(nil, "end_turn", true)
	EndToolCall(nil, true, "boom")
	RecordStderr(nil, "line")
}

func TestTurnSpanRoundTrip(t *testing.T) {
	reset(t)
	ctx := context.Background()

	_, span := StartTurn(ctx, "net1", "ag1", "msg1")
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	RecordStderr(span, "warning: something")
	EndTurn(span, "end_turn", false)
}

func TestToolCallSpanRoundTrip(t *testing.T) {
	reset(t)
	ctx := context.Background()

	returnedCtx, span := StartToolCall(ctx, "troupe-agent", "agent_spawn", "ag1")
	if returnedCtx == nil {
		t.Fatal("expected non-nil context")
	}
	EndToolCall(span, true, "spawn failed")
}
