package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mattjoyce/squire/internal/envelope"
)

func TestRouteTerminalDecision(t *testing.T) {
	tests := []struct {
		name     string
		env      envelope.Envelope
		terminal bool
	}{
		{"status initializing", envelope.NewStatus(envelope.StatusInitializing), false},
		{"status processing", envelope.NewStatus(envelope.StatusProcessing), false},
		{"status completed", envelope.NewCompleted(json.RawMessage(`{}`)), true},
		{"status error", envelope.NewFailed("boom"), true},
		{"progress", envelope.NewProgress(1, "working"), false},
		{"state sync", envelope.NewStateSync(nil), false},
		{"heartbeat", envelope.NewHeartbeat(), false},
		{"tool started", envelope.NewToolStarted("shell", "ls"), false},
		{"tool completed", envelope.NewToolCompleted("shell", "", true), false},
		{"error type", envelope.NewError("noise"), false},
		{"synthetic stderr error", envelope.SyntheticError("junk", "stderr"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eff := New().Route(tt.env)
			if eff.Terminal != tt.terminal {
				t.Errorf("Terminal = %v, want %v", eff.Terminal, tt.terminal)
			}
		})
	}
}

func TestRouteCompletedCarriesResponse(t *testing.T) {
	eff := New().Route(envelope.NewCompleted(json.RawMessage(`{"message":"ok"}`)))
	if !eff.Terminal {
		t.Fatal("completed should be terminal")
	}
	var resp map[string]string
	if err := json.Unmarshal(eff.Response, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["message"] != "ok" {
		t.Errorf("response message = %q, want ok", resp["message"])
	}
}

func TestRouteErrorCarriesMessage(t *testing.T) {
	eff := New().Route(envelope.NewFailed("worker exploded"))
	if !eff.Terminal {
		t.Fatal("status=error should be terminal")
	}
	if eff.Err != "worker exploded" {
		t.Errorf("Err = %q, want 'worker exploded'", eff.Err)
	}
}

func TestRouteUnknownTagFallsThrough(t *testing.T) {
	env := envelope.Envelope{
		Type:    envelope.Type("telemetry"),
		Payload: envelope.UnknownPayload{Tag: "telemetry", Fields: map[string]any{"cpu": 0.5}},
	}
	eff := New().Route(env)
	if eff.Kind != KindUnstructured {
		t.Errorf("kind = %s, want unstructured", eff.Kind)
	}
	if eff.Terminal {
		t.Error("unknown tags must never terminate the session")
	}
}

func TestRouteToolElapsedEnrichment(t *testing.T) {
	r := New()
	base := time.Unix(1000, 0)
	r.now = func() time.Time { return base }

	r.Route(envelope.NewToolStarted("search", "TODO"))

	r.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	eff := r.Route(envelope.NewToolCompleted("search", "2 hits", true))

	if eff.Elapsed != 1500*time.Millisecond {
		t.Errorf("Elapsed = %v, want 1.5s", eff.Elapsed)
	}
}

func TestRouteToolCompletedWithoutStart(t *testing.T) {
	eff := New().Route(envelope.NewToolCompleted("shell", "", false))
	if eff.Elapsed != 0 {
		t.Errorf("Elapsed = %v, want 0 for unmatched completion", eff.Elapsed)
	}
	if eff.Kind != KindToolCompleted {
		t.Errorf("kind = %s, want tool_completed", eff.Kind)
	}
}

func TestRouteObservesWriteOrder(t *testing.T) {
	// Feed a full session worth of envelopes and verify exactly one terminal
	// effect, positioned where it was written.
	envs := []envelope.Envelope{
		envelope.NewStatus(envelope.StatusInitializing),
		envelope.NewProgress(1, "planning"),
		envelope.NewToolStarted("read_file", "main.go"),
		envelope.NewToolCompleted("read_file", "120 lines", true),
		envelope.NewHeartbeat(),
		envelope.NewCompleted(json.RawMessage(`{"message":"done"}`)),
	}

	r := New()
	terminals := 0
	for i, env := range envs {
		eff := r.Route(env)
		if eff.Terminal {
			terminals++
			if i != len(envs)-1 {
				t.Errorf("terminal effect at index %d, want %d", i, len(envs)-1)
			}
		}
	}
	if terminals != 1 {
		t.Errorf("terminal effects = %d, want exactly 1", terminals)
	}
	if r.Seen(envelope.TypeHeartbeat) != 1 {
		t.Errorf("Seen(heartbeat) = %d, want 1", r.Seen(envelope.TypeHeartbeat))
	}
}
