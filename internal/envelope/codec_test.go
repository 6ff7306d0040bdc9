package envelope

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMarshalProducesOneLine(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{name: "status processing", env: NewStatus(StatusProcessing)},
		{name: "completed with response", env: NewCompleted(json.RawMessage(`{"message":"ok"}`))},
		{name: "failed", env: NewFailed("boom")},
		{name: "progress", env: NewProgress(3, "reading files")},
		{name: "heartbeat", env: NewHeartbeat()},
		{name: "tool started", env: NewToolStarted("shell", "ls -la")},
		{name: "tool completed", env: NewToolCompleted("shell", "12 files", true)},
		{name: "state sync", env: NewStateSync(map[string]any{"step": 2})},
		{name: "error", env: NewError("transient hiccup")},
		{name: "message with embedded newline", env: NewProgress(1, "line one\nline two")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Marshal(tt.env, time.Unix(1700000000, 0))
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if line[len(line)-1] != '\n' {
				t.Error("line is not newline-terminated")
			}
			if bytes.Count(line, []byte{'\n'}) != 1 {
				t.Errorf("line contains embedded newline: %q", line)
			}
		})
	}
}

func TestEncoderStampsTimestamp(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.now = func() time.Time { return time.Unix(1700000123, 500_000_000) }

	if err := enc.Encode(NewStatus(StatusInitializing)); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := DecodeLine(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	if env.Timestamp != 1700000123.5 {
		t.Errorf("timestamp = %v, want 1700000123.5", env.Timestamp)
	}
}

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, env Envelope)
	}{
		{
			name:  "status processing",
			input: `{"type":"status","timestamp":1.5,"status":"processing"}`,
			checkFn: func(t *testing.T, env Envelope) {
				p, ok := env.Payload.(StatusPayload)
				if !ok {
					t.Fatalf("payload type = %T, want StatusPayload", env.Payload)
				}
				if p.Status != StatusProcessing {
					t.Errorf("status = %s, want processing", p.Status)
				}
				if env.Terminal() {
					t.Error("processing status must not be terminal")
				}
			},
		},
		{
			name:  "terminal completed with response",
			input: `{"type":"status","status":"completed","response":{"message":"ok"}}`,
			checkFn: func(t *testing.T, env Envelope) {
				if !env.Terminal() {
					t.Error("completed status must be terminal")
				}
				p := env.Payload.(StatusPayload)
				var resp map[string]string
				if err := json.Unmarshal(p.Response, &resp); err != nil {
					t.Fatalf("unmarshal response: %v", err)
				}
				if resp["message"] != "ok" {
					t.Errorf("response message = %q, want ok", resp["message"])
				}
			},
		},
		{
			name:  "terminal error",
			input: `{"type":"status","status":"error","error":"it broke"}`,
			checkFn: func(t *testing.T, env Envelope) {
				if !env.Terminal() {
					t.Error("error status must be terminal")
				}
				if p := env.Payload.(StatusPayload); p.Error != "it broke" {
					t.Errorf("error = %q, want 'it broke'", p.Error)
				}
			},
		},
		{
			name:  "missing type defaults to status",
			input: `{"status":"initializing"}`,
			checkFn: func(t *testing.T, env Envelope) {
				if env.Type != TypeStatus {
					t.Errorf("type = %s, want status", env.Type)
				}
			},
		},
		{
			name:  "error type is not terminal",
			input: `{"type":"error","error":"stderr noise"}`,
			checkFn: func(t *testing.T, env Envelope) {
				if env.Terminal() {
					t.Error("error-type envelope must not be terminal")
				}
			},
		},
		{
			name:  "heartbeat",
			input: `{"type":"heartbeat","timestamp":12.0}`,
			checkFn: func(t *testing.T, env Envelope) {
				if _, ok := env.Payload.(HeartbeatPayload); !ok {
					t.Errorf("payload type = %T, want HeartbeatPayload", env.Payload)
				}
			},
		},
		{
			name:  "tool completed default ok",
			input: `{"type":"tool_completed","tool":"search","output":"3 hits"}`,
			checkFn: func(t *testing.T, env Envelope) {
				p := env.Payload.(ToolCompletedPayload)
				if !p.OK {
					t.Error("ok should default to true when omitted")
				}
			},
		},
		{
			name:  "unknown tag preserved",
			input: `{"type":"telemetry","cpu":0.7}`,
			checkFn: func(t *testing.T, env Envelope) {
				p, ok := env.Payload.(UnknownPayload)
				if !ok {
					t.Fatalf("payload type = %T, want UnknownPayload", env.Payload)
				}
				if p.Tag != "telemetry" {
					t.Errorf("tag = %q, want telemetry", p.Tag)
				}
				if p.Fields["cpu"] != 0.7 {
					t.Errorf("fields[cpu] = %v, want 0.7", p.Fields["cpu"])
				}
			},
		},
		{name: "empty line", input: "", wantErr: true},
		{name: "not json", input: "panic: goroutine stack", wantErr: true},
		{name: "invalid status value", input: `{"type":"status","status":"exploded"}`, wantErr: true},
		{name: "status without status field", input: `{"type":"status","timestamp":1.0}`, wantErr: true},
		{name: "bare object", input: `{}`, wantErr: true},
		{name: "status error without message", input: `{"type":"status","status":"error"}`, wantErr: true},
		{name: "error type without message", input: `{"type":"error"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeLine([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, env)
			}
		})
	}
}

func TestDecodeLineIsSelfContained(t *testing.T) {
	// Every line must parse independently of its neighbors: decoding a valid
	// line after a garbage line yields the same envelope as decoding it alone.
	valid := `{"type":"progress","step":1,"message":"working"}`

	alone, err := DecodeLine([]byte(valid))
	if err != nil {
		t.Fatalf("DecodeLine(alone): %v", err)
	}

	if _, err := DecodeLine([]byte("}{ garbage")); err == nil {
		t.Fatal("garbage line should fail to decode")
	}

	after, err := DecodeLine([]byte(valid))
	if err != nil {
		t.Fatalf("DecodeLine(after garbage): %v", err)
	}
	if alone.Payload != after.Payload {
		t.Errorf("payload differs after garbage: %+v vs %+v", alone.Payload, after.Payload)
	}
}

func TestSyntheticError(t *testing.T) {
	env := SyntheticError("Traceback (most recent call last)", "stderr")
	if env.Type != TypeError {
		t.Errorf("type = %s, want error", env.Type)
	}
	if env.Terminal() {
		t.Error("synthetic error must not be terminal")
	}
	p := env.Payload.(ErrorPayload)
	if p.Source != "stderr" {
		t.Errorf("source = %q, want stderr", p.Source)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	env := NewToolStarted("write_file", "notes.txt")
	line, err := Marshal(env, time.Unix(42, 0))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := DecodeLine(line)
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	if got.Type != TypeToolStarted {
		t.Errorf("type = %s, want tool_started", got.Type)
	}
	if p := got.Payload.(ToolStartedPayload); p.Tool != "write_file" || p.Input != "notes.txt" {
		t.Errorf("payload = %+v", p)
	}
	if !strings.Contains(string(line), `"timestamp":42`) {
		t.Errorf("line missing stamped timestamp: %s", line)
	}
}
