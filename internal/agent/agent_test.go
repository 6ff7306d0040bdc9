package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// recordingReporter captures the notifications an agent run produces.
type recordingReporter struct {
	events []string
}

func (r *recordingReporter) Progress(step int, message string) {
	r.events = append(r.events, fmt.Sprintf("progress:%d:%s", step, message))
}

func (r *recordingReporter) ToolStarted(tool, input string) {
	r.events = append(r.events, "tool_started:"+tool)
}

func (r *recordingReporter) ToolCompleted(tool, output string, ok bool) {
	r.events = append(r.events, fmt.Sprintf("tool_completed:%s:%v", tool, ok))
}

func (r *recordingReporter) StateSync(state map[string]any) {
	r.events = append(r.events, "state_sync")
}

func testAgent(t *testing.T) (*RuleAgent, string) {
	t.Helper()
	dir := t.TempDir()
	tb := NewToolbox(Policy{WorkDir: dir, AllowShell: true, ShellTimeout: 5 * time.Second})
	return NewRuleAgent(tb, 8, nil), dir
}

func TestRunEmptyDescription(t *testing.T) {
	a, _ := testAgent(t)
	if _, err := a.Run(context.Background(), "  ", &recordingReporter{}); err == nil {
		t.Fatal("expected error for empty description")
	}
}

func TestRunNoToolFallback(t *testing.T) {
	a, _ := testAgent(t)
	rep := &recordingReporter{}

	resp, err := a.Run(context.Background(), "remember to water the plants", rep)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Steps != 0 {
		t.Errorf("steps = %d, want 0", resp.Steps)
	}
	if !strings.Contains(resp.Message, "water the plants") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestRunReadFile(t *testing.T) {
	a, dir := testAgent(t)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("milk"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep := &recordingReporter{}

	resp, err := a.Run(context.Background(), "read notes.txt", rep)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Steps != 1 {
		t.Fatalf("steps = %d, want 1", resp.Steps)
	}
	if resp.Tools[0] != ToolReadFile {
		t.Errorf("tools = %v", resp.Tools)
	}
	if !strings.Contains(resp.Message, "milk") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestRunShellDirective(t *testing.T) {
	a, _ := testAgent(t)
	rep := &recordingReporter{}

	resp, err := a.Run(context.Background(), "run: echo done", rep)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Tools[0] != ToolShell {
		t.Errorf("tools = %v", resp.Tools)
	}
	if !strings.Contains(resp.Message, "done") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestRunReportsLifecycle(t *testing.T) {
	a, dir := testAgent(t)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644)
	rep := &recordingReporter{}

	if _, err := a.Run(context.Background(), "read a.txt", rep); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var saw []string
	for _, ev := range rep.events {
		saw = append(saw, strings.SplitN(ev, ":", 2)[0])
	}
	want := []string{"progress", "progress", "tool_started", "tool_completed", "state_sync"}
	if len(saw) != len(want) {
		t.Fatalf("events = %v", rep.events)
	}
	for i := range want {
		if saw[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, saw[i], want[i])
		}
	}
}

func TestRunAllStepsFailed(t *testing.T) {
	a, _ := testAgent(t)
	rep := &recordingReporter{}

	if _, err := a.Run(context.Background(), "read missing.txt", rep); err == nil {
		t.Fatal("expected error when every step fails")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	a, _ := testAgent(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Run(ctx, "run: echo hi", &recordingReporter{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !strings.Contains(err.Error(), "canceled") {
		t.Errorf("err = %v", err)
	}
}

func TestPlanRules(t *testing.T) {
	a, _ := testAgent(t)
	tests := []struct {
		desc string
		want []string
	}{
		{"read config.yaml", []string{ToolReadFile}},
		{"write report.md: all good", []string{ToolWriteFile}},
		{"search for deadline", []string{ToolSearch}},
		{"list files", []string{ToolListFiles}},
		{"run: make test", []string{ToolShell}},
		{"read in.txt and write out.txt", []string{ToolReadFile, ToolWriteFile}},
		{"just a plain note", nil},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			plan := a.plan(tt.desc)
			if len(plan) != len(tt.want) {
				t.Fatalf("plan = %+v, want tools %v", plan, tt.want)
			}
			for i, act := range plan {
				if act.tool != tt.want[i] {
					t.Errorf("plan[%d].tool = %s, want %s", i, act.tool, tt.want[i])
				}
			}
		})
	}
}
