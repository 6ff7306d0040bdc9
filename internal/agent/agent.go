// Package agent executes a task description inside a worker process. The
// built-in agent is rule based: it derives a small plan from the description,
// walks it through the tool table, and reports progress as it goes.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Reporter receives progress notifications while an agent works. The worker
// runtime implements it by emitting update envelopes.
type Reporter interface {
	Progress(step int, message string)
	ToolStarted(tool, input string)
	ToolCompleted(tool, output string, ok bool)
	StateSync(state map[string]any)
}

// Response is the agent's final answer for a task.
type Response struct {
	Message string   `json:"message"`
	Steps   int      `json:"steps"`
	Tools   []string `json:"tools,omitempty"`
}

// Agent turns a task description into a Response, reporting progress along
// the way. Run returns an error only when the task cannot produce an answer;
// individual tool failures are folded into the response.
type Agent interface {
	Run(ctx context.Context, description string, rep Reporter) (Response, error)
}

// action is one planned tool invocation.
type action struct {
	tool  string
	input string
}

// RuleAgent plans tool calls with keyword rules. It is deterministic, which
// keeps supervised runs reproducible in tests.
type RuleAgent struct {
	tools    *Toolbox
	maxSteps int
	logger   *slog.Logger
}

// NewRuleAgent builds an agent over the given toolbox. maxSteps caps the
// plan length; values below 1 default to 8.
func NewRuleAgent(tools *Toolbox, maxSteps int, logger *slog.Logger) *RuleAgent {
	if maxSteps < 1 {
		maxSteps = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleAgent{tools: tools, maxSteps: maxSteps, logger: logger}
}

func (a *RuleAgent) Run(ctx context.Context, description string, rep Reporter) (Response, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Response{}, fmt.Errorf("task description is empty")
	}

	plan := a.plan(description)
	if len(plan) > a.maxSteps {
		plan = plan[:a.maxSteps]
	}

	rep.Progress(0, fmt.Sprintf("planned %d steps", len(plan)))

	var (
		results []string
		used    []string
		failed  int
	)
	for i, act := range plan {
		// Cancellation is only honored between steps. A step in flight runs
		// to completion so its tool never half-applies.
		if err := ctx.Err(); err != nil {
			return Response{}, fmt.Errorf("canceled after %d of %d steps: %w", i, len(plan), err)
		}

		step := i + 1
		rep.Progress(step, fmt.Sprintf("running %s", act.tool))
		rep.ToolStarted(act.tool, act.input)

		out, err := a.tools.Invoke(ctx, act.tool, act.input)
		if err != nil {
			failed++
			a.logger.Warn("tool failed", "tool", act.tool, "error", err)
			rep.ToolCompleted(act.tool, err.Error(), false)
			results = append(results, fmt.Sprintf("%s failed: %v", act.tool, err))
		} else {
			rep.ToolCompleted(act.tool, summarize(out), true)
			results = append(results, fmt.Sprintf("%s: %s", act.tool, summarize(out)))
		}
		used = append(used, act.tool)

		rep.StateSync(map[string]any{
			"step":      step,
			"of":        len(plan),
			"last_tool": act.tool,
		})
	}

	if failed == len(plan) && len(plan) > 0 {
		return Response{}, fmt.Errorf("all %d planned steps failed", len(plan))
	}

	msg := "noted: " + description
	if len(results) > 0 {
		msg = strings.Join(results, "; ")
	}
	return Response{Message: msg, Steps: len(plan), Tools: used}, nil
}

var (
	readPattern   = regexp.MustCompile(`(?i)\b(?:read|show|cat|open)\s+(\S+\.\w+)`)
	writePattern  = regexp.MustCompile(`(?i)\b(?:write|save|create)\s+(?:file\s+)?(\S+\.\w+)(?:\s*[:=]\s*(.+))?`)
	searchPattern = regexp.MustCompile(`(?i)\b(?:search|find|grep)\s+(?:for\s+)?["']?([^"']+?)["']?\s*$`)
	shellPattern  = regexp.MustCompile(`(?i)\b(?:run|exec|shell)\s*[:]\s*(.+)`)
	listPattern   = regexp.MustCompile(`(?i)\b(?:list|ls)\b(?:\s+files)?(?:\s+(?:in\s+)?(\S+))?`)
)

// plan derives the ordered tool invocations for a description. Rules are
// checked most specific first; a description matching nothing yields an
// empty plan and the agent just acknowledges the task.
func (a *RuleAgent) plan(description string) []action {
	var plan []action

	if m := shellPattern.FindStringSubmatch(description); m != nil {
		plan = append(plan, action{tool: ToolShell, input: strings.TrimSpace(m[1])})
	}
	if m := readPattern.FindStringSubmatch(description); m != nil {
		plan = append(plan, action{tool: ToolReadFile, input: m[1]})
	}
	if m := writePattern.FindStringSubmatch(description); m != nil {
		input := m[1]
		if strings.TrimSpace(m[2]) != "" {
			input = m[1] + "\x00" + strings.TrimSpace(m[2])
		}
		plan = append(plan, action{tool: ToolWriteFile, input: input})
	}
	if m := searchPattern.FindStringSubmatch(description); m != nil && len(plan) == 0 {
		plan = append(plan, action{tool: ToolSearch, input: strings.TrimSpace(m[1])})
	}
	if m := listPattern.FindStringSubmatch(description); m != nil && len(plan) == 0 {
		plan = append(plan, action{tool: ToolListFiles, input: strings.TrimSpace(m[1])})
	}

	return plan
}

func summarize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > 200 {
		s = s[:197] + "..."
	}
	return s
}
