// Package worker is the child-process side of a supervised run. It decodes
// its work order from argv, executes the agent, and streams update envelopes
// to stdout, always finishing with exactly one terminal status envelope.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mattjoyce/squire/internal/agent"
	"github.com/mattjoyce/squire/internal/envelope"
)

// Payload is the work order the supervisor hands to a worker process.
type Payload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
}

// EncodePayload packs a payload for transport on the command line.
func EncodePayload(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayload unpacks a command-line payload argument.
func DecodePayload(arg string) (Payload, error) {
	data, err := base64.StdEncoding.DecodeString(arg)
	if err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("parse payload: %w", err)
	}
	if p.Description == "" {
		return Payload{}, fmt.Errorf("payload has no description")
	}
	return p, nil
}

// Options configures one worker run.
type Options struct {
	Out               io.Writer // update stream, normally os.Stdout
	Agent             agent.Agent
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
}

// Run executes one task to completion and returns the process exit code.
// args is argv after the subcommand: base64 payload, then the ceiling in
// seconds. Whatever happens, the last line written is a terminal status
// envelope; the supervisor depends on that.
func Run(args []string, opts Options) (code int) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	em := NewEmitter(opts.Out, opts.Logger)

	defer func() {
		if r := recover(); r != nil {
			opts.Logger.Error("worker panicked", "panic", r)
			em.Emit(envelope.NewFailed(fmt.Sprintf("worker panicked: %v", r)))
			code = 1
		}
	}()

	if len(args) != 2 {
		em.Emit(envelope.NewFailed(fmt.Sprintf("expected 2 arguments (payload, ceiling), got %d", len(args))))
		return 2
	}

	payload, err := DecodePayload(args[0])
	if err != nil {
		em.Emit(envelope.NewFailed(err.Error()))
		return 2
	}

	ceilingSecs, err := strconv.Atoi(args[1])
	if err != nil || ceilingSecs <= 0 {
		em.Emit(envelope.NewFailed(fmt.Sprintf("invalid ceiling %q", args[1])))
		return 2
	}
	ceiling := time.Duration(ceilingSecs) * time.Second

	if opts.Agent == nil {
		em.Emit(envelope.NewFailed("no agent configured"))
		return 2
	}

	// The context is the only cancellation channel. Signals and the deadline
	// flip it; the agent observes it at step boundaries.
	ctx, cancel := context.WithTimeout(context.Background(), ceiling)
	defer cancel()
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stopSignals()

	em.Emit(envelope.NewStatus(envelope.StatusInitializing))

	stopHeartbeat := em.StartHeartbeat(opts.HeartbeatInterval)
	defer stopHeartbeat()

	opts.Logger.Info("worker started",
		"task_id", payload.TaskID, "ceiling", ceiling)

	em.Emit(envelope.NewStatus(envelope.StatusProcessing))

	resp, err := opts.Agent.Run(ctx, payload.Description, em)
	if err != nil {
		em.Emit(envelope.NewFailed(describeFailure(ctx, ceiling, err)))
		return 1
	}

	body, err := json.Marshal(resp)
	if err != nil {
		em.Emit(envelope.NewFailed(fmt.Sprintf("encode response: %v", err)))
		return 1
	}

	em.Emit(envelope.NewCompleted(body))
	opts.Logger.Info("worker finished", "task_id", payload.TaskID, "steps", resp.Steps)
	return 0
}

// describeFailure folds the cancellation cause into the terminal message so
// the supervisor's result names what actually stopped the run.
func describeFailure(ctx context.Context, ceiling time.Duration, err error) string {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return fmt.Sprintf("gave up after reaching the %s ceiling: %v", ceiling, err)
	case context.Canceled:
		return fmt.Sprintf("stopped by termination signal: %v", err)
	default:
		return err.Error()
	}
}
