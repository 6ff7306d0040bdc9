package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/squire/internal/envelope"
	"github.com/mattjoyce/squire/internal/router"
	"github.com/mattjoyce/squire/internal/worker"
)

// State is the supervisor's lifecycle position, visible to other goroutines
// while a session runs.
type State int32

const (
	StateIdle State = iota
	StateLaunching
	StateRunning
	StateCompleted
	StateTimedOut
	StateTerminated
	StateLaunchFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateTerminated:
		return "terminated"
	case StateLaunchFailed:
		return "launch_failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome classifies how a session ended.
type Outcome string

const (
	// OutcomeCompleted: the worker reported a successful final status.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed: the worker reported an error, or exited without any
	// final status.
	OutcomeFailed Outcome = "failed"
	// OutcomeTimedOut: the worker exceeded the wall-clock ceiling.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeTerminated: the caller canceled the session.
	OutcomeTerminated Outcome = "terminated"
	// OutcomeLaunchFailed: the worker never started.
	OutcomeLaunchFailed Outcome = "launch_failed"
)

// Result is what a session came to. Launch returns one on every path.
type Result struct {
	Outcome   Outcome
	Response  json.RawMessage // final response, when OutcomeCompleted
	Err       string          // human-readable failure, empty on success
	Envelopes int             // update lines processed, both streams
	ExitCode  int             // worker exit code, -1 when unknown
	Duration  time.Duration
}

// Update is one routed envelope, delivered to the OnUpdate hook in stdout
// write order.
type Update struct {
	TaskID   string
	Effect   router.Effect
	Envelope envelope.Envelope
}

// Config carries the session timing contract and the worker command line.
type Config struct {
	// Ceiling is the hard wall-clock limit for one session.
	Ceiling time.Duration

	// PollInterval is the cadence for draining worker output.
	PollInterval time.Duration

	// GracePeriod is the SIGTERM-to-SIGKILL escalation delay.
	GracePeriod time.Duration

	// WorkerCommand overrides the worker executable and leading arguments.
	// Empty means re-exec the current binary with the worker subcommand.
	WorkerCommand []string

	// OnUpdate, when set, observes every routed envelope.
	OnUpdate func(Update)
}

// Supervisor runs one worker session at a time.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	state  atomic.Int32
	busy   atomic.Bool
}

// New applies defaults for unset timing fields: 5 minute ceiling, 50ms
// poll, 5 second grace.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// State reports the current lifecycle position.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Launch runs one full session: spawn, stream, conclude. It blocks until
// the session ends and always returns a Result; spawn problems come back
// as OutcomeLaunchFailed rather than a panic or a hang.
func (s *Supervisor) Launch(ctx context.Context, payload worker.Payload) Result {
	start := time.Now()

	if !s.busy.CompareAndSwap(false, true) {
		return Result{
			Outcome:  OutcomeLaunchFailed,
			Err:      "another session is already running",
			ExitCode: -1,
		}
	}
	defer s.busy.Store(false)

	s.state.Store(int32(StateLaunching))
	finish := func(st State, r Result) Result {
		s.state.Store(int32(st))
		r.Duration = time.Since(start)
		return r
	}

	cmd, err := s.workerCmd(payload)
	if err != nil {
		return finish(StateLaunchFailed, Result{
			Outcome: OutcomeLaunchFailed, Err: err.Error(), ExitCode: -1,
		})
	}

	sess, err := startSession(cmd)
	if err != nil {
		return finish(StateLaunchFailed, Result{
			Outcome:  OutcomeLaunchFailed,
			Err:      fmt.Sprintf("spawn worker: %v", err),
			ExitCode: -1,
		})
	}
	defer sess.cleanup()

	s.state.Store(int32(StateRunning))
	s.logger.Info("worker launched",
		"task_id", payload.TaskID, "pid", cmd.Process.Pid, "ceiling", s.cfg.Ceiling)

	rt := router.New()
	var (
		terminal  *router.Effect
		count     int
		graceCh   <-chan time.Time
		graceStop func() bool
	)

	handleLine := func(ln pipeLine) {
		if ln.text == "" {
			return
		}
		var env envelope.Envelope
		if ln.stream == "stderr" {
			env = envelope.SyntheticError(ln.text, "stderr")
		} else {
			var derr error
			if env, derr = envelope.DecodeLine([]byte(ln.text)); derr != nil {
				s.logger.Debug("undecodable update line", "line", ln.text, "error", derr)
				env = envelope.SyntheticError(ln.text, "decode")
			}
		}
		count++

		eff := rt.Route(env)
		if s.cfg.OnUpdate != nil {
			s.cfg.OnUpdate(Update{TaskID: payload.TaskID, Effect: eff, Envelope: env})
		}
		if eff.Terminal && terminal == nil {
			terminal = &eff
			// The worker said it is done; give it the grace period to
			// actually exit before forcing the issue.
			t := time.NewTimer(s.cfg.GracePeriod)
			graceCh = t.C
			graceStop = t.Stop
		}
	}
	drainBuffered := func() {
		for {
			select {
			case ln, ok := <-sess.lines:
				if !ok {
					return
				}
				handleLine(ln)
			default:
				return
			}
		}
	}
	drainAll := func() {
		for ln := range sess.lines {
			handleLine(ln)
		}
	}
	defer func() {
		if graceStop != nil {
			graceStop()
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	ceiling := time.NewTimer(s.cfg.Ceiling)
	defer ceiling.Stop()

	for {
		select {
		case <-ticker.C:
			drainBuffered()

		case <-sess.exited:
			drainAll()
			return finish(s.concludeExited(sess, terminal, count))

		case <-ceiling.C:
			termErr := s.terminate(sess)
			drainAll()
			res := Result{
				Outcome:   OutcomeTimedOut,
				Err:       fmt.Sprintf("worker exceeded the %s ceiling; raise runner.ceiling to allow more time", s.cfg.Ceiling),
				Envelopes: count,
				ExitCode:  sess.exitCode(),
			}
			if termErr != nil {
				res.Err += "; " + termErr.Error()
			}
			s.logger.Warn("session timed out", "task_id", payload.TaskID, "envelopes", count)
			return finish(StateTimedOut, res)

		case <-ctx.Done():
			termErr := s.terminate(sess)
			drainAll()
			res := Result{
				Outcome:   OutcomeTerminated,
				Envelopes: count,
				ExitCode:  sess.exitCode(),
			}
			// A worker that trapped the signal and flushed its own terminal
			// error gets quoted; only silent death earns the generic message.
			if terminal != nil && terminal.Err != "" {
				res.Err = terminal.Err
			} else {
				res.Err = "session terminated: " + context.Cause(ctx).Error()
			}
			if termErr != nil {
				res.Err += "; " + termErr.Error()
			}
			s.logger.Info("session terminated", "task_id", payload.TaskID)
			return finish(StateTerminated, res)

		case <-graceCh:
			// Terminal status arrived but the process lingers. The result
			// stands on the envelope; the process just gets cleaned up.
			s.logger.Warn("worker lingered after final status, terminating",
				"task_id", payload.TaskID)
			_ = s.terminate(sess)
			drainAll()
			return finish(s.concludeExited(sess, terminal, count))
		}
	}
}

// concludeExited builds the result for a session whose process is gone.
func (s *Supervisor) concludeExited(sess *session, terminal *router.Effect, count int) (State, Result) {
	res := Result{
		Envelopes: count,
		ExitCode:  sess.exitCode(),
	}
	switch {
	case terminal == nil:
		res.Outcome = OutcomeFailed
		res.Err = fmt.Sprintf("worker exited without a final status (exit code %d)", res.ExitCode)
		return StateCompleted, res
	case terminal.Err != "":
		res.Outcome = OutcomeFailed
		res.Err = terminal.Err
		return StateCompleted, res
	default:
		res.Outcome = OutcomeCompleted
		res.Response = terminal.Response
		return StateCompleted, res
	}
}

// terminate escalates: SIGTERM, wait out the grace period, then SIGKILL.
// A non-nil error means the process could not be confirmed dead.
func (s *Supervisor) terminate(sess *session) error {
	if err := sess.signalTerm(); err == nil {
		if sess.awaitExit(s.cfg.GracePeriod) {
			return nil
		}
		s.logger.Warn("worker ignored SIGTERM, sending SIGKILL")
	}
	sess.kill()
	if !sess.awaitExit(s.cfg.GracePeriod) {
		return fmt.Errorf("worker did not exit after SIGKILL")
	}
	return nil
}

// workerCmd builds the worker command line: configured override or a
// re-exec of this binary, plus the encoded work order and ceiling.
func (s *Supervisor) workerCmd(payload worker.Payload) (*exec.Cmd, error) {
	arg, err := worker.EncodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode work order: %w", err)
	}
	ceilingSecs := int(math.Ceil(s.cfg.Ceiling.Seconds()))
	if ceilingSecs < 1 {
		ceilingSecs = 1
	}

	name := ""
	var args []string
	if len(s.cfg.WorkerCommand) > 0 {
		name = s.cfg.WorkerCommand[0]
		args = append(args, s.cfg.WorkerCommand[1:]...)
	} else {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate own binary: %w", err)
		}
		name = exe
		args = append(args, "worker")
	}
	args = append(args, arg, strconv.Itoa(ceilingSecs))
	return exec.Command(name, args...), nil
}
