package supervisor

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// pipeLine is one raw line read from the worker, tagged with its stream.
type pipeLine struct {
	stream string // "stdout" or "stderr"
	text   string
}

// maxLineBytes bounds a single update line. A worker dumping megabytes on
// one line is misbehaving; the oversized line becomes a decode failure
// rather than an allocation problem.
const maxLineBytes = 1 * 1024 * 1024

// session owns one spawned worker process and its pipe readers.
type session struct {
	cmd   *exec.Cmd
	lines chan pipeLine

	exited   chan struct{}
	exitErr  error
	killOnce sync.Once
}

// startSession spawns the worker and begins draining both pipes. The
// child's stdin is closed right after the spawn; all input travels in
// argv.
func startSession(cmd *exec.Cmd) (*session, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	// The worker gets its own process group so termination reaches any
	// children it spawned; an orphaned grandchild would otherwise hold the
	// pipes open and stall the session.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	_ = stdin.Close()

	s := &session{
		cmd:    cmd,
		lines:  make(chan pipeLine, 256),
		exited: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go s.readPipe(&readers, stdout, "stdout")
	go s.readPipe(&readers, stderr, "stderr")

	// Wait must not run until the readers have drained the pipes, so the
	// reaper goroutine is the only caller and gates on them.
	go func() {
		readers.Wait()
		close(s.lines)
		s.exitErr = cmd.Wait()
		close(s.exited)
	}()

	return s, nil
}

func (s *session) readPipe(wg *sync.WaitGroup, r io.Reader, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.lines <- pipeLine{stream: stream, text: scanner.Text()}
	}
}

// signalTerm asks the worker's process group to stop. Errors are reported
// so the caller can surface a failed termination.
func (s *session) signalTerm() error {
	if s.cmd.Process == nil {
		return errors.New("process never started")
	}
	return syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM)
}

// kill forces the worker's process group down. Safe to call more than once
// and after the process has already exited.
func (s *session) kill() {
	s.killOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
		}
	})
}

// awaitExit blocks until the worker is reaped or the timeout passes.
// Returns true if the process exited.
func (s *session) awaitExit(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.exited:
		return true
	case <-timer.C:
		return false
	}
}

// cleanup guarantees the worker is dead and reaped. Idempotent; every
// exit path from Launch runs it.
func (s *session) cleanup() {
	select {
	case <-s.exited:
		return
	default:
	}
	s.kill()
	<-s.exited
}

// exitCode returns the worker's exit code, or -1 before exit or when the
// code is unknowable.
func (s *session) exitCode() int {
	select {
	case <-s.exited:
	default:
		return -1
	}
	if s.exitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(s.exitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}
