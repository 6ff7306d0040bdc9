package supervisor

import (
	"os/exec"
	"testing"
	"time"
)

func TestCleanupIdempotentAfterExit(t *testing.T) {
	script := `echo '{"type":"status","timestamp":1.0,"status":"processing"}'`
	sess, err := startSession(exec.Command(writeFakeWorker(t, script)))
	if err != nil {
		t.Fatalf("startSession: %v", err)
	}

	for range sess.lines {
	}
	<-sess.exited

	sess.cleanup()
	sess.cleanup()

	if code := sess.exitCode(); code != 0 {
		t.Errorf("exit code = %d, want 0 after repeated cleanup", code)
	}
}

func TestCleanupKillsAndReapsHungWorker(t *testing.T) {
	sess, err := startSession(exec.Command(writeFakeWorker(t, "sleep 60")))
	if err != nil {
		t.Fatalf("startSession: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sess.cleanup()
		sess.cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup did not return")
	}

	// The reaper closed the channel, so this cannot block.
	for range sess.lines {
	}
	if sess.exitCode() == 0 {
		t.Error("killed worker should not report exit code 0")
	}
}
