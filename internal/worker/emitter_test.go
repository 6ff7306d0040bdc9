package worker

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/squire/internal/envelope"
)

// syncBuffer guards a bytes.Buffer so the heartbeat goroutine and the test
// can share it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func countType(t *testing.T, data []byte, typ envelope.Type) int {
	t.Helper()
	n := 0
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		env, err := envelope.DecodeLine(line)
		if err != nil {
			t.Fatalf("undecodable line %q: %v", line, err)
		}
		if env.Type == typ {
			n++
		}
	}
	return n
}

func TestHeartbeatFiresWhenSilent(t *testing.T) {
	var buf syncBuffer
	em := NewEmitter(&buf, nil)

	stop := em.StartHeartbeat(50 * time.Millisecond)
	defer stop()

	time.Sleep(180 * time.Millisecond)
	stop()

	if n := countType(t, buf.Bytes(), envelope.TypeHeartbeat); n < 2 {
		t.Errorf("heartbeats = %d, want at least 2", n)
	}
}

func TestHeartbeatSuppressedByTraffic(t *testing.T) {
	var buf syncBuffer
	em := NewEmitter(&buf, nil)

	stop := em.StartHeartbeat(100 * time.Millisecond)
	defer stop()

	// Keep the stream busy for a while; no silence ever reaches the interval.
	for i := 0; i < 10; i++ {
		em.Progress(i, "busy")
		time.Sleep(20 * time.Millisecond)
	}
	stop()

	if n := countType(t, buf.Bytes(), envelope.TypeHeartbeat); n != 0 {
		t.Errorf("heartbeats = %d, want 0 while stream is busy", n)
	}
}

func TestHeartbeatStopIsIdempotent(t *testing.T) {
	var buf syncBuffer
	em := NewEmitter(&buf, nil)
	stop := em.StartHeartbeat(time.Hour)
	stop()
	stop()
}

func TestHeartbeatZeroIntervalDisabled(t *testing.T) {
	var buf syncBuffer
	em := NewEmitter(&buf, nil)
	stop := em.StartHeartbeat(0)
	defer stop()

	time.Sleep(50 * time.Millisecond)
	if len(buf.Bytes()) != 0 {
		t.Error("disabled heartbeat wrote to the stream")
	}
}

func TestConcurrentEmitsStayWholeLines(t *testing.T) {
	var buf syncBuffer
	em := NewEmitter(&buf, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				em.Progress(i, "from goroutine")
			}
		}(g)
	}
	wg.Wait()

	if n := countType(t, buf.Bytes(), envelope.TypeProgress); n != 400 {
		t.Errorf("decoded %d progress lines, want 400", n)
	}
}
