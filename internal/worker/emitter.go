package worker

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/squire/internal/envelope"
)

// Emitter serializes envelope writes onto one stream. All emission funnels
// through Emit, so concurrent reporters and the heartbeat goroutine never
// interleave partial lines.
type Emitter struct {
	mu       sync.Mutex
	enc      *envelope.Encoder
	lastEmit time.Time

	logger *slog.Logger
}

func NewEmitter(w io.Writer, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		enc:      envelope.NewEncoder(w),
		lastEmit: time.Now(),
		logger:   logger,
	}
}

// Emit writes one envelope as a complete line. Encode errors are logged and
// swallowed; a worker that cannot reach its supervisor has nowhere better to
// report than its own stderr log.
func (e *Emitter) Emit(env envelope.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(env); err != nil {
		e.logger.Error("emit failed", "type", env.Type, "error", err)
		return
	}
	e.lastEmit = time.Now()
}

// StartHeartbeat emits a heartbeat envelope whenever the stream has been
// silent for at least interval. The returned stop function is idempotent.
func (e *Emitter) StartHeartbeat(interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.mu.Lock()
				idle := time.Since(e.lastEmit)
				e.mu.Unlock()
				if idle >= interval {
					e.Emit(envelope.NewHeartbeat())
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

// The emitter doubles as the agent's reporter, mapping each notification
// onto its envelope type.

func (e *Emitter) Progress(step int, message string) {
	e.Emit(envelope.NewProgress(step, message))
}

func (e *Emitter) ToolStarted(tool, input string) {
	e.Emit(envelope.NewToolStarted(tool, input))
}

func (e *Emitter) ToolCompleted(tool, output string, ok bool) {
	e.Emit(envelope.NewToolCompleted(tool, output, ok))
}

func (e *Emitter) StateSync(state map[string]any) {
	e.Emit(envelope.NewStateSync(state))
}
