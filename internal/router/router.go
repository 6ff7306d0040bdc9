// Package router maps decoded envelopes to caller-visible effects and decides
// when a session ends. It is driven by the supervisor once per envelope, in
// stdout write order.
package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/squire/internal/envelope"
)

// Kind classifies the caller-visible effect of one envelope.
type Kind string

const (
	KindStatus        Kind = "status"
	KindProgress      Kind = "progress"
	KindStateSync     Kind = "state_sync"
	KindHeartbeat     Kind = "heartbeat"
	KindToolStarted   Kind = "tool_started"
	KindToolCompleted Kind = "tool_completed"
	KindWorkerError   Kind = "worker_error"
	KindUnstructured  Kind = "unstructured"
)

// Effect is what one envelope means to the caller. Terminal effects end the
// session; Response/Err are only set on terminal effects.
type Effect struct {
	Kind     Kind
	Message  string
	Terminal bool
	Response json.RawMessage
	Err      string
	Elapsed  time.Duration // time since the matching tool_started, if known
}

// Router is a per-session dispatcher. The only state it keeps is local
// enrichment: which types it has seen and when each tool started.
type Router struct {
	now       func() time.Time
	seen      map[envelope.Type]int
	toolStart map[string]time.Time
}

// New creates a Router for one session. Routers are not reused across
// sessions.
func New() *Router {
	return &Router{
		now:       time.Now,
		seen:      make(map[envelope.Type]int),
		toolStart: make(map[string]time.Time),
	}
}

// Route maps env to its effect. Unrecognized type tags degrade to an
// unstructured status effect rather than being dropped, so protocol drift
// between a newer worker and an older supervisor stays visible.
func (r *Router) Route(env envelope.Envelope) Effect {
	r.seen[env.Type]++

	switch p := env.Payload.(type) {
	case envelope.StatusPayload:
		return r.routeStatus(p)
	case envelope.ProgressPayload:
		msg := p.Message
		if p.Step > 0 {
			msg = fmt.Sprintf("step %d: %s", p.Step, p.Message)
		}
		return Effect{Kind: KindProgress, Message: msg}
	case envelope.StateSyncPayload:
		return Effect{Kind: KindStateSync, Message: fmt.Sprintf("state sync (%d keys)", len(p.State))}
	case envelope.HeartbeatPayload:
		return Effect{Kind: KindHeartbeat, Message: "worker alive"}
	case envelope.ToolStartedPayload:
		r.toolStart[p.Tool] = r.now()
		return Effect{Kind: KindToolStarted, Message: fmt.Sprintf("tool %s started", p.Tool)}
	case envelope.ToolCompletedPayload:
		eff := Effect{Kind: KindToolCompleted}
		if started, ok := r.toolStart[p.Tool]; ok {
			eff.Elapsed = r.now().Sub(started)
			delete(r.toolStart, p.Tool)
		}
		verdict := "ok"
		if !p.OK {
			verdict = "failed"
		}
		if eff.Elapsed > 0 {
			eff.Message = fmt.Sprintf("tool %s %s (%.1fs)", p.Tool, verdict, eff.Elapsed.Seconds())
		} else {
			eff.Message = fmt.Sprintf("tool %s %s", p.Tool, verdict)
		}
		return eff
	case envelope.ErrorPayload:
		msg := p.Error
		if p.Source != "" {
			msg = fmt.Sprintf("[%s] %s", p.Source, p.Error)
		}
		return Effect{Kind: KindWorkerError, Message: msg}
	case envelope.UnknownPayload:
		return Effect{Kind: KindUnstructured, Message: fmt.Sprintf("unrecognized update %q", p.Tag)}
	default:
		return Effect{Kind: KindUnstructured, Message: fmt.Sprintf("unrecognized payload %T", env.Payload)}
	}
}

func (r *Router) routeStatus(p envelope.StatusPayload) Effect {
	switch p.Status {
	case envelope.StatusCompleted:
		return Effect{
			Kind:     KindStatus,
			Message:  "completed",
			Terminal: true,
			Response: p.Response,
		}
	case envelope.StatusError:
		return Effect{
			Kind:     KindStatus,
			Message:  "failed: " + p.Error,
			Terminal: true,
			Err:      p.Error,
		}
	default:
		return Effect{Kind: KindStatus, Message: string(p.Status)}
	}
}

// Seen returns how many envelopes of the given type have been routed.
func (r *Router) Seen(t envelope.Type) int {
	return r.seen[t]
}
