package envelope

import (
	"encoding/json"
)

// Type tags every envelope on the wire.
type Type string

const (
	TypeStatus        Type = "status"
	TypeProgress      Type = "progress"
	TypeStateSync     Type = "state_sync"
	TypeHeartbeat     Type = "heartbeat"
	TypeToolStarted   Type = "tool_started"
	TypeToolCompleted Type = "tool_completed"
	TypeError         Type = "error"
)

// Status is the sub-state carried by status envelopes. Only StatusCompleted
// and StatusError end a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Envelope is one self-contained message unit on the worker's stdout.
// Immutable once built; serializes to exactly one newline-free JSON line.
type Envelope struct {
	Type      Type
	Timestamp float64 // unix seconds, stamped by the encoder
	Payload   Payload
}

// Payload is the tagged union of per-type envelope bodies. Decoding resolves
// the wire object into exactly one variant so consumers can switch
// exhaustively instead of probing map keys.
type Payload interface {
	payloadType() Type
}

// StatusPayload carries the lifecycle status. Response is set for
// status=completed, Error for status=error.
type StatusPayload struct {
	Status   Status
	Response json.RawMessage
	Error    string
}

// ProgressPayload reports a meaningful internal step.
type ProgressPayload struct {
	Message string
	Step    int
}

// StateSyncPayload mirrors worker-internal state for observers.
type StateSyncPayload struct {
	State map[string]any
}

// HeartbeatPayload proves liveness during long silent stretches.
type HeartbeatPayload struct{}

// ToolStartedPayload marks the start of a tool invocation.
type ToolStartedPayload struct {
	Tool  string
	Input string
}

// ToolCompletedPayload marks the end of a tool invocation.
type ToolCompletedPayload struct {
	Tool   string
	Output string
	OK     bool
}

// ErrorPayload is a non-terminal error report. Synthetic instances are
// produced locally by the reader for undecodable lines and raw stderr.
type ErrorPayload struct {
	Error  string
	Source string // "", "stderr" or "decode"
}

// UnknownPayload preserves envelopes with unrecognized type tags so a newer
// worker talking to an older supervisor degrades gracefully.
type UnknownPayload struct {
	Tag    string
	Fields map[string]any
}

func (StatusPayload) payloadType() Type        { return TypeStatus }
func (ProgressPayload) payloadType() Type      { return TypeProgress }
func (StateSyncPayload) payloadType() Type     { return TypeStateSync }
func (HeartbeatPayload) payloadType() Type     { return TypeHeartbeat }
func (ToolStartedPayload) payloadType() Type   { return TypeToolStarted }
func (ToolCompletedPayload) payloadType() Type { return TypeToolCompleted }
func (ErrorPayload) payloadType() Type         { return TypeError }
func (UnknownPayload) payloadType() Type       { return Type("") }

// Terminal reports whether this envelope ends the session. Only
// status=completed and status=error are terminal; type=error envelopes
// (including synthetic ones) are not.
func (e Envelope) Terminal() bool {
	p, ok := e.Payload.(StatusPayload)
	if !ok {
		return false
	}
	return p.Status == StatusCompleted || p.Status == StatusError
}

// NewStatus builds a status envelope.
func NewStatus(status Status) Envelope {
	return Envelope{Type: TypeStatus, Payload: StatusPayload{Status: status}}
}

// NewCompleted builds the terminal success envelope carrying the opaque
// response.
func NewCompleted(response json.RawMessage) Envelope {
	return Envelope{Type: TypeStatus, Payload: StatusPayload{Status: StatusCompleted, Response: response}}
}

// NewFailed builds the terminal failure envelope.
func NewFailed(errMsg string) Envelope {
	return Envelope{Type: TypeStatus, Payload: StatusPayload{Status: StatusError, Error: errMsg}}
}

// NewProgress builds a progress envelope.
func NewProgress(step int, message string) Envelope {
	return Envelope{Type: TypeProgress, Payload: ProgressPayload{Message: message, Step: step}}
}

// NewStateSync builds a state_sync envelope.
func NewStateSync(state map[string]any) Envelope {
	return Envelope{Type: TypeStateSync, Payload: StateSyncPayload{State: state}}
}

// NewHeartbeat builds a heartbeat envelope.
func NewHeartbeat() Envelope {
	return Envelope{Type: TypeHeartbeat, Payload: HeartbeatPayload{}}
}

// NewToolStarted builds a tool_started envelope.
func NewToolStarted(tool, input string) Envelope {
	return Envelope{Type: TypeToolStarted, Payload: ToolStartedPayload{Tool: tool, Input: input}}
}

// NewToolCompleted builds a tool_completed envelope.
func NewToolCompleted(tool, output string, ok bool) Envelope {
	return Envelope{Type: TypeToolCompleted, Payload: ToolCompletedPayload{Tool: tool, Output: output, OK: ok}}
}

// NewError builds a non-terminal error envelope.
func NewError(errMsg string) Envelope {
	return Envelope{Type: TypeError, Payload: ErrorPayload{Error: errMsg}}
}

// SyntheticError wraps locally observed garbage (an undecodable stdout line
// or a raw stderr line) as an error envelope so it is routed instead of
// dropped. Source identifies where the text came from.
func SyntheticError(text, source string) Envelope {
	return Envelope{Type: TypeError, Payload: ErrorPayload{Error: text, Source: source}}
}
