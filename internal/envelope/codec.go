package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// wire is the flat JSON object shared by all envelope types. Fields not
// relevant to a given type are omitted.
type wire struct {
	Type      string          `json:"type,omitempty"`
	Timestamp float64         `json:"timestamp"`
	Status    string          `json:"status,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Step      int             `json:"step,omitempty"`
	State     map[string]any  `json:"state,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Input     string          `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Source    string          `json:"source,omitempty"`
}

// Encoder writes envelopes as newline-terminated JSON lines, one write per
// envelope, so each line reaches the OS pipe intact and in order.
type Encoder struct {
	w   io.Writer
	now func() time.Time
}

// NewEncoder creates an Encoder writing to w. The writer should be unbuffered
// (or line-buffered) so progress is visible in near real time.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, now: time.Now}
}

// Encode stamps the envelope with the current time and writes it as one
// newline-terminated JSON line. The producer-supplied timestamp, if any, is
// never trusted.
func (enc *Encoder) Encode(env Envelope) error {
	line, err := Marshal(env, enc.now())
	if err != nil {
		return err
	}
	if _, err := enc.w.Write(line); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Marshal serializes env to a single newline-terminated JSON line stamped
// with ts. The JSON encoder escapes any embedded newlines, so the only 0x0a
// byte in the result is the trailing terminator.
func Marshal(env Envelope, ts time.Time) ([]byte, error) {
	w := wire{
		Type:      string(env.Type),
		Timestamp: float64(ts.UnixNano()) / float64(time.Second),
	}

	switch p := env.Payload.(type) {
	case StatusPayload:
		w.Status = string(p.Status)
		w.Response = p.Response
		w.Error = p.Error
	case ProgressPayload:
		w.Message = p.Message
		w.Step = p.Step
	case StateSyncPayload:
		w.State = p.State
	case HeartbeatPayload:
		// type tag only
	case ToolStartedPayload:
		w.Tool = p.Tool
		w.Input = p.Input
	case ToolCompletedPayload:
		w.Tool = p.Tool
		w.Output = p.Output
		ok := p.OK
		w.OK = &ok
	case ErrorPayload:
		w.Error = p.Error
		w.Source = p.Source
	case UnknownPayload:
		return marshalUnknown(env, p, ts)
	case nil:
		return nil, fmt.Errorf("envelope has no payload")
	default:
		return nil, fmt.Errorf("unsupported payload type %T", env.Payload)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append(data, '\n'), nil
}

func marshalUnknown(env Envelope, p UnknownPayload, ts time.Time) ([]byte, error) {
	obj := make(map[string]any, len(p.Fields)+2)
	for k, v := range p.Fields {
		obj[k] = v
	}
	obj["type"] = p.Tag
	obj["timestamp"] = float64(ts.UnixNano()) / float64(time.Second)
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeLine parses one line into an Envelope. A missing type tag defaults to
// status. Unrecognized type tags decode into UnknownPayload rather than
// failing. Callers convert errors to synthetic error envelopes; a bad line
// must never abort the stream.
func DecodeLine(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Envelope{}, fmt.Errorf("empty line")
	}

	var w wire
	if err := json.Unmarshal(line, &w); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}

	typ := Type(w.Type)
	if typ == "" {
		typ = TypeStatus
	}

	env := Envelope{Type: typ, Timestamp: w.Timestamp}

	switch typ {
	case TypeStatus:
		st := Status(w.Status)
		switch st {
		case StatusInitializing, StatusProcessing, StatusCompleted, StatusError:
		case "":
			return Envelope{}, fmt.Errorf("status envelope without status field")
		default:
			return Envelope{}, fmt.Errorf("invalid status value %q", w.Status)
		}
		if st == StatusError && w.Error == "" {
			return Envelope{}, fmt.Errorf("status=error without error message")
		}
		env.Payload = StatusPayload{Status: st, Response: w.Response, Error: w.Error}
	case TypeProgress:
		env.Payload = ProgressPayload{Message: w.Message, Step: w.Step}
	case TypeStateSync:
		env.Payload = StateSyncPayload{State: w.State}
	case TypeHeartbeat:
		env.Payload = HeartbeatPayload{}
	case TypeToolStarted:
		env.Payload = ToolStartedPayload{Tool: w.Tool, Input: w.Input}
	case TypeToolCompleted:
		ok := true
		if w.OK != nil {
			ok = *w.OK
		}
		env.Payload = ToolCompletedPayload{Tool: w.Tool, Output: w.Output, OK: ok}
	case TypeError:
		if w.Error == "" {
			return Envelope{}, fmt.Errorf("error envelope without error message")
		}
		env.Payload = ErrorPayload{Error: w.Error, Source: w.Source}
	default:
		var fields map[string]any
		if err := json.Unmarshal(line, &fields); err != nil {
			return Envelope{}, fmt.Errorf("parse envelope: %w", err)
		}
		delete(fields, "type")
		delete(fields, "timestamp")
		env.Payload = UnknownPayload{Tag: string(typ), Fields: fields}
	}

	return env, nil
}
