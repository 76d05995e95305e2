package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var ErrMissingType = errors.New("event has no type")

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one stdout line from the agent CLI. Lines that are not JSON
// objects return an error; the caller forwards them as Raw.
func Decode(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	var (
		ev  Event
		err error
	)
	switch EventType(env.Type) {
	case TypeInit:
		var v Init
		err = json.Unmarshal(line, &v)
		v.Extra = extraFields(line, "session_id", "model", "timestamp")
		ev = v
	case TypeMessage:
		var v Message
		err = json.Unmarshal(line, &v)
		v.Extra = extraFields(line, "role", "content", "delta")
		ev = v
	case TypeToolUse:
		var v ToolUse
		err = json.Unmarshal(line, &v)
		v.Extra = extraFields(line, "tool_name", "tool_id", "parameters")
		ev = v
	case TypeToolResult:
		var v toolResultWire
		err = json.Unmarshal(line, &v)
		tr := v.event()
		tr.Extra = extraFields(line, "tool_id", "status", "output", "full_output_path")
		ev = tr
	case TypeQuestion:
		var v Question
		err = json.Unmarshal(line, &v)
		ev = v
	case TypeError:
		var v errorWire
		err = json.Unmarshal(line, &v)
		e := v.event()
		e.Extra = extraFields(line, "message", "exit_code", "stderr")
		ev = e
	default:
		ev = Passthrough{Kind: env.Type, Body: append(json.RawMessage(nil), line...)}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", env.Type, err)
	}
	return ev, nil
}

// toolResultWire tolerates CLIs that report output as a non-string value.
type toolResultWire struct {
	ToolID         string          `json:"tool_id"`
	Status         string          `json:"status"`
	Output         json.RawMessage `json:"output"`
	FullOutputPath string          `json:"full_output_path"`
}

func (w toolResultWire) event() ToolResult {
	return ToolResult{
		ToolID:         w.ToolID,
		Status:         w.Status,
		Output:         rawText(w.Output),
		FullOutputPath: w.FullOutputPath,
	}
}

// errorWire accepts {"message": ...} as well as {"error": ...}.
type errorWire struct {
	Message  string          `json:"message"`
	Error    json.RawMessage `json:"error"`
	ExitCode *int            `json:"exit_code"`
	Stderr   string          `json:"stderr"`
}

func (w errorWire) event() Error {
	msg := w.Message
	if msg == "" {
		msg = rawText(w.Error)
	}
	return Error{Message: msg, ExitCode: w.ExitCode, Stderr: w.Stderr}
}

// extraFields returns the members of the object in line other than "type"
// and the known ones, or nil when there are none.
func extraFields(line []byte, known ...string) map[string]json.RawMessage {
	var all map[string]json.RawMessage
	if json.Unmarshal(line, &all) != nil {
		return nil
	}
	delete(all, "type")
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil
	}
	return all
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Encode renders an event in wire form: a JSON object whose "type" field
// names the kind. Unmodelled fields kept by Decode follow the struct's own,
// sorted by name.
func Encode(ev Event) ([]byte, error) {
	if p, ok := ev.(Passthrough); ok {
		return p.Body, nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type(), err)
	}
	typ, _ := json.Marshal(string(ev.Type()))
	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1 : len(body)-1])
	}
	if x, ok := ev.(interface{ extra() map[string]json.RawMessage }); ok && len(x.extra()) > 0 {
		if err := writeExtra(&buf, body, x.extra()); err != nil {
			return nil, fmt.Errorf("encode %s event: %w", ev.Type(), err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// writeExtra appends the extra members that body does not already carry.
func writeExtra(buf *bytes.Buffer, body []byte, extra map[string]json.RawMessage) error {
	var own map[string]json.RawMessage
	if err := json.Unmarshal(body, &own); err != nil {
		return err
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if _, dup := own[k]; !dup && k != "type" && json.Valid(extra[k]) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		name, _ := json.Marshal(k)
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(extra[k])
	}
	return nil
}
