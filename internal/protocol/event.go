// Package protocol models the JSON-lines event stream spoken by the agent CLI
// and re-emitted to browsers. Every event kind is a concrete type; Event is a
// sealed interface so a new kind is a compile-visible change.
package protocol

import "encoding/json"

type EventType string

const (
	TypeInit        EventType = "init"
	TypeMessage     EventType = "message"
	TypeToolUse     EventType = "tool_use"
	TypeToolResult  EventType = "tool_result"
	TypeQuestion    EventType = "question"
	TypeModelSwitch EventType = "model_switch"
	TypePlanStatus  EventType = "plan_status"
	TypeError       EventType = "error"
	TypeRaw         EventType = "raw"
)

// Event is implemented only by the types in this package.
type Event interface {
	Type() EventType
	sealed()
}

type Init struct {
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Delta   bool   `json:"delta,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type ToolUse struct {
	ToolName   string          `json:"tool_name"`
	ToolID     string          `json:"tool_id,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type ToolResult struct {
	ToolID         string `json:"tool_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Output         string `json:"output"`
	FullOutputPath string `json:"full_output_path,omitempty"`

	// Extra holds wire fields this struct does not model (timestamp, a
	// failed call's error object). Encode writes them back.
	Extra map[string]json.RawMessage `json:"-"`
}

// QuestionOption is one selectable answer on a question card.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// UnmarshalJSON accepts either a bare string or {"label": ..., "description": ...}.
func (o *QuestionOption) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		o.Label = s
		o.Description = ""
		return nil
	}
	type plain QuestionOption
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = QuestionOption(p)
	return nil
}

type Question struct {
	Question      string           `json:"question"`
	Options       []QuestionOption `json:"options"`
	AllowMultiple bool             `json:"allow_multiple"`
}

type ModelSwitch struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type PlanState string

const (
	PlanActive    PlanState = "active"
	PlanCompleted PlanState = "completed"
)

type PlanStatus struct {
	Status PlanState `json:"status"`
}

type Error struct {
	Message  string `json:"message"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Stderr   string `json:"stderr,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Raw carries a stdout line that was not valid JSON.
type Raw struct {
	Content string `json:"content"`
}

// Passthrough is a CLI event kind the server does not interpret (e.g.
// "result"). It is forwarded to clients byte for byte.
type Passthrough struct {
	Kind string
	Body json.RawMessage
}

func (Init) Type() EventType        { return TypeInit }
func (Message) Type() EventType     { return TypeMessage }
func (ToolUse) Type() EventType     { return TypeToolUse }
func (ToolResult) Type() EventType  { return TypeToolResult }
func (Question) Type() EventType    { return TypeQuestion }
func (ModelSwitch) Type() EventType { return TypeModelSwitch }
func (PlanStatus) Type() EventType  { return TypePlanStatus }
func (Error) Type() EventType       { return TypeError }
func (Raw) Type() EventType         { return TypeRaw }
func (p Passthrough) Type() EventType {
	return EventType(p.Kind)
}

func (e Init) extra() map[string]json.RawMessage       { return e.Extra }
func (e Message) extra() map[string]json.RawMessage    { return e.Extra }
func (e ToolUse) extra() map[string]json.RawMessage    { return e.Extra }
func (e ToolResult) extra() map[string]json.RawMessage { return e.Extra }
func (e Error) extra() map[string]json.RawMessage      { return e.Extra }

func (Init) sealed()        {}
func (Message) sealed()     {}
func (ToolUse) sealed()     {}
func (ToolResult) sealed()  {}
func (Question) sealed()    {}
func (ModelSwitch) sealed() {}
func (PlanStatus) sealed()  {}
func (Error) sealed()       {}
func (Raw) sealed()         {}
func (Passthrough) sealed() {}

// AssistantText builds a synthetic assistant message.
func AssistantText(text string) Message {
	return Message{Role: "assistant", Content: text}
}

// ErrorWithCode builds an Error carrying a process exit code.
func ErrorWithCode(msg string, code int, stderr string) Error {
	return Error{Message: msg, ExitCode: &code, Stderr: stderr}
}

// Kind reports the wire type of ev, or "" for nil.
func Kind(ev Event) EventType {
	if ev == nil {
		return ""
	}
	return ev.Type()
}
