// Package render turns tape entries into chat completion messages.
package render

import (
	"bytes"
	"encoding/json"

	"github.com/rcliao/agent-tape/internal/model"
)

// Message is one chat message. Content is a string for messages built here
// and whatever the payload held (text or a list of parts) for recorded ones.
// Extra keeps payload keys that have no field of their own.
type Message struct {
	Role       string
	Content    any
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
	Extra      map[string]any
}

// MarshalJSON writes Extra keys alongside the named fields.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+5)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["role"] = m.Role
	if m.Content != nil {
		out["content"] = m.Content
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.ToolCallID != "" {
		out["tool_call_id"] = m.ToolCallID
	}
	if len(m.ToolCalls) > 0 {
		out["tool_calls"] = m.ToolCalls
	}
	return json.Marshal(out)
}

// ToolCall is a function call requested by the assistant.
type ToolCall struct {
	ID       string    `json:"id,omitempty"`
	Type     string    `json:"type,omitempty"`
	Function *Function `json:"function,omitempty"`
}

// Function names the called function. Arguments is always a JSON document
// encoded as a string.
type Function struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Messages renders entries in order. Anchors and events are skipped; tool
// results are paired by position with the calls of the preceding tool_call
// entry.
func Messages(entries []model.Entry) []Message {
	out := []Message{}
	var pending []ToolCall
	for _, e := range entries {
		switch e.Kind {
		case model.KindMessage:
			if m, ok := message(e); ok {
				out = append(out, m)
			}
		case model.KindToolCall:
			pending = toolCalls(e.Payload)
			if len(pending) > 0 {
				out = append(out, Message{Role: "assistant", ToolCalls: pending})
			}
		case model.KindToolResult:
			out = append(out, toolResults(e.Payload, pending)...)
			pending = nil
		}
	}
	return out
}

func message(e model.Entry) (Message, bool) {
	role := e.Meta["role"]
	if role == "" {
		role = "user"
	}

	var text string
	if err := json.Unmarshal(e.Payload, &text); err == nil {
		return Message{Role: role, Content: text}, true
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &fields); err != nil || fields == nil {
		return Message{}, false
	}
	m := Message{Role: role}
	for k, v := range fields {
		switch k {
		case "role":
			if r := stringValue(v); r != "" {
				m.Role = r
			}
		case "content":
			m.Content = decode(v)
		case "name":
			m.Name = stringValue(v)
		case "tool_call_id":
			m.ToolCallID = stringValue(v)
		case "tool_calls":
			m.ToolCalls = sanitizeCalls(v)
		default:
			if m.Extra == nil {
				m.Extra = map[string]any{}
			}
			m.Extra[k] = decode(v)
		}
	}
	return m, true
}

// decode keeps numbers as json.Number so they render back unchanged.
func decode(raw json.RawMessage) any {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil
	}
	return v
}

func stringValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func toolCalls(payload json.RawMessage) []ToolCall {
	var p struct {
		Calls json.RawMessage `json:"calls"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	return sanitizeCalls(p.Calls)
}

// sanitizeCalls decodes a list of calls, skipping anything that is not an
// object, and normalizes each call's arguments.
func sanitizeCalls(raw json.RawMessage) []ToolCall {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var calls []ToolCall
	for _, item := range items {
		var c struct {
			ID       string `json:"id"`
			Type     string `json:"type"`
			Function *struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		}
		if err := json.Unmarshal(item, &c); err != nil {
			continue
		}
		call := ToolCall{ID: c.ID, Type: c.Type}
		if c.Function != nil {
			call.Function = &Function{Name: c.Function.Name, Arguments: arguments(c.Function.Arguments)}
		}
		calls = append(calls, call)
	}
	return calls
}

// arguments returns the arguments as a JSON string. A string that is not
// valid JSON, null and missing values become "{}".
func arguments(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "{}"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if !json.Valid([]byte(s)) {
			return "{}"
		}
		return s
	}
	return string(raw)
}

func toolResults(payload json.RawMessage, pending []ToolCall) []Message {
	var p struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	out := make([]Message, 0, len(p.Results))
	for i, r := range p.Results {
		m := Message{Role: "tool", Content: renderValue(r)}
		if i < len(pending) {
			m.ToolCallID = pending[i].ID
			if pending[i].Function != nil {
				m.Name = pending[i].Function.Name
			}
		}
		out = append(out, m)
	}
	return out
}

// renderValue returns strings as they are and anything else as JSON.
func renderValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
