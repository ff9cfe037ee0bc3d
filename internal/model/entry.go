// Package model defines the core tape data types.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind classifies an entry.
type Kind string

const (
	KindMessage    Kind = "message"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindAnchor     Kind = "anchor"
	KindEvent      Kind = "event"
)

// ValidKinds are the allowed entry kinds.
var ValidKinds = map[Kind]bool{
	KindMessage:    true,
	KindToolCall:   true,
	KindToolResult: true,
	KindAnchor:     true,
	KindEvent:      true,
}

// Entry is one immutable record of a tape. ID is assigned by the store at
// append time and is never reused.
type Entry struct {
	ID        int64             `json:"id"`
	Kind      Kind              `json:"kind"`
	Payload   json.RawMessage   `json:"payload"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Draft is an entry that has not been appended yet.
type Draft struct {
	Kind    Kind              `json:"kind"`
	Payload json.RawMessage   `json:"payload"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Validate checks the kind and payload of a draft. The payload is compacted;
// an empty payload becomes JSON null and empty meta becomes nil.
func (d *Draft) Validate() error {
	if !ValidKinds[d.Kind] {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, d.Kind)
	}
	if len(d.Meta) == 0 {
		d.Meta = nil
	}
	if len(bytes.TrimSpace(d.Payload)) == 0 {
		d.Payload = json.RawMessage("null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, d.Payload); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEntry)
	}
	d.Payload = buf.Bytes()
	if d.Kind == KindAnchor {
		var p anchorPayload
		if err := json.Unmarshal(d.Payload, &p); err != nil || strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: anchor payload requires a name", ErrInvalidEntry)
		}
	}
	return nil
}

// Draft returns the appendable part of an entry.
func (e Entry) Draft() Draft {
	return Draft{Kind: e.Kind, Payload: cloneRaw(e.Payload), Meta: CloneMeta(e.Meta)}
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (e Entry) Clone() Entry {
	e.Payload = cloneRaw(e.Payload)
	e.Meta = CloneMeta(e.Meta)
	return e
}

// Text flattens the entry into searchable text: the anchor name (if any) and
// every string leaf of the payload, visited in key order.
func (e Entry) Text() string {
	var v any
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return ""
	}
	var parts []string
	collectStrings(v, &parts)
	return strings.Join(parts, " ")
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		if t != "" {
			*out = append(*out, t)
		}
	case []any:
		for _, item := range t {
			collectStrings(item, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(t[k], out)
		}
	}
}

// CloneMeta copies a meta map. Nil stays nil.
func CloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
