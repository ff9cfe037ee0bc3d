package model

import (
	"encoding/json"
	"fmt"
)

// OverflowAnchor marks the point where a tape overflowed without any prior anchor.
const OverflowAnchor = "context:overflow"

// Anchor is a milestone entry carrying a hierarchical name and a state snapshot.
type Anchor struct {
	Entry
	Name  string         `json:"name"`
	State map[string]any `json:"state,omitempty"`
}

type anchorPayload struct {
	Name  string         `json:"name"`
	State map[string]any `json:"state,omitempty"`
}

// AnchorDraft builds the draft for a handoff.
func AnchorDraft(name string, state map[string]any, meta map[string]string) (Draft, error) {
	b, err := json.Marshal(anchorPayload{Name: name, State: state})
	if err != nil {
		return Draft{}, fmt.Errorf("%w: encode anchor state: %v", ErrInvalidEntry, err)
	}
	d := Draft{Kind: KindAnchor, Payload: b, Meta: CloneMeta(meta)}
	if err := d.Validate(); err != nil {
		return Draft{}, err
	}
	return d, nil
}

// AsAnchor decodes an anchor entry. It fails for any other kind.
func AsAnchor(e Entry) (Anchor, error) {
	if e.Kind != KindAnchor {
		return Anchor{}, fmt.Errorf("%w: entry %d is a %s, not an anchor", ErrInvalidEntry, e.ID, e.Kind)
	}
	var p anchorPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return Anchor{}, fmt.Errorf("%w: decode anchor %d: %v", ErrInvalidEntry, e.ID, err)
	}
	return Anchor{Entry: e, Name: p.Name, State: p.State}, nil
}
