package stages

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope carries an opaque payload between stages, tagged with the stage that produced it.
// The trigger-built initial payload is tagged with the first stage.
type Envelope struct {
	Stage Name            `json:"stage"`
	Body  json.RawMessage `json:"body"`
}

// Common holds the fields the orchestrator routes on; every other field rides in the extra bag
type Common struct {
	Bucket      string `json:"bucket"`
	InterviewID string `json:"interview_id,omitempty"`
}

// Document is a decoded JSON object payload. Every field is kept verbatim, the routing
// fields included, so a stage's response reaches the next stage untouched.
type Document struct {
	Common
	extra map[string]json.RawMessage
}

// ParseDocument decodes an envelope body as a JSON object
func ParseDocument(body json.RawMessage) (*Document, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedPayload)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	doc := &Document{extra: fields}
	if raw, ok := fields["bucket"]; ok {
		if err := json.Unmarshal(raw, &doc.Bucket); err != nil {
			return nil, fmt.Errorf("%w: bucket: %v", ErrMalformedPayload, err)
		}
	}
	if raw, ok := fields["interview_id"]; ok {
		if err := json.Unmarshal(raw, &doc.InterviewID); err != nil {
			return nil, fmt.Errorf("%w: interview_id: %v", ErrMalformedPayload, err)
		}
	}
	return doc, nil
}

// Has reports whether the document carries field
func (d *Document) Has(field string) bool {
	switch field {
	case "bucket":
		return d.Bucket != ""
	case "interview_id":
		return d.InterviewID != ""
	}
	_, ok := d.extra[field]
	return ok
}

// Raw returns the undecoded value of an extra field
func (d *Document) Raw(field string) (json.RawMessage, bool) {
	raw, ok := d.extra[field]
	return raw, ok
}

// Set stores value under field, replacing any existing value
func (d *Document) Set(field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", field, err)
	}
	if d.extra == nil {
		d.extra = make(map[string]json.RawMessage)
	}
	d.extra[field] = raw
	return nil
}

// Items returns the elements of the array stored under field.
// A missing field or a non-array value is malformed; null is an empty list.
func (d *Document) Items(field string) ([]json.RawMessage, error) {
	raw, ok := d.extra[field]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformedPayload, field)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []json.RawMessage{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %q is not an array", ErrMalformedPayload, field)
	}
	return items, nil
}

// MarshalJSON encodes the extra bag as one object. A routing field replaces the parsed
// value only when it was changed to a non-empty value, so "" and null survive.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.extra)+2)
	for k, v := range d.extra {
		out[k] = v
	}
	overlay(out, "bucket", d.Bucket)
	overlay(out, "interview_id", d.InterviewID)
	return json.Marshal(out)
}

func overlay(out map[string]json.RawMessage, field, value string) {
	if value == "" {
		return
	}
	if raw, ok := out[field]; ok {
		var current string
		if json.Unmarshal(raw, &current) == nil && current == value {
			return
		}
	}
	encoded, _ := json.Marshal(value)
	out[field] = encoded
}

// ItemRequest builds the request for one fan-out item: the routing fields of the
// parent document plus the item itself under itemField.
func (d *Document) ItemRequest(itemField string, item json.RawMessage) (json.RawMessage, error) {
	extra := map[string]json.RawMessage{itemField: item}
	for _, field := range []string{"bucket", "interview_id"} {
		if raw, ok := d.extra[field]; ok {
			extra[field] = raw
		}
	}
	req := &Document{Common: d.Common, extra: extra}
	return req.MarshalJSON()
}
