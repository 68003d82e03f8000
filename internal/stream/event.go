// Package stream decodes a server-sent event body from the responses
// service into typed events.
package stream

import (
	"encoding/json"
	"fmt"
)

// Kind is the variant tag of an Event.
type Kind int

const (
	Unknown Kind = iota
	TextDelta
	TextDone
	ToolCallStarted
	ToolCallDelta
	ToolCallCompleted
	ImageProgress
	Heartbeat
	Done
)

var kindNames = [...]string{
	Unknown:           "unknown",
	TextDelta:         "text_delta",
	TextDone:          "text_done",
	ToolCallStarted:   "tool_call_started",
	ToolCallDelta:     "tool_call_delta",
	ToolCallCompleted: "tool_call_completed",
	ImageProgress:     "image_progress",
	Heartbeat:         "heartbeat",
	Done:              "done",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Event is one decoded frame.
type Event struct {
	Kind Kind
	// Type is the frame's type discriminator, or its SSE event name when the
	// payload carries none.
	Type string
	// Text is the text fragment for TextDelta, the final text for TextDone
	// and the argument fragment for ToolCallDelta.
	Text   string
	Index  int
	ItemID string
	Name   string
	URL    string
	// ID is the SSE id field, if the frame had one.
	ID string
	// Raw is the frame's data payload as received.
	Raw json.RawMessage
}

func (e Event) IsDone() bool { return e.Kind == Done }

// TextDelta returns the text fragment of a TextDelta event.
func (e Event) TextDelta() (string, bool) {
	if e.Kind != TextDelta {
		return "", false
	}
	return e.Text, true
}

// ToolCallDelta returns the argument fragment of a ToolCallDelta event.
func (e Event) ToolCallDelta() (string, bool) {
	if e.Kind != ToolCallDelta {
		return "", false
	}
	return e.Text, true
}

// ImageURL returns the artifact URL of an ImageProgress event, when the
// service provided one.
func (e Event) ImageURL() (string, bool) {
	if e.Kind != ImageProgress || e.URL == "" {
		return "", false
	}
	return e.URL, true
}

// payload is the union of the fields known event types carry.
type payload struct {
	Type              string          `json:"type"`
	Content           string          `json:"content"`
	Delta             json.RawMessage `json:"delta"`
	Text              string          `json:"text"`
	Index             *int            `json:"index"`
	OutputIndex       *int            `json:"output_index"`
	ContentIndex      *int            `json:"content_index"`
	PartialImageIndex *int            `json:"partial_image_index"`
	ID                string          `json:"id"`
	ItemID            string          `json:"item_id"`
	Name              string          `json:"name"`
	URL               string          `json:"url"`
	Item              *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"item"`
}

func (p *payload) index() int {
	for _, i := range []*int{p.Index, p.OutputIndex, p.ContentIndex} {
		if i != nil {
			return *i
		}
	}
	return 0
}

func (p *payload) delta() string {
	if len(p.Delta) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(p.Delta, &s) == nil {
		return s
	}
	return ""
}

func (p *payload) itemID() string {
	switch {
	case p.ItemID != "":
		return p.ItemID
	case p.Item != nil && p.Item.ID != "":
		return p.Item.ID
	}
	return p.ID
}

// mapper fills the typed fields of ev from p.
type mapper func(ev *Event, p *payload)

// typeTable maps wire type names to event kinds. It covers the short names
// used by early versions of the service and the dotted names used now.
var typeTable = map[string]struct {
	kind Kind
	fill mapper
}{
	"text_delta": {TextDelta, func(ev *Event, p *payload) {
		ev.Text = p.Content
		ev.Index = p.index()
	}},
	"response.output_text.delta": {TextDelta, func(ev *Event, p *payload) {
		ev.Text = p.delta()
		ev.Index = p.index()
		ev.ItemID = p.itemID()
	}},
	"text_stop":                 {TextDone, fillIndexed},
	"response.output_text.done": {TextDone, fillIndexedText},
	"tool_call_created": {ToolCallStarted, func(ev *Event, p *payload) {
		fillIndexed(ev, p)
		ev.Name = p.Name
	}},
	"tool_call_delta": {ToolCallDelta, func(ev *Event, p *payload) {
		fillIndexed(ev, p)
		ev.Text = p.Content
	}},
	"response.function_call_arguments.delta": {ToolCallDelta, func(ev *Event, p *payload) {
		fillIndexed(ev, p)
		ev.Text = p.delta()
	}},
	"response.code_interpreter_call_code.delta": {ToolCallDelta, func(ev *Event, p *payload) {
		fillIndexed(ev, p)
		ev.Text = p.delta()
	}},
	"tool_call_completed": {ToolCallCompleted, fillIndexed},
	"image_progress": {ImageProgress, func(ev *Event, p *payload) {
		fillIndexed(ev, p)
		ev.URL = p.URL
	}},
	"response.image_generation_call.partial_image": {ImageProgress, func(ev *Event, p *payload) {
		fillIndexed(ev, p)
		if p.PartialImageIndex != nil {
			ev.Index = *p.PartialImageIndex
		}
		ev.URL = p.URL
	}},
	"chunk":     {Heartbeat, nil},
	"ping":      {Heartbeat, nil},
	"heartbeat": {Heartbeat, nil},
	"keepalive": {Heartbeat, nil},
	"done":      {Done, nil},
	// Terminal response states. Failed and incomplete responses end the
	// stream too; the caller tells them apart by Type.
	"response.completed":  {Done, nil},
	"response.failed":     {Done, nil},
	"response.incomplete": {Done, nil},
}

func fillIndexed(ev *Event, p *payload) {
	ev.Index = p.index()
	ev.ItemID = p.itemID()
}

func fillIndexedText(ev *Event, p *payload) {
	fillIndexed(ev, p)
	ev.Text = p.Text
}

// outputItem maps response.output_item.added/done. Message items are plain
// text containers and have no event of their own.
func outputItem(ev *Event, p *payload, kind Kind) {
	if p.Item == nil || p.Item.Type == "message" || p.Item.Type == "" {
		return
	}
	ev.Kind = kind
	fillIndexed(ev, p)
	ev.Name = p.Item.Name
	if ev.Name == "" {
		ev.Name = p.Item.Type
	}
}

// decodeData turns a frame's data payload into an event. Payloads that are
// not JSON objects, or whose type is not known, become Unknown.
func decodeData(ev *Event, data []byte) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.Type != "" {
		ev.Type = p.Type
	}
	switch ev.Type {
	case "response.output_item.added":
		outputItem(ev, &p, ToolCallStarted)
		return
	case "response.output_item.done":
		outputItem(ev, &p, ToolCallCompleted)
		return
	}
	if m, ok := typeTable[ev.Type]; ok {
		ev.Kind = m.kind
		if m.fill != nil {
			m.fill(ev, &p)
		}
	}
}

// decodeName maps a frame that has an event name but no data.
func decodeName(ev *Event) {
	if m, ok := typeTable[ev.Type]; ok && (m.kind == Done || m.kind == Heartbeat) {
		ev.Kind = m.kind
	}
}
