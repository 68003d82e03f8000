package schema

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Request is the body of POST /responses.
// Fields not explicitly modeled are preserved in Extra for pass-through.
type Request struct {
	Model              string
	Input              json.RawMessage
	Instructions       string
	PreviousResponseID string
	Tools              []Tool
	Stream             bool
	Background         bool
	Extra              map[string]json.RawMessage
}

// TextInput encodes a plain string as a request input.
func TextInput(text string) json.RawMessage {
	b, _ := json.Marshal(text)
	return b
}

func (r Request) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(r.Extra)+7)
	for k, v := range r.Extra {
		m[k] = v
	}
	if r.Model != "" {
		b, _ := json.Marshal(r.Model)
		m["model"] = b
	}
	if r.Input != nil {
		m["input"] = r.Input
	}
	if r.Instructions != "" {
		b, _ := json.Marshal(r.Instructions)
		m["instructions"] = b
	}
	if r.PreviousResponseID != "" {
		b, _ := json.Marshal(r.PreviousResponseID)
		m["previous_response_id"] = b
	}
	if len(r.Tools) > 0 {
		b, err := json.Marshal(r.Tools)
		if err != nil {
			return nil, err
		}
		m["tools"] = b
	}
	if r.Stream {
		m["stream"] = json.RawMessage(`true`)
	}
	if r.Background {
		m["background"] = json.RawMessage(`true`)
	}
	return json.Marshal(m)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := []struct {
		name string
		dst  any
	}{
		{"model", &r.Model},
		{"instructions", &r.Instructions},
		{"previous_response_id", &r.PreviousResponseID},
		{"tools", &r.Tools},
		{"stream", &r.Stream},
		{"background", &r.Background},
	}
	for _, f := range fields {
		v, ok := raw[f.name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return fmt.Errorf("decoding %s: %w", f.name, err)
		}
		delete(raw, f.name)
	}
	if v, ok := raw["input"]; ok {
		r.Input = v
		delete(raw, "input")
	}
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

// Clone returns a deep copy of r. The copy shares no slices, maps or
// pointers with the original.
func (r Request) Clone() Request {
	out := r
	out.Input = slices.Clone(r.Input)
	if r.Tools != nil {
		out.Tools = make([]Tool, len(r.Tools))
		for i, t := range r.Tools {
			out.Tools[i] = t.Clone()
		}
	}
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = slices.Clone(v)
		}
	}
	return out
}

// Tool is a tool declaration attached to a request. Only code_interpreter
// and image_generation tools carry a Container binding.
type Tool struct {
	Type           string            `json:"type"`
	Name           string            `json:"name,omitempty"`
	Description    string            `json:"description,omitempty"`
	Parameters     json.RawMessage   `json:"parameters,omitempty"`
	VectorStoreIDs []string          `json:"vector_store_ids,omitempty"`
	Container      *Container        `json:"container,omitempty"`
	ServerLabel    string            `json:"server_label,omitempty"`
	ServerURL      string            `json:"server_url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// CodeInterpreter declares a code interpreter tool running in c.
func CodeInterpreter(c *Container) Tool {
	return Tool{Type: "code_interpreter", Container: c}
}

// ImageGeneration declares an image generation tool.
func ImageGeneration(c *Container) Tool {
	return Tool{Type: "image_generation", Container: c}
}

// FileSearch declares a file search tool over the given vector stores.
func FileSearch(vectorStoreIDs ...string) Tool {
	return Tool{Type: "file_search", VectorStoreIDs: vectorStoreIDs}
}

// Function declares a callable function tool.
func Function(name, description string, parameters json.RawMessage) Tool {
	return Tool{Type: "function", Name: name, Description: description, Parameters: parameters}
}

func (t Tool) Clone() Tool {
	out := t
	out.Parameters = slices.Clone(t.Parameters)
	out.VectorStoreIDs = slices.Clone(t.VectorStoreIDs)
	out.Headers = maps.Clone(t.Headers)
	if t.Container != nil {
		c := t.Container.Clone()
		out.Container = &c
	}
	return out
}

// Container is the execution context of a code interpreter tool. On the
// wire it is either a bare container id string or an object asking the
// service to provision one ({"type":"auto"}).
type Container struct {
	ID      string
	Type    string
	FileIDs []string
}

// AutoContainer asks the service to provision a fresh container.
func AutoContainer() *Container {
	return &Container{Type: "auto"}
}

// ExistingContainer binds a tool to an already provisioned container.
func ExistingContainer(id string) *Container {
	return &Container{ID: id}
}

// BoundTo reports whether the container references a specific resource.
func (c *Container) BoundTo(id string) bool {
	return c != nil && c.ID != "" && c.ID == id
}

func (c Container) Clone() Container {
	c.FileIDs = slices.Clone(c.FileIDs)
	return c
}

type containerObject struct {
	Type    string   `json:"type"`
	FileIDs []string `json:"file_ids,omitempty"`
}

func (c Container) MarshalJSON() ([]byte, error) {
	if c.ID != "" {
		return json.Marshal(c.ID)
	}
	typ := c.Type
	if typ == "" {
		typ = "auto"
	}
	return json.Marshal(containerObject{Type: typ, FileIDs: c.FileIDs})
}

func (c *Container) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*c = Container{ID: id}
		return nil
	}
	var obj containerObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*c = Container{Type: obj.Type, FileIDs: obj.FileIDs}
	return nil
}

// Response is the object returned by POST /responses and GET /responses/{id}.
type Response struct {
	ID                 string          `json:"id"`
	Object             string          `json:"object,omitempty"`
	Status             string          `json:"status,omitempty"`
	Model              string          `json:"model,omitempty"`
	Output             []OutputItem    `json:"output,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	Background         bool            `json:"background,omitempty"`
	StatusURL          string          `json:"status_url,omitempty"`
	Error              *APIErrorDetail `json:"error,omitempty"`
	Usage              *Usage          `json:"usage,omitempty"`
}

// OutputItem is one element of Response.Output.
type OutputItem struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Role      string        `json:"role,omitempty"`
	Status    string        `json:"status,omitempty"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
}

// ContentPart is one piece of message content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// OutputText concatenates every output_text part of every message item.
func (r *Response) OutputText() string {
	if r == nil {
		return ""
	}
	var out []byte
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				out = append(out, part.Text...)
			}
		}
	}
	return string(out)
}

// Pending reports whether the service accepted the response but has not
// finished it yet.
func (r *Response) Pending() bool {
	switch r.Status {
	case "queued", "in_progress", "running":
		return true
	}
	return false
}

// APIError is the error envelope returned on non-2xx responses.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail carries the structured fields of an error response.
type APIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// ParseAPIError decodes an error envelope. ok is false when body is not one.
func ParseAPIError(body []byte) (APIErrorDetail, bool) {
	var e struct {
		Error *struct {
			Message string          `json:"message"`
			Type    string          `json:"type"`
			Code    json.RawMessage `json:"code"`
			Param   *string         `json:"param"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error == nil {
		return APIErrorDetail{}, false
	}
	d := APIErrorDetail{Message: e.Error.Message, Type: e.Error.Type}
	if e.Error.Param != nil {
		d.Param = *e.Error.Param
	}
	// code is a string on most errors but a number on some gateways.
	if len(e.Error.Code) > 0 && string(e.Error.Code) != "null" {
		var s string
		if json.Unmarshal(e.Error.Code, &s) == nil {
			d.Code = s
		} else {
			d.Code = string(e.Error.Code)
		}
	}
	return d, true
}
