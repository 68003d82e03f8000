package background

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"queued":      Running,
		"in_progress": Running,
		"running":     Running,
		"completed":   Completed,
		"failed":      Failed,
		"incomplete":  Failed,
		"cancelled":   Cancelled,
		"canceled":    Cancelled,
	}
	for in, want := range tests {
		got, err := ParseStatus(in)
		if err != nil || got != want {
			t.Errorf("ParseStatus(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseStatus("sleeping"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestHandle_Lifecycle(t *testing.T) {
	h := NewHandle("resp_1", "https://api.example/v1/responses/resp_1")
	if h.IsDone() || !h.IsRunning() {
		t.Fatal("new handle should be running")
	}

	progress := 40
	if err := h.Apply(Report{ID: "resp_1", Status: "in_progress", Progress: &progress}); err != nil {
		t.Fatalf("Apply in_progress: %v", err)
	}
	if h.IsDone() || h.Progress == nil || *h.Progress != 40 {
		t.Errorf("handle after progress = %+v", h)
	}

	if err := h.Apply(Report{Status: "completed", Body: json.RawMessage(`{"id":"resp_1"}`)}); err != nil {
		t.Fatalf("Apply completed: %v", err)
	}
	if !h.IsDone() || !h.IsCompleted() || string(h.Result) != `{"id":"resp_1"}` {
		t.Errorf("handle after completion = %+v", h)
	}

	if err := h.Apply(Report{Status: "completed"}); err != nil {
		t.Errorf("repeating terminal state: %v", err)
	}
	for _, s := range []string{"failed", "in_progress", "cancelled"} {
		if err := h.Apply(Report{Status: s}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("completed -> %s: err = %v, want ErrInvalidTransition", s, err)
		}
	}
	if !h.IsCompleted() {
		t.Errorf("status changed after rejected transition: %s", h.Status)
	}
}

func TestHandle_TerminalStates(t *testing.T) {
	for _, s := range []string{"failed", "cancelled", "completed"} {
		h := NewHandle("bg_1", "u")
		if err := h.Apply(Report{Status: s}); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		if !h.IsDone() {
			t.Errorf("%s: IsDone = false", s)
		}
	}
}

func TestHandle_RejectsForeignReport(t *testing.T) {
	h := NewHandle("resp_1", "u")
	if err := h.Apply(Report{ID: "resp_2", Status: "completed"}); err == nil {
		t.Error("expected error for report of another operation")
	}
	if h.IsDone() {
		t.Error("foreign report changed the handle")
	}
}

func TestReport_ErrorForms(t *testing.T) {
	var r Report
	if err := json.Unmarshal([]byte(`{"id":"bg_1","status":"failed","error":"boom"}`), &r); err != nil {
		t.Fatal(err)
	}
	if r.Error != "boom" {
		t.Errorf("string error = %q", r.Error)
	}

	if err := json.Unmarshal([]byte(`{"id":"resp_1","status":"failed","error":{"code":"server_error","message":"model crashed"}}`), &r); err != nil {
		t.Fatal(err)
	}
	if r.Error != "model crashed" || r.ID != "resp_1" {
		t.Errorf("object error = %+v", r)
	}

	h := NewHandle("resp_1", "u")
	if err := h.Apply(r); err != nil {
		t.Fatal(err)
	}
	if !h.IsFailed() || h.Error != "model crashed" {
		t.Errorf("handle = %+v", h)
	}
}

func TestHandle_JSONStatus(t *testing.T) {
	h := NewHandle("bg_1", "u")
	h.Status = Cancelled
	b, err := json.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	var back Handle
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Status != Cancelled {
		t.Errorf("status = %s", back.Status)
	}
}
