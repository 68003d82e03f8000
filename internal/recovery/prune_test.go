package recovery

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/kalambet/respond/internal/schema"
)

func boundRequest() schema.Request {
	return schema.Request{
		Model:              "gpt-4.1",
		Input:              schema.TextInput("plot it again"),
		PreviousResponseID: "res_42",
		Tools: []schema.Tool{
			schema.CodeInterpreter(schema.ExistingContainer("res_42")),
			schema.CodeInterpreter(schema.ExistingContainer("cntr_other")),
			schema.FileSearch("vs_1"),
		},
		Extra: map[string]json.RawMessage{"temperature": json.RawMessage(`0.1`)},
	}
}

func TestPrune_RemovesExpiredReferences(t *testing.T) {
	req := boundRequest()
	got := Prune(req, "res_42")

	if got.PreviousResponseID != "" {
		t.Errorf("PreviousResponseID = %q, want empty", got.PreviousResponseID)
	}
	if c := got.Tools[0].Container; c == nil || c.ID != "" || c.Type != "auto" {
		t.Errorf("expired container = %+v, want auto", c)
	}
	if !got.Tools[1].Container.BoundTo("cntr_other") {
		t.Errorf("unrelated container changed: %+v", got.Tools[1].Container)
	}
	if got.Model != req.Model || string(got.Input) != string(req.Input) {
		t.Error("unrelated fields changed")
	}
}

func TestPrune_DoesNotMutateInput(t *testing.T) {
	req := boundRequest()
	before := req.Clone()

	_ = Prune(req, "res_42")
	_ = Prune(req, "")

	if !reflect.DeepEqual(req, before) {
		t.Errorf("input mutated:\n got %+v\nwant %+v", req, before)
	}
}

func TestPrune_Idempotent(t *testing.T) {
	for _, id := range []string{"res_42", "cntr_other", "", "missing"} {
		once := Prune(boundRequest(), id)
		twice := Prune(once, id)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("Prune(%q) not idempotent:\n once %+v\ntwice %+v", id, once, twice)
		}
	}
}

func TestPrune_UnrelatedIDKeepsContainers(t *testing.T) {
	req := boundRequest()
	got := Prune(req, "sess_unrelated")
	if got.PreviousResponseID != "" {
		t.Errorf("PreviousResponseID = %q, want empty", got.PreviousResponseID)
	}
	if !reflect.DeepEqual(got.Tools, req.Tools) {
		t.Errorf("tools changed:\n got %+v\nwant %+v", got.Tools, req.Tools)
	}
}

func TestPrune_ContainerIDDropsPreviousResponse(t *testing.T) {
	req := schema.Request{
		PreviousResponseID: "resp_prev",
		Tools: []schema.Tool{
			schema.CodeInterpreter(schema.ExistingContainer("cntr_abc")),
			schema.CodeInterpreter(schema.ExistingContainer("cntr_keep")),
		},
	}
	got := Prune(req, "cntr_abc")
	if got.PreviousResponseID != "" {
		t.Errorf("PreviousResponseID = %q, want empty", got.PreviousResponseID)
	}
	if got.Tools[0].Container.ID != "" {
		t.Errorf("expired container still bound: %+v", got.Tools[0].Container)
	}
	if !got.Tools[1].Container.BoundTo("cntr_keep") {
		t.Errorf("unrelated container reset: %+v", got.Tools[1].Container)
	}
}

func TestPrune_EmptyIDDropsEveryBinding(t *testing.T) {
	got := Prune(boundRequest(), "")
	if got.PreviousResponseID != "" {
		t.Errorf("PreviousResponseID = %q", got.PreviousResponseID)
	}
	if n := boundContainers(got); n != 0 {
		t.Errorf("%d containers still bound", n)
	}
	if got.Tools[2].Container != nil {
		t.Errorf("file_search tool gained a container: %+v", got.Tools[2])
	}
}

func TestPrune_PreviousResponseOnly(t *testing.T) {
	req := schema.Request{
		PreviousResponseID: "resp_1",
		Tools:              []schema.Tool{schema.CodeInterpreter(schema.ExistingContainer("cntr_1"))},
	}
	got := Prune(req, "resp_1")
	if got.PreviousResponseID != "" {
		t.Errorf("PreviousResponseID = %q", got.PreviousResponseID)
	}
	if !got.Tools[0].Container.BoundTo("cntr_1") {
		t.Error("container bound to a different resource was reset")
	}
}
