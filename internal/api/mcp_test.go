package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/respond/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T, handler http.HandlerFunc) (MCPDeps, *storage.Store) {
	t.Helper()
	c, store := mockUpstream(t, handler)
	return MCPDeps{Client: c, Store: store, DefaultModel: "test-model"}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_CreateResponse(t *testing.T) {
	var model string
	deps, store := newTestMCPDeps(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		json.NewDecoder(r.Body).Decode(&body)
		model = string(body["model"])
		fmt.Fprint(w, `{"id":"resp_1","status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"Hello there"}]}]}`)
	})
	handler := mcpCreateResponse(deps)

	result, err := handler(context.Background(), makeCallToolRequest("create_response", map[string]interface{}{
		"input": "Say hello",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var out struct {
		ID         string `json:"id"`
		Text       string `json:"text"`
		RetryCount int    `json:"retry_count"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.ID != "resp_1" || out.Text != "Hello there" || out.RetryCount != 0 {
		t.Errorf("result = %+v", out)
	}
	if model != `"test-model"` {
		t.Errorf("model = %s, want default model", model)
	}

	rows, err := store.RecentExecutions(10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("journal = %+v, %v", rows, err)
	}
}

func TestMCPTool_CreateResponse_MissingInput(t *testing.T) {
	deps, _ := newTestMCPDeps(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream called")
	})
	result, err := mcpCreateResponse(deps)(context.Background(), makeCallToolRequest("create_response", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_CreateResponse_Failure(t *testing.T) {
	deps, _ := newTestMCPDeps(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"not allowed"}}`)
	})
	result, _ := mcpCreateResponse(deps)(context.Background(), makeCallToolRequest("create_response", map[string]interface{}{
		"input": "x",
	}))
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if text := toolText(t, result); !strings.Contains(text, "authorization") {
		t.Errorf("error text = %q, want classification", text)
	}
}

func TestMCPTool_BackgroundAndPoll(t *testing.T) {
	var polls int
	deps, _ := newTestMCPDeps(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"id":"resp_bg","status":"queued"}`)
			return
		}
		polls++
		fmt.Fprint(w, `{"id":"resp_bg","status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"all done"}]}]}`)
	})

	result, err := mcpCreateResponse(deps)(context.Background(), makeCallToolRequest("create_response", map[string]interface{}{
		"input":      "long job",
		"background": true,
	}))
	if err != nil || result.IsError {
		t.Fatalf("create: %v %s", err, toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), `"status":"running"`) {
		t.Errorf("handle = %s", toolText(t, result))
	}

	poll := mcpPollBackground(deps)
	result, err = poll(context.Background(), makeCallToolRequest("poll_background", map[string]interface{}{"id": "resp_bg"}))
	if err != nil || result.IsError {
		t.Fatalf("poll: %v %s", err, toolText(t, result))
	}
	var summary handleSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Status != "completed" || summary.Text != "all done" {
		t.Errorf("summary = %+v", summary)
	}

	// A finished handle is served from the journal.
	if _, err := poll(context.Background(), makeCallToolRequest("poll_background", map[string]interface{}{"id": "resp_bg"})); err != nil {
		t.Fatal(err)
	}
	if polls != 1 {
		t.Errorf("polls = %d, want 1", polls)
	}

	result, _ = poll(context.Background(), makeCallToolRequest("poll_background", map[string]interface{}{"id": "unknown"}))
	if !result.IsError {
		t.Error("expected error for untracked id")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store := newTestMCPDeps(t, func(w http.ResponseWriter, r *http.Request) {})
	long := strings.Repeat("x", 300)
	if err := store.SaveExecution(storage.Execution{
		ID:            "exe-1",
		CreatedAt:     time.Now().UTC(),
		Mode:          "sync",
		RetryCount:    1,
		OriginalError: long,
	}); err != nil {
		t.Fatal(err)
	}

	contents, err := mcpResourceRecent(deps)(context.Background(), makeReadResourceRequest("respond://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text

	var items []map[string]any
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(items) != 1 || items[0]["id"] != "exe-1" {
		t.Fatalf("items = %v", items)
	}
	if msg := items[0]["original_error"].(string); len([]rune(msg)) != 203 {
		t.Errorf("original_error not truncated: %d runes", len([]rune(msg)))
	}
}

func TestMCPResource_Background(t *testing.T) {
	deps, store := newTestMCPDeps(t, func(w http.ResponseWriter, r *http.Request) {})
	if err := store.TrackBackground(storage.BackgroundJob{ID: "resp_bg", StatusURL: "u"}); err != nil {
		t.Fatal(err)
	}

	contents, err := mcpResourceBackground(deps)(context.Background(), makeReadResourceRequest("respond://background"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, `"id":"resp_bg"`) || !strings.Contains(text, `"status":"running"`) {
		t.Errorf("resource = %s", text)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t, func(w http.ResponseWriter, r *http.Request) {})
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
