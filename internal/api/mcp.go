package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/respond/internal/background"
	"github.com/kalambet/respond/internal/recovery"
	"github.com/kalambet/respond/internal/responses"
	"github.com/kalambet/respond/internal/schema"
	"github.com/kalambet/respond/internal/storage"
	"github.com/kalambet/respond/internal/watch"
)

// MCPStore abstracts the journal reads the MCP layer needs.
type MCPStore interface {
	RecentExecutions(limit int) ([]storage.Execution, error)
	GetBackground(id string) (storage.BackgroundJob, error)
	RecentBackground(limit int) ([]storage.BackgroundJob, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Client       *responses.Client
	Store        MCPStore
	DefaultModel string
}

// NewMCPServer creates an MCP server with the respond tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"respond",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("respond: send requests to the responses service with automatic recovery from expired context."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_response",
			mcp.WithDescription("Send a prompt to the responses service. Expired containers and sessions are recovered automatically."),
			mcp.WithString("input", mcp.Description("Prompt text"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Model name (defaults to the configured model)")),
			mcp.WithString("instructions", mcp.Description("Optional system instructions")),
			mcp.WithString("previous_response_id", mcp.Description("Continue the conversation from this response")),
			mcp.WithBoolean("background", mcp.Description("Run in the background and return a handle")),
		),
		mcpCreateResponse(deps),
	)

	s.AddTool(
		mcp.NewTool("poll_background",
			mcp.WithDescription("Refresh a background response and return its current status."),
			mcp.WithString("id", mcp.Description("Background response id"), mcp.Required()),
		),
		mcpPollBackground(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"respond://recent",
			"Recent Executions",
			mcp.WithResourceDescription("Last 10 journaled executions with their recovery details"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"respond://background",
			"Background Responses",
			mcp.WithResourceDescription("Last 10 tracked background responses"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBackground(deps),
	)

	return s
}

func mcpCreateResponse(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := req.RequireString("input")
		if err != nil {
			return mcpError("input is required"), nil
		}

		r := schema.Request{
			Model:              req.GetString("model", deps.DefaultModel),
			Input:              schema.TextInput(input),
			Instructions:       req.GetString("instructions", ""),
			PreviousResponseID: req.GetString("previous_response_id", ""),
		}

		if req.GetBool("background", false) {
			h, _, err := deps.Client.CreateBackground(ctx, r)
			if err != nil {
				return mcpError(fmt.Sprintf("create failed: %v", err)), nil
			}
			return mcpJSON(h)
		}

		res, err := deps.Client.Create(ctx, r)
		if err != nil {
			return mcpError(describeFailure(err)), nil
		}

		type createResult struct {
			ID           string `json:"id"`
			Text         string `json:"text"`
			RetryCount   int    `json:"retry_count"`
			ResetMessage string `json:"reset_message,omitempty"`
		}
		return mcpJSON(createResult{
			ID:           res.Response.ID,
			Text:         res.Response.OutputText(),
			RetryCount:   res.Info.RetryCount,
			ResetMessage: res.Info.ResetMessage,
		})
	}
}

func describeFailure(err error) string {
	var rerr *recovery.Error
	if errors.As(err, &rerr) {
		return fmt.Sprintf("create failed (%s, %d retries): %v", rerr.Classification, rerr.Info.RetryCount, rerr.Err)
	}
	return fmt.Sprintf("create failed: %v", err)
}

func mcpPollBackground(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		job, err := deps.Store.GetBackground(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("background response %s is not tracked", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading background response: %v", err)), nil
		}

		h := watch.HandleFromJob(job)
		if !h.IsDone() {
			if err := deps.Client.Poll(ctx, h); err != nil {
				return mcpError(fmt.Sprintf("poll failed: %v", err)), nil
			}
		}
		return mcpJSON(backgroundSummary(h))
	}
}

type handleSummary struct {
	ID                  string `json:"id"`
	Status              string `json:"status"`
	Progress            *int   `json:"progress,omitempty"`
	EstimatedCompletion string `json:"estimated_completion,omitempty"`
	Error               string `json:"error,omitempty"`
	Text                string `json:"text,omitempty"`
}

func backgroundSummary(h *background.Handle) handleSummary {
	s := handleSummary{
		ID:                  h.ID,
		Status:              h.Status.String(),
		Progress:            h.Progress,
		EstimatedCompletion: h.EstimatedCompletion,
		Error:               h.Error,
	}
	if h.IsCompleted() {
		var resp schema.Response
		if json.Unmarshal(h.Result, &resp) == nil {
			s.Text = resp.OutputText()
		}
	}
	return s
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		executions, err := deps.Store.RecentExecutions(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent executions: %w", err)
		}

		type executionSummary struct {
			ID             string `json:"id"`
			CreatedAt      string `json:"created_at"`
			ResponseID     string `json:"response_id,omitempty"`
			Mode           string `json:"mode"`
			Successful     bool   `json:"successful"`
			RetryCount     int    `json:"retry_count"`
			Classification string `json:"classification,omitempty"`
			OriginalError  string `json:"original_error,omitempty"`
		}

		summaries := make([]executionSummary, len(executions))
		for i, e := range executions {
			msg := e.OriginalError
			if utf8.RuneCountInString(msg) > 200 {
				runes := []rune(msg)
				msg = string(runes[:200]) + "..."
			}
			summaries[i] = executionSummary{
				ID:             e.ID,
				CreatedAt:      e.CreatedAt.Format(time.RFC3339),
				ResponseID:     e.ResponseID,
				Mode:           e.Mode,
				Successful:     e.Successful,
				RetryCount:     e.RetryCount,
				Classification: e.Classification,
				OriginalError:  msg,
			}
		}

		return jsonResource(req.Params.URI, summaries)
	}
}

func mcpResourceBackground(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Store.RecentBackground(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get background responses: %w", err)
		}
		summaries := make([]handleSummary, len(jobs))
		for i, j := range jobs {
			summaries[i] = backgroundSummary(watch.HandleFromJob(j))
		}
		return jsonResource(req.Params.URI, summaries)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
