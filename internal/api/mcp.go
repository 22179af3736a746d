package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/crmgate/internal/storage"
	"github.com/kalambet/crmgate/internal/tools"
)

// MCPTools runs CRM tools for the MCP layer.
type MCPTools interface {
	Call(ctx context.Context, scope tools.Scope, name string, args json.RawMessage) (any, error)
}

// MCPDeps holds dependencies for the MCP server. The server acts for a
// single signed-in user, so Scope is fixed at startup. Store is optional;
// without it the conversations resource is empty.
type MCPDeps struct {
	Tools MCPTools
	Meta  tools.Snapshots
	Store *storage.Store
	Scope tools.Scope
}

// NewMCPServer creates an MCP server exposing the CRM tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"crmgate",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("crmgate: consulta e registro de dados do CRM da organizacao."),
		server.WithRecovery(),
	)

	for _, def := range tools.Definitions() {
		s.AddTool(
			mcp.NewToolWithRawSchema(def.Function.Name, def.Function.Description, def.Function.Parameters),
			mcpTool(deps, def.Function.Name),
		)
	}

	s.AddResource(
		mcp.NewResource(
			"crm://schema",
			"CRM Schema",
			mcp.WithResourceDescription("Tables and columns available to the CRM tools"),
			mcp.WithMIMEType("text/plain"),
		),
		mcpResourceSchema(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"crm://conversations",
			"Recent Conversations",
			mcp.WithResourceDescription("Last 10 conversations of the signed-in user"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceConversations(deps),
	)

	return s
}

func mcpTool(deps MCPDeps, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcpError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		out, err := deps.Tools.Call(ctx, deps.Scope, name, args)
		if err != nil {
			return mcpError(tools.ErrorText(err)), nil
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSchema(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		snap, err := deps.Meta.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     snap.FormatTables(tools.QueryTables),
			},
		}, nil
	}
}

func mcpResourceConversations(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type conversationSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			UpdatedAt string `json:"updated_at"`
		}

		summaries := []conversationSummary{}
		if deps.Store != nil {
			convs, err := deps.Store.ListConversations(deps.Scope.TenantID, deps.Scope.UserID, 10)
			if err != nil {
				return nil, fmt.Errorf("failed to list conversations: %w", err)
			}
			for _, c := range convs {
				title := c.Title
				if utf8.RuneCountInString(title) > 80 {
					title = string([]rune(title)[:80]) + "..."
				}
				summaries = append(summaries, conversationSummary{
					ID:        c.ID,
					Title:     title,
					UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
				})
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
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
