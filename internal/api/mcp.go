package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/docsage/docsage/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. It reuses the HTTP
// layer's collaborator interfaces so both surfaces stay in sync.
type MCPDeps struct {
	Store     *storage.Store
	Retriever Retriever
	Synth     Synthesizer
}

// NewMCPServer creates an MCP server exposing the document corpus to
// agent clients: question answering, raw semantic search, and document
// listing, plus corpus statistics as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docsage",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docsage answers questions over an ingested document corpus with citations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_docs",
			mcp.WithDescription("Answer a question from the ingested documents, with citations."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAskDocs(deps),
	)

	s.AddTool(
		mcp.NewTool("search_docs",
			mcp.WithDescription("Semantically search document chunks and return the raw passages with scores."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
		),
		mcpSearchDocs(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List ingested documents with their processing status."),
			mcp.WithString("status", mcp.Description("Optional status filter: processing, completed, or failed")),
		),
		mcpListDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docsage://stats",
			"Corpus Statistics",
			mcp.WithResourceDescription("Session, message, and document counts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

// mcpAskDocs answers without touching conversation state: MCP clients
// keep their own context, so nothing is persisted.
func mcpAskDocs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		passages, err := deps.Retriever.Retrieve(ctx, question)
		if err != nil {
			return mcpError(fmt.Sprintf("retrieval failed: %v", err)), nil
		}

		result, err := deps.Synth.Answer(ctx, question, passages, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("answer generation failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"answer":    result.Text,
			"citations": result.Citations,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchDocs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		hits, err := deps.Retriever.Retrieve(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		type hitResult struct {
			ChunkID   string  `json:"chunk_id"`
			Filename  string  `json:"filename"`
			PageStart int     `json:"page_start"`
			PageEnd   int     `json:"page_end"`
			Text      string  `json:"text"`
			Score     float32 `json:"score"`
		}
		results := make([]hitResult, len(hits))
		for i, h := range hits {
			results[i] = hitResult{
				ChunkID:   h.ChunkID,
				Filename:  h.Filename,
				PageStart: h.PageStart,
				PageEnd:   h.PageEnd,
				Text:      h.Text,
				Score:     h.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := req.GetString("status", "")

		docs, err := deps.Store.ListDocuments(status)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}
		if docs == nil {
			docs = []storage.Document{}
		}

		b, err := json.Marshal(docs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal documents: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Store.GetStats()
		if err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
