package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/docsage/docsage/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testApp) {
	t.Helper()
	app := newTestApp(t)
	return MCPDeps{
		Store:     app.store,
		Retriever: app.deps.Retriever,
		Synth:     app.deps.Synth,
	}, app
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

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("got %d content items, want 1", len(result.Content))
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", result.Content[0])
	}
	return text.Text
}

func TestMCPAskDocs(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	app.uploadFiles(t, map[string]string{
		"handbook.txt": "Employees accrue twenty vacation days per year.",
	})

	result, err := mcpAskDocs(deps)(context.Background(), makeCallToolRequest("ask_docs", map[string]interface{}{
		"question": "vacation days per year",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var resp struct {
		Answer    string             `json:"answer"`
		Citations []storage.Citation `json:"citations"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("decoding answer: %v", err)
	}
	if resp.Answer == "" {
		t.Error("empty answer")
	}
	if len(resp.Citations) == 0 || resp.Citations[0].Filename != "handbook.txt" {
		t.Errorf("citations = %+v", resp.Citations)
	}
}

func TestMCPAskDocs_MissingQuestion(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpAskDocs(deps)(context.Background(), makeCallToolRequest("ask_docs", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing question")
	}
}

func TestMCPSearchDocs(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	app.uploadFiles(t, map[string]string{
		"specs.txt": "The device weighs 250 grams and runs for ten hours.",
	})

	result, err := mcpSearchDocs(deps)(context.Background(), makeCallToolRequest("search_docs", map[string]interface{}{
		"query": "device weight grams",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var hits []struct {
		ChunkID  string  `json:"chunk_id"`
		Filename string  `json:"filename"`
		Text     string  `json:"text"`
		Score    float32 `json:"score"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatalf("decoding hits: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].Filename != "specs.txt" || !strings.Contains(hits[0].Text, "250 grams") {
		t.Errorf("hits[0] = %+v", hits[0])
	}
}

func TestMCPSearchDocs_EmptyCorpus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpSearchDocs(deps)(context.Background(), makeCallToolRequest("search_docs", map[string]interface{}{
		"query": "anything at all",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got := toolText(t, result); got != "[]" {
		t.Errorf("got %q, want empty JSON array", got)
	}
}

func TestMCPListDocuments(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	app.uploadFiles(t, map[string]string{
		"one.txt": "first document content",
		"two.txt": "second document content",
	})

	result, err := mcpListDocuments(deps)(context.Background(), makeCallToolRequest("list_documents", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var docs []storage.Document
	if err := json.Unmarshal([]byte(toolText(t, result)), &docs); err != nil {
		t.Fatalf("decoding documents: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}

	result, err = mcpListDocuments(deps)(context.Background(), makeCallToolRequest("list_documents", map[string]interface{}{
		"status": storage.StatusFailed,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got := toolText(t, result); got != "[]" {
		t.Errorf("failed filter got %q, want empty array", got)
	}
}

func TestMCPResourceStats(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	app.uploadFiles(t, map[string]string{"doc.txt": "counted content"})

	contents, err := mcpResourceStats(deps)(context.Background(), makeReadResourceRequest("docsage://stats"))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("contents[0] is %T, want TextResourceContents", contents[0])
	}

	var stats storage.Stats
	if err := json.Unmarshal([]byte(text.Text), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Documents != 1 {
		t.Errorf("stats = %+v, want 1 document", stats)
	}
}
