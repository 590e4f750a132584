package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question over the ingested documents",
	Long: `Ask a question over the ingested documents.

Examples:
  docsage ask "What is the refund policy?"
  docsage ask --session 4f1f9c2a "And for international orders?"
  docsage ask --stream "Summarize the onboarding guide"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		session, _ := cmd.Flags().GetString("session")
		stream, _ := cmd.Flags().GetBool("stream")
		noHistory, _ := cmd.Flags().GetBool("no-history")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"question": question}
		if session != "" {
			req["session_id"] = session
		}
		if noHistory {
			req["use_history"] = false
		}

		if stream {
			return streamAsk(cmd, client, req)
		}

		resp, err := client.post(cmd.Context(), "/ask", req)
		if err != nil {
			return err
		}

		var result answerPayload
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		printCitations(result.Citations)
		printStatus("Session", "%s", result.SessionID)
		return nil
	},
}

type citation struct {
	ChunkID   string `json:"chunk_id"`
	Filename  string `json:"filename"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
}

type answerPayload struct {
	Answer    string     `json:"answer"`
	SessionID string     `json:"session_id"`
	Citations []citation `json:"citations"`
}

func printCitations(citations []citation) {
	if len(citations) == 0 {
		return
	}
	fmt.Println()
	for _, c := range citations {
		fmt.Printf("  %s %s p%d-%d\n", colorize(colorCyan, "•"), c.Filename, c.PageStart, c.PageEnd)
	}
}

// streamAsk prints answer fragments as they arrive, then the citations
// from the final event.
func streamAsk(cmd *cobra.Command, client *apiClient, req map[string]any) error {
	resp, err := client.post(cmd.Context(), "/ask/stream", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var final answerPayload
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event struct {
			Delta string `json:"delta"`
			Error string `json:"error"`
		}
		if json.Unmarshal([]byte(payload), &event) == nil {
			if event.Error != "" {
				fmt.Println()
				return fmt.Errorf("%s", event.Error)
			}
			if event.Delta != "" {
				fmt.Print(event.Delta)
				continue
			}
		}
		json.Unmarshal([]byte(payload), &final)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}

	fmt.Println()
	printCitations(final.Citations)
	if final.SessionID != "" {
		printStatus("Session", "%s", final.SessionID)
	}
	return nil
}

func init() {
	askCmd.Flags().String("session", "", "session id to continue a conversation")
	askCmd.Flags().Bool("stream", false, "stream the answer as it is generated")
	askCmd.Flags().Bool("no-history", false, "ignore prior conversation turns")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Upload documents for indexing",
	Long: `Upload documents for indexing.

Supported formats: PDF, HTML, Markdown, and plain text.

Examples:
  docsage ingest handbook.pdf
  docsage ingest notes.md faq.html policy.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postFiles(cmd.Context(), "/ingest", args)
		if err != nil {
			return err
		}

		var result struct {
			DocIDs         []string `json:"doc_ids"`
			ChunksIndexed  int      `json:"chunks_indexed"`
			FilesProcessed int      `json:"files_processed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Indexed %d chunks from %d file(s)", result.ChunksIndexed, result.FilesProcessed)
		for _, id := range result.DocIDs {
			fmt.Printf("  %s\n", colorize(colorCyan, id))
		}
		if result.ChunksIndexed == 0 {
			printWarning("no chunks were indexed, check 'docsage documents list --status failed'")
		}
		return nil
	},
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/sessions?limit=%d", limit))
		if err != nil {
			return err
		}

		var sessions []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, s.ID[:8]), s.CreatedAt, s.Title)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+args[0]+"/messages")
		if err != nil {
			return err
		}

		var messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := decodeJSON(resp, &messages); err != nil {
			return err
		}

		for _, m := range messages {
			label := m.Role
			if m.Role == "user" {
				label = colorize(colorBold, "you")
			}
			fmt.Printf("%s: %s\n\n", label, m.Content)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/sessions/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted session %s", result["session_id"])
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage ingested documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/documents"
		if status != "" {
			path += "?status=" + status
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var docs []struct {
			ID         string `json:"id"`
			Filename   string `json:"filename"`
			Status     string `json:"status"`
			ChunkCount int    `json:"chunk_count"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %-10s  %4d chunks  %s\n", colorize(colorCyan, d.ID[:8]), docStatusLabel(d.Status), d.ChunkCount, d.Filename)
		}
		return nil
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a document as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var doc any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its indexed chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", result["doc_id"])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().String("status", "", "filter by status: processing, completed, or failed")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsShowCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}
