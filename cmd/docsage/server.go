package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/docsage/docsage/internal/api"
	"github.com/docsage/docsage/internal/chunker"
	"github.com/docsage/docsage/internal/config"
	"github.com/docsage/docsage/internal/embedding"
	"github.com/docsage/docsage/internal/ingest"
	"github.com/docsage/docsage/internal/llm"
	"github.com/docsage/docsage/internal/reranking"
	"github.com/docsage/docsage/internal/retrieval"
	"github.com/docsage/docsage/internal/storage"
	"github.com/docsage/docsage/internal/synth"
	"github.com/docsage/docsage/internal/vectorindex"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docsage server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpEnabled, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpEnabled)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docsage server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docsage system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docsage.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(mcpEnabled bool) error {
	fmt.Fprintf(os.Stderr, "docsage version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: probe the health endpoint before claiming
	// the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docsage is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docsage is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Embedding backend: hosted when a model credential is configured,
	// otherwise the deterministic local hasher.
	var backend embedding.Backend
	if cfg.HostedLLM() {
		backend, err = embedding.NewOpenAI(embedding.OpenAIConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.Embedding.Model,
		})
		if err != nil {
			return fmt.Errorf("creating embedding backend: %w", err)
		}
	} else {
		backend = embedding.NewLocal(cfg.Embedding.LocalDim)
	}
	slog.Info("embedding backend selected", "backend", backend.Name(), "dim", backend.Dim())

	// Vector index: Qdrant when configured, SQLite brute force otherwise.
	var index vectorindex.Index
	if cfg.Index.URL != "" {
		index, err = vectorindex.NewQdrant(vectorindex.QdrantConfig{
			URL:        cfg.Index.URL,
			APIKey:     cfg.Index.APIKey,
			Collection: cfg.Index.Collection,
		})
		if err != nil {
			return fmt.Errorf("creating vector index: %w", err)
		}
		slog.Info("vector index selected", "backend", "qdrant", "collection", cfg.Index.Collection)
	} else {
		index = vectorindex.NewSQLite(store.DB())
		slog.Info("vector index selected", "backend", "sqlite")
	}

	// A dimension mismatch means the collection holds vectors from a
	// different embedding model and must not be written to. An
	// unreachable index is tolerated; requests degrade until it returns.
	if err := index.EnsureCollection(ctx, backend.Dim()); err != nil {
		if errors.Is(err, vectorindex.ErrDimensionMismatch) {
			return fmt.Errorf("vector collection dimension mismatch: %w", err)
		}
		if errors.Is(err, vectorindex.ErrUnavailable) {
			slog.Warn("vector index unreachable at startup, continuing degraded", "error", err)
		} else {
			return fmt.Errorf("preparing vector collection: %w", err)
		}
	}

	var llmClient *llm.Client
	if cfg.HostedLLM() {
		llmClient, err = llm.New(llm.Config{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		})
		if err != nil {
			return fmt.Errorf("creating llm client: %w", err)
		}
	}

	rerankOn := cfg.Retrieval.RerankEnabled && llmClient != nil
	var reranker reranking.Reranker
	if rerankOn {
		reranker = reranking.New(llmClient, true, 0)
	} else {
		reranker = reranking.New(nil, false, 0)
	}

	retriever := retrieval.New(backend, index, reranker, cfg.Retrieval.TopK, rerankOn)

	var synthesizer *synth.Synthesizer
	if llmClient != nil {
		synthesizer = synth.New(llmClient)
	} else {
		synthesizer = synth.New(nil)
		slog.Info("no LLM credential configured, using templated answers")
	}

	ingestSvc := ingest.New(store, backend, index, chunker.New(0, 0))

	handler := api.NewHandler(api.Deps{
		Store:     store,
		Ingest:    ingestSvc,
		Retriever: retriever,
		Synth:     synthesizer,
		Index:     index,
		Token:     cfg.Server.APIToken,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	if mcpEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:     store,
			Retriever: retriever,
			Synth:     synthesizer,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docsage listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("docsage is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docsage (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docsage (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health struct {
			Status      string `json:"status"`
			VectorIndex string `json:"vector_index"`
			Stats       struct {
				Sessions  int `json:"sessions"`
				Messages  int `json:"messages"`
				Documents int `json:"documents"`
			} `json:"stats"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		if resp.StatusCode == 200 && decodeErr == nil {
			printStatus("Server", "running on port %d (%s)", cfg.Server.Port, health.Status)
			printStatus("Vector index", "%s", health.VectorIndex)
			printStatus("Documents", "%d", health.Stats.Documents)
			printStatus("Sessions", "%d", health.Stats.Sessions)
			printStatus("Messages", "%d", health.Stats.Messages)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.HostedLLM() {
		printStatus("LLM", "%s via %s", cfg.LLM.Model, cfg.LLM.BaseURL)
		printStatus("Embeddings", "%s", cfg.Embedding.Model)
	} else {
		printStatus("LLM", "none (templated answers)")
		printStatus("Embeddings", "local (%d dims)", cfg.Embedding.LocalDim)
	}
	if cfg.Index.URL != "" {
		printStatus("Index", "qdrant at %s (collection %s)", cfg.Index.URL, cfg.Index.Collection)
	} else {
		printStatus("Index", "sqlite")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
