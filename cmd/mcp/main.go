// Cloud Browser MCP adapter - exposes the REST API as MCP tools over stdio
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Mustafabeshara/cloudbrowser/internal/mcp"
)

const version = "1.0.0"

func main() {
	// Logs go to stderr; stdout belongs to the JSON-RPC stream.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded .env file")
	}

	baseURL := os.Getenv("CLOUDBROWSER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("CLOUDBROWSER_TOKEN")
	if token == "" {
		slog.Error("CLOUDBROWSER_TOKEN must be set")
		os.Exit(1)
	}

	srv := mcp.NewServer("cloud-browser", version)
	mcp.RegisterTools(srv, mcp.NewAPIClient(baseURL, token))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("MCP server failed", "error", err)
		os.Exit(1)
	}
}
