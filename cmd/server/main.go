// Cloud Browser - containerized browser session service
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Mustafabeshara/cloudbrowser/internal/analysis"
	"github.com/Mustafabeshara/cloudbrowser/internal/api"
	"github.com/Mustafabeshara/cloudbrowser/internal/auth"
	"github.com/Mustafabeshara/cloudbrowser/internal/config"
	"github.com/Mustafabeshara/cloudbrowser/internal/container"
	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/session"
	"github.com/Mustafabeshara/cloudbrowser/internal/store"
	"github.com/Mustafabeshara/cloudbrowser/internal/vncproxy"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	runtime, err := container.NewDockerRuntime(container.Config{
		Network:      cfg.DockerNetwork,
		FirefoxImage: cfg.FirefoxImage,
		ChromeImage:  cfg.ChromeImage,
		PublicHost:   cfg.PublicHost,
	})
	if err != nil {
		slog.Error("Failed to initialize container runtime", "error", err)
		os.Exit(1)
	}
	defer runtime.Close()

	networkID, err := runtime.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure browser network", "error", err)
		os.Exit(1)
	}
	slog.Info("Browser network ready", "network_id", networkID)

	if err := runtime.EnsureImages(context.Background()); err != nil {
		slog.Warn("Failed to pre-pull browser images, first launches will pull on demand", "error", err)
	}

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	authSvc := auth.NewService(repo, tokens, auth.AccountDefaults{
		MaxContainers:    cfg.MaxContainersPerUser,
		ContainerTimeout: int(cfg.ContainerTimeout.Seconds()),
	})
	if err := authSvc.BootstrapAdmin(context.Background(), cfg.AdminEmail, cfg.AdminPassword); err != nil {
		slog.Error("Failed to bootstrap admin account", "error", err)
		os.Exit(1)
	}

	sessions := session.NewManager(repo, runtime, session.Config{
		PublicHost:       cfg.PublicHost,
		ProvisionTimeout: cfg.ProvisionTimeout,
		DefaultLimits: domain.ResourceLimits{
			CPULimit:     cfg.ContainerCPULimit,
			MemoryLimit:  cfg.ContainerMemoryLimit,
			StorageLimit: cfg.ContainerStorageLimit,
		},
	})
	sweeper := session.NewSweeper(repo, runtime, cfg.SweepInterval, cfg.AuditRetention)

	analysisClient := analysis.NewClient(cfg.AnalysisAPIURL, cfg.AnalysisAPIKey)
	if !analysisClient.Enabled() {
		slog.Info("Code analysis disabled (ANALYSIS_API_URL or ANALYSIS_API_KEY not set)")
	}

	handler := api.NewHandler(cfg, repo, runtime, sessions, sweeper, authSvc, analysisClient)
	vnc := vncproxy.New(sessions, repo, "127.0.0.1", cfg.CORSOrigins, handler.WriteError)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(vnc),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket bridges stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(ctx)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
