package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"lingopod/internal/applejws"
	"lingopod/internal/auth"
	"lingopod/internal/catalog"
	"lingopod/internal/cdn"
	"lingopod/internal/config"
	"lingopod/internal/endpoints"
	"lingopod/internal/entitlement"
	"lingopod/internal/server"
)

func main() {
	// Initialize structured logging
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	catalogStore, err := catalog.NewStore(config.PodcastDBPath)
	if err != nil {
		slog.Error("Failed to open catalogue database", "error", err)
		os.Exit(1)
	}
	defer catalogStore.Close()

	entStore, err := entitlement.NewStore(config.UserDBPath)
	if err != nil {
		slog.Error("Failed to open entitlement database", "error", err)
		os.Exit(1)
	}
	defer entStore.Close()

	roots, err := applejws.LoadRoots(config.AppleRootCAPEM, config.AppleRootCADir)
	if err != nil {
		slog.Error("Failed to load Apple root certificates", "error", err)
		os.Exit(1)
	}
	verifier := applejws.NewVerifier(roots, config.StrictAppleVerify)

	binder := entitlement.NewBinder(entStore, config.MaxDevicesPerUser)
	processor := entitlement.NewProcessor(entStore, binder, verifier, entitlement.AppConfig{
		BundleID:    config.AppBundleID,
		AppAppleID:  config.AppAppleID,
		Environment: config.AppStoreEnv,
	})

	deps := endpoints.Deps{
		Catalog:      catalogStore,
		Entitlements: entStore,
		Processor:    processor,
		Binder:       binder,
		Signer:       cdn.NewSigner(config.CDNBaseURL, config.CDNAuthKey),
		Auth:         auth.NewManager(config.JWTSecret),
		ServiceToken: config.ServiceToken,
	}

	port := strconv.Itoa(config.Port)
	srv := server.NewServer(port, deps)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed to start", "error", err)
			cancel()
		}
	}()

	slog.Info("Lingopod HTTP server started", "port", port)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	} else {
		slog.Info("Server exited gracefully")
	}
}
