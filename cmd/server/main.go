package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"

	"github.com/clinicore/imagestore/pkg/imagestore"
	"github.com/clinicore/imagestore/pkg/imagestore/api"
	"github.com/clinicore/imagestore/pkg/imagestore/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	serverConfig, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	clinics := imagestore.NewStaticClinicDirectory()
	if serverConfig.Environment == "development" {
		// Seed one clinic with one admin so the API is usable out of the box.
		clinics.AddClinic(1, 1)
	}

	svc, err := serverConfig.BuildService(clinics, logger)
	if err != nil {
		logger.Error("failed to build service", "error", err)
		os.Exit(1)
	}

	// Rebuild asset reference counts before serving traffic.
	if err := svc.ReconcileReferences(context.Background()); err != nil {
		logger.Error("failed to reconcile asset references", "error", err)
		os.Exit(1)
	}

	secret := serverConfig.JWTSecret
	if secret == "" {
		secret = "development-secret"
		logger.Warn("JWT_SECRET not set, using development secret")
	}
	auth := jwtauth.New("HS256", []byte(secret), nil)

	handler := api.NewImageHandler(svc, auth, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	r.Mount("/api/v1/images", handler.Routes())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", serverConfig.Port),
		Handler: r,
	}

	go func() {
		logger.Info("image store server starting",
			"port", serverConfig.Port,
			"env", serverConfig.Environment,
			"storage", serverConfig.StorageType)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}
