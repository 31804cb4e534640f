// Package main is the entry point for the tool server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tissuemaps/tmviewer/internal/api"
	"github.com/tissuemaps/tmviewer/internal/cache"
	"github.com/tissuemaps/tmviewer/internal/config"
	"github.com/tissuemaps/tmviewer/internal/data/objects"
	"github.com/tissuemaps/tmviewer/internal/render"
	"github.com/tissuemaps/tmviewer/internal/service"
	"github.com/tissuemaps/tmviewer/internal/store"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	seedDemo := flag.Bool("seed-demo", false, "Write a synthetic experiment into every configured path that has none")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().Int("port", cfg.Server.Port).Msg("starting tool server")

	if *seedDemo {
		if err := seedExperiments(cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to seed demo experiments")
		}
	}

	// Initialize cache manager (shared across all experiments)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		LabelEntries:    cfg.Cache.LabelEntries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cache")
	}
	defer cacheManager.Close()

	st, err := store.NewStore(cfg.Tools.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Tools.SQLitePath).Msg("failed to open tool store")
	}
	defer st.Close()

	// Initialize experiment registry
	registry := api.NewExperimentRegistry()
	ids := cfg.Data.ExperimentIDs()
	log.Info().Int("experiments", len(ids)).Msg("initializing experiments")

	for _, id := range ids {
		exp := cfg.Data.Experiments[id]
		reader, err := objects.NewReader(exp.Path)
		if err != nil {
			log.Fatal().Err(err).Str("experiment", id).Msg("failed to open experiment")
		}
		defer reader.Close()

		md := reader.Metadata()
		if md.ID != id {
			log.Fatal().Str("experiment", id).Str("metadata_id", md.ID).Msg("experiment id does not match its metadata")
		}
		log.Info().Str("experiment", id).Str("path", exp.Path).
			Ints("image_size", md.ImageSize[:]).Int("mapobject_types", len(md.MapObjectTypes)).
			Msg("loaded experiment")

		registry.Register(service.NewTileService(service.TileServiceConfig{
			Reader:   reader,
			Store:    st,
			Cache:    cacheManager,
			TileSize: cfg.Render.TileSize,
		}))
	}

	tools := service.NewToolService(service.WithColormap(cfg.Render.DefaultColormap))
	hub := api.NewPushHub(api.PushHubConfig{
		BufferSize: cfg.Push.BufferSize,
		BufferTTL:  cfg.Push.BufferTTL(),
	})
	defer hub.Stop()

	jobManager := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Tools.MaxConcurrent,
		QueueSize:     cfg.Tools.QueueSize,
		RetentionDays: cfg.Tools.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	}, st, registry, tools, hub)
	log.Info().Int("max_concurrent", cfg.Tools.MaxConcurrent).Int("retention_days", cfg.Tools.RetentionDays).
		Str("sqlite", cfg.Tools.SQLitePath).Msg("tool job manager ready")

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		Tools:       tools,
		Store:       st,
		JobManager:  jobManager,
		Hub:         hub,
		Renderer:    render.NewRenderer(render.Config{TileSize: cfg.Render.TileSize}),
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server. No write timeout: push connections are long-lived.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info().Msgf("server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not closed by Shutdown.
	hub.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// seedExperiments writes a synthetic experiment into every configured
// directory that does not hold one yet.
func seedExperiments(cfg *config.Config) error {
	for i, id := range cfg.Data.ExperimentIDs() {
		dir := cfg.Data.Experiments[id].Path
		if _, err := os.Stat(filepath.Join(dir, "metadata.json")); err == nil {
			continue
		}
		md, objs := objects.Synthetic(id, 2048, 1536, 64, int64(i+1))
		if err := objects.WriteExperiment(dir, md, objs); err != nil {
			return fmt.Errorf("experiment %s: %w", id, err)
		}
		log.Info().Str("experiment", id).Str("path", dir).Int("objects", len(objs["cells"])).Msg("seeded synthetic experiment")
	}
	return nil
}
