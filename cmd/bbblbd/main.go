// Command bbblbd is the balancer daemon entrypoint: it loads configuration,
// opens the persistent store, wires every spec component into an
// internal/app.Registry in dependency order, and runs until an interrupt or
// terminate signal arrives. Modeled on the teacher's cmd/daemon/main.go
// ordered-start/ordered-shutdown sequence, replacing its IPTV-specific
// wiring (OpenWebIF client, EPG scheduler, SSDP announcer) with this
// balancer's own services.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bbblb/bbblb/internal/app"
	"github.com/bbblb/bbblb/internal/callback"
	"github.com/bbblb/bbblb/internal/config"
	"github.com/bbblb/bbblb/internal/health"
	"github.com/bbblb/bbblb/internal/importer"
	"github.com/bbblb/bbblb/internal/log"
	"github.com/bbblb/bbblb/internal/mediator"
	"github.com/bbblb/bbblb/internal/poller"
	"github.com/bbblb/bbblb/internal/store"
	"github.com/google/uuid"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bbblbd %s (commit %s)\n", version, commit)
		os.Exit(0)
	}

	// Configure the logger with safe defaults until config is loaded, the
	// same two-phase Configure the teacher's cmd/daemon/main.go does.
	log.Configure(log.Config{Level: "info", Service: "bbblbd", Version: version})
	logger := log.WithComponent("main")

	cfg, err := config.Load(nil, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	log.Configure(log.Config{Level: level, Service: "bbblbd", Version: version})
	logger = log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	owner := ownerID()
	logger.Info().Str("owner", owner).Str("addr", cfg.ListenAddr).Msg("starting bbblbd")

	st, err := store.Open(ctx, cfg.DBURI, store.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	stagingDir := filepath.Join(cfg.RecordingPath, ".staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", stagingDir).Msg("failed to create recording staging directory")
	}

	med := mediator.New(st, cfg)
	cbRouter := callback.New(st, cfg)
	imp := importer.New(st, cfg)
	upload := importer.NewHandler(imp, st, cfg.Secret, stagingDir)
	pol := poller.New(st, cfg, owner)

	hm := health.NewManager()
	hm.Register(&health.DBChecker{Store: st})
	hm.Register(&health.StorageChecker{Path: cfg.RecordingPath})
	hm.Register(&health.LeaseChecker{Interval: cfg.PollInterval, GetLastCheck: pol.GetLastCheck})

	healthRoutes := hm.Routes()
	mux := http.NewServeMux()
	mux.Handle("/bigbluebutton/api/", med.Routes())
	mux.Handle("/api/v1/callback/", cbRouter.Routes())
	mux.Handle("/api/v1/recording/", upload.Routes())
	mux.Handle("/healthz", healthRoutes)
	mux.Handle("/readyz", healthRoutes)
	mux.Handle("/metrics", healthRoutes)

	registry := app.New()
	registry.Register(app.NewStoreService(st))
	registry.Register(app.NewHTTPServer("http", cfg.ListenAddr, mux))
	registry.Register(app.NewPollerService(pol))
	registry.Register(app.NewImporterService(imp))
	registry.Register(app.NewCallbackService(cbRouter))

	if err := registry.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start services")
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, draining")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := registry.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info().Msg("bbblbd exited cleanly")
}

// ownerID builds a process-lifetime-stable lease owner identifier
// combining hostname, process ID, and a random token (spec.md §4.2).
func ownerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
}
