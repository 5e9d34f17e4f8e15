package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GrainArc/MapRectify/OSGEO"
	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/routers"
	"github.com/GrainArc/MapRectify/services"
	"github.com/GrainArc/MapRectify/views"
)

func main() {
	configPath := flag.String("config", "config.xml", "path to config.xml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config | %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("config | %v", err)
	}
	db, err := config.OpenDatabase(cfg)
	if err != nil {
		log.Fatalf("database | %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, err := services.OpenStorage(ctx, cfg.MediaBucket, cfg.MediaHost, cfg.TempDir)
	if err != nil {
		log.Fatalf("storage | %v", err)
	}
	defer storage.Close()

	engine := OSGEO.NewGDALEngine()
	srs := OSGEO.NewSRSRegistry(cfg.SRSRegistryURL, cfg.CacheDir, &http.Client{Timeout: 30 * time.Second})

	locks := services.NewLockManager(db, cfg)
	lookup := services.NewLookupService(db, locks, storage)
	cascade := services.NewCascade(db, storage, lookup)
	sessions := services.NewSessionService(db, cfg, locks, storage, engine, srs, cascade)
	mosaics := func() *services.Mosaicker {
		return services.NewMosaicker(db, cfg, storage, engine, srs)
	}

	hub := views.NewStatusHub()
	sessions.SetNotifier(hub)

	runner := services.NewTaskRunner(db, cfg, sessions, locks, mosaics)
	pool := services.NewWorkerPool(cfg, runner.Handle)
	pool.Start(ctx)
	go services.NewHousekeeper(pool, cfg.LockSweepInterval()).Run(ctx)

	uc := &views.UserController{
		DB:        db,
		Cfg:       cfg,
		Storage:   storage,
		Sessions:  sessions,
		Lookup:    lookup,
		LayerSets: services.NewLayerSetService(db, cascade),
		Previews:  services.NewPreviewService(db, cfg, storage, engine, srs),
		Queue:     pool,
		Hub:       hub,
		Mosaics:   mosaics,
	}
	srv := &http.Server{
		Addr:    cfg.MainRouter,
		Handler: routers.NewEngine(cfg, uc),
	}
	go func() {
		log.Printf("server | listening on %s", cfg.MainRouter)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server | %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("server | shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server | shutdown: %v", err)
	}
	pool.Close()
}
