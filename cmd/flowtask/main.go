package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/seantiz/flowtask/internal/api"
	"github.com/seantiz/flowtask/internal/backend"
	"github.com/seantiz/flowtask/internal/backend/comfy"
	"github.com/seantiz/flowtask/internal/config"
	"github.com/seantiz/flowtask/internal/engine"
	"github.com/seantiz/flowtask/internal/model"
	"github.com/seantiz/flowtask/internal/scheduler"
	"github.com/seantiz/flowtask/internal/store"
)

const engineShutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("flowtask: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"engine_url", cfg.EngineURL,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	defaults, err := model.SettingsFromURL(cfg.EngineURL)
	if err != nil {
		log.Fatalf("invalid engine url: %v", err)
	}
	if err := seedSettings(db, defaults); err != nil {
		log.Fatalf("failed to seed engine settings: %v", err)
	}

	pool := backend.NewPool(db, defaults, comfy.Connector(logger), logger)
	eng := engine.New(db, pool, engine.Options{
		PersistInterval: cfg.Timings.PersistInterval,
		CleanupInterval: cfg.Timings.CleanupInterval,
		Retention:       cfg.Timings.Retention,
		ConnectWait:     cfg.Timings.ConnectWait,
		DefaultEndpoint: model.NewEndpoint(defaults.ServerIP, defaults.Ports[0]),
	}, logger)
	eng.Start()

	sched := scheduler.New(db, pool, eng, cfg.Timings.SchedulePollInterval, logger)
	sched.Start()

	srv := api.NewServer(cfg.ListenAddr, cfg.CORSOrigins, db, eng, logger)
	runErr := srv.Run()

	sched.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), engineShutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}

// seedSettings persists the configured engine as the allow-list on first run.
func seedSettings(db *store.SQLiteStore, defaults *model.EngineSettings) error {
	ctx := context.Background()
	_, err := db.GetEngineSettings(ctx)
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	es := *defaults
	es.UpdatedAt = time.Now().UTC()
	return db.SaveEngineSettings(ctx, &es)
}
