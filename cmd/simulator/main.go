package main

import (
	"database/sql"
	"log"
	"net/http"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"

	"github.com/example/ridesync/internal/config"
	"github.com/example/ridesync/internal/logging"
	"github.com/example/ridesync/internal/sim"
)

func main() {
	cfg, err := config.LoadSimulatorConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// optional migration: run migrations/001_create_rides.sql if requested
	if cfg.PGDSN != "" && os.Getenv("MIGRATE") == "true" {
		if db, err := sql.Open("postgres", cfg.PGDSN); err == nil {
			if b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql")); err == nil {
				if _, err := db.Exec(string(b)); err != nil {
					logger.Error("migration exec error", "error", err)
				} else {
					logger.Info("migration applied", "file", "001_create_rides.sql")
				}
			}
			_ = db.Close()
		} else {
			logger.Error("migration db open error", "error", err)
		}
	}

	srv := sim.NewServerFromEnv(cfg, logger)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Info("ride simulator listening", "addr", cfg.HTTPAddr)
	if err := httpSrv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
