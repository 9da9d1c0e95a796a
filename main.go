package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"gametable/internal/config"
	"gametable/internal/logging"
	"gametable/internal/session"
	"gametable/internal/storage"

	"gorm.io/gorm"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logging.Debug = *debug || cfg.Debug

	var db *gorm.DB
	var durable session.Backend
	if cfg.DatabaseDSN != "" {
		db, err = storage.Open(cfg.DatabaseDSN)
		if err != nil {
			log.Printf("database unavailable, sessions will be in-memory only: %v", err)
		} else {
			durable = storage.NewBackend(db, cfg.DBTimeout)
		}
	}

	store := session.New(durable, session.TTL{Lifetime: cfg.SessionTTL})
	go store.RunSweeper(context.Background(), cfg.SweepInterval)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	http.HandleFunc("/db-check", func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			http.Error(w, "db: not configured", http.StatusServiceUnavailable)
			return
		}
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			http.Error(w, "db: fail", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("db: ok"))
	})

	log.Printf("gametable %s listening on %s …", commit, cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, nil))
}
