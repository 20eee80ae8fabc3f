package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/nicktill/swingdoor/pkg/config"
	"github.com/nicktill/swingdoor/pkg/server"
	"github.com/nicktill/swingdoor/pkg/server/monitor"
)

func main() {
	log.Println("Starting swingdoor server...")

	// SWINGDOOR_MAX_STORAGE_GB, SWINGDOOR_MAX_MEMORY_MB, SWINGDOOR_DATA_DIR,
	// SWINGDOOR_DEVICES, SWINGDOOR_STRICT_ORDERING, PORT
	cfg := server.LoadConfig()
	if cfg.MaxMemoryMB > 0 {
		log.Printf("Configuration: storage limit = %d GB, memory limit = %d MB", cfg.MaxStorageGB, cfg.MaxMemoryMB)
	} else {
		log.Printf("Configuration: storage limit = %d GB, memory limit = badger defaults", cfg.MaxStorageGB)
	}

	store, err := server.InitializeStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	if _, err := server.SeedDevices(context.Background(), store, cfg); err != nil {
		log.Fatalf("Failed to seed devices: %v", err)
	}

	storageMonitor := monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageBytes())
	gcMonitor := server.NewGCMonitor()

	ingestHandler, exportHandler, hub := server.InitializeHandlers(store, storageMonitor, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go server.RunHub(ctx, hub, &wg)
	log.Println("WebSocket hub started for live point streaming")

	stopGC := make(chan struct{})
	wg.Add(1)
	go server.RunBadgerGC(store, gcMonitor, config.BadgerGCInterval, stopGC, &wg)

	router := mux.NewRouter()
	server.SetupRoutes(router, ingestHandler, exportHandler, storageMonitor, gcMonitor, hub, cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%s", cfg.Port)
		log.Println("API endpoints:")
		log.Println("   POST /v1/devices                 - Register a device")
		log.Println("   POST /v1/devices/{id}/samples    - Append samples")
		log.Println("   GET  /v1/devices/{id}/series     - Compressed series")
		log.Println("   POST /v1/ingest                  - Multi-device batch")
		log.Println("   GET  /v1/devices/{id}/export     - Export (json, csv, zstd)")
		log.Println("   GET  /v1/ws                      - Live points")
		log.Println("   GET  /metrics                    - Prometheus endpoint")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received...")

	// Background tasks must be told to stop before waiting on them
	cancel()
	close(stopGC)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown warning: %v", err)
	}

	if server.WaitWithTimeout(&wg, config.TaskStopTimeout) {
		log.Println("All background tasks stopped cleanly")
	} else {
		log.Println("Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("swingdoor server exited")
}
