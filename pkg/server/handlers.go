package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/swingdoor/pkg/export"
	"github.com/nicktill/swingdoor/pkg/httpx"
	"github.com/nicktill/swingdoor/pkg/ingest"
	"github.com/nicktill/swingdoor/pkg/server/monitor"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64   `json:"used_bytes"`
	MaxBytes  int64   `json:"max_bytes"`
	UsedRatio float64 `json:"used_ratio"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Uptime  string           `json:"uptime"`
	GC      monitor.GCStatus `json:"gc"`
}

// handleHealth reports "degraded" with 503 while value-log GC is unhealthy.
func handleHealth(gcMonitor *monitor.GCMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gc := gcMonitor.Status()

		response := HealthResponse{
			Status:  "healthy",
			Version: Version,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			GC:      gc,
		}

		statusCode := http.StatusOK
		if !gc.Healthy {
			response.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, statusCode, response)
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(storageMonitor *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := storageMonitor.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		usage := StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  storageMonitor.GetLimit(),
		}
		if usage.MaxBytes > 0 {
			usage.UsedRatio = float64(usedBytes) / float64(usage.MaxBytes)
		}

		httpx.RespondJSON(w, http.StatusOK, usage)
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(
	router *mux.Router,
	ingestHandler *ingest.Handler,
	exportHandler *export.Handler,
	storageMonitor *monitor.StorageMonitor,
	gcMonitor *monitor.GCMonitor,
	hub *ingest.PointsHub,
	port string,
) {
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	// Devices and their series
	api.HandleFunc("/devices", ingestHandler.HandleRegisterDevice).Methods("POST")
	api.HandleFunc("/devices", ingestHandler.HandleListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", ingestHandler.HandleGetDevice).Methods("GET")
	api.HandleFunc("/devices/{id}/samples", ingestHandler.HandleAppend).Methods("POST")
	api.HandleFunc("/devices/{id}/series", ingestHandler.HandleSeries).Methods("GET")
	api.HandleFunc("/ingest", ingestHandler.HandleIngest).Methods("POST")

	// Backup and restore
	api.HandleFunc("/devices/{id}/export", exportHandler.HandleExport).Methods("GET")
	api.HandleFunc("/devices/{id}/import", exportHandler.HandleImport).Methods("POST")
	api.HandleFunc("/import", exportHandler.HandleImport).Methods("POST")

	// Operations
	api.HandleFunc("/stats", ingestHandler.HandleStats).Methods("GET")
	api.HandleFunc("/storage", handleStorageUsage(storageMonitor)).Methods("GET")
	api.HandleFunc("/health", handleHealth(gcMonitor)).Methods("GET")

	api.HandleFunc("/ws", ingestHandler.HandleWebSocket(hub)).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// corsMiddleware restricts cross-origin access to localhost origins.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowed := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
