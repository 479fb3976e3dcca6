package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/trace"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         trace.Store
	Writer        trace.TracePipelineDiagnosticsReader
}

type healthResponse struct {
	Status        string                          `json:"status"`
	Version       string                          `json:"version"`
	UptimeSec     int64                           `json:"uptime_sec"`
	StorageDriver string                          `json:"storage_driver"`
	TraceCount    int64                           `json:"trace_count"`
	DBSizeBytes   int64                           `json:"db_size_bytes,omitempty"`
	TracePipeline *trace.TracePipelineDiagnostics `json:"trace_pipeline,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		traceCount := int64(0)
		if options.Store != nil {
			if stats, err := options.Store.Stats(r.Context()); err == nil {
				traceCount = stats.TotalRequests
			}
		}

		dbSizeBytes := int64(0)
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		var pipelineDiag *trace.TracePipelineDiagnostics
		if options.Writer != nil {
			diag := options.Writer.TracePipelineDiagnostics()
			diag.StoreDriver = options.StorageDriver
			pipelineDiag = &diag
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(uptime.Seconds()),
			StorageDriver: options.StorageDriver,
			TraceCount:    traceCount,
			DBSizeBytes:   dbSizeBytes,
			TracePipeline: pipelineDiag,
		})
	})
}
