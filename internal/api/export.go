package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/trace"
)

const exportPageSize = 200

var exportCSVHeader = []string{
	"trace_id",
	"created_at",
	"message_preview",
	"latency_ms",
	"cost_usd",
	"cache_hit",
	"cache_saved_ms",
	"provider",
	"mock",
}

func ExportHandler(store trace.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
		if format == "" {
			format = "json"
		}
		if format != "json" && format != "csv" {
			writeError(w, http.StatusBadRequest, "format must be json or csv")
			return
		}

		items, source := collectExportTraces(r.Context(), store)
		if len(items) == 0 {
			writeError(w, http.StatusNotFound, "no traces to export")
			return
		}

		filename := "llm_traces_" + time.Now().UTC().Format("20060102_150405") + "." + format
		w.Header().Set("Content-Disposition", "attachment; filename="+filename)
		w.Header().Set("X-Source", source)

		if format == "csv" {
			writeCSVExport(w, items)
			return
		}
		writeJSON(w, http.StatusOK, items)
	})
}

// collectExportTraces walks every page of the store, falling back to the
// sample dataset when storage is unreachable.
func collectExportTraces(ctx context.Context, store trace.Store) ([]*trace.Trace, string) {
	if store == nil {
		return trace.SampleTraces(), sourceSample
	}

	items := make([]*trace.Trace, 0, exportPageSize)
	for page := 1; ; page++ {
		result, err := store.List(ctx, trace.Filter{Page: page, Limit: exportPageSize})
		if err != nil {
			return trace.SampleTraces(), sourceSample
		}
		items = append(items, result.Items...)
		if len(result.Items) < exportPageSize {
			break
		}
	}
	return items, sourceStore
}

func writeCSVExport(w http.ResponseWriter, items []*trace.Trace) {
	var body bytes.Buffer
	writer := csv.NewWriter(&body)
	_ = writer.Write(exportCSVHeader)
	for _, item := range items {
		_ = writer.Write([]string{
			item.TraceID,
			item.CreatedAt.UTC().Format(time.RFC3339),
			item.MessagePreview,
			strconv.FormatInt(item.LatencyMS, 10),
			strconv.FormatFloat(item.CostUSD, 'f', -1, 64),
			strconv.FormatBool(item.CacheHit),
			strconv.FormatInt(item.CacheSavedMS, 10),
			item.Provider,
			strconv.FormatBool(item.Mock),
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode csv export")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body.Bytes())
}
