package api

import (
	"net/http"

	"github.com/flightdeck-ai/flightdeck/internal/trace"
)

type statsResponse struct {
	trace.Stats
	Source string `json:"source"`
}

func StatsHandler(store trace.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		source := sourceStore
		var stats *trace.Stats
		var err error
		if store != nil {
			stats, err = store.Stats(r.Context())
		}
		if store == nil || err != nil {
			stats = trace.SampleStats()
			source = sourceSample
		}

		writeJSON(w, http.StatusOK, statsResponse{Stats: *stats, Source: source})
	})
}
