package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/flightdeck-ai/flightdeck/internal/trace"
)

type tracesResponse struct {
	Items  []*trace.Trace `json:"items"`
	Count  int            `json:"count"`
	Page   int            `json:"page"`
	Limit  int            `json:"limit"`
	Source string         `json:"source"`
}

type traceDetailResponse struct {
	Trace  *trace.Trace `json:"trace"`
	Source string       `json:"source"`
}

func TracesHandler(store trace.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		filter, err := parseTraceFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		source := sourceStore
		var result *trace.Result
		if store != nil {
			result, err = store.List(r.Context(), filter)
		}
		if store == nil || err != nil {
			// The dashboard stays usable on storage outages by serving a
			// deterministic sample dataset instead of an error page.
			result = trace.FilterSample(filter)
			source = sourceSample
		}

		items := result.Items
		if items == nil {
			items = []*trace.Trace{}
		}
		writeJSON(w, http.StatusOK, tracesResponse{
			Items:  items,
			Count:  len(items),
			Page:   result.Page,
			Limit:  result.Limit,
			Source: source,
		})
	})
}

func TraceDetailHandler(store trace.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		traceID, ok := parseTraceID(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		if store != nil {
			item, err := store.Get(r.Context(), traceID)
			if err == nil {
				writeJSON(w, http.StatusOK, traceDetailResponse{Trace: item, Source: sourceStore})
				return
			}
			if errors.Is(err, trace.ErrNotFound) {
				writeError(w, http.StatusNotFound, "trace not found")
				return
			}
		}

		for _, item := range trace.SampleTraces() {
			if item.TraceID == traceID {
				writeJSON(w, http.StatusOK, traceDetailResponse{Trace: item, Source: sourceSample})
				return
			}
		}
		writeError(w, http.StatusNotFound, "trace not found")
	})
}

func parseTraceFilter(r *http.Request) (trace.Filter, error) {
	query := r.URL.Query()
	page, err := parseIntQuery(query.Get("page"), "page", 1, 0)
	if err != nil {
		return trace.Filter{}, err
	}
	limit, err := parseIntQuery(query.Get("limit"), "limit", 1, 200)
	if err != nil {
		return trace.Filter{}, err
	}
	mock, err := parseBoolQuery(query.Get("mock"), "mock")
	if err != nil {
		return trace.Filter{}, err
	}

	return trace.Filter{
		Provider:  strings.TrimSpace(query.Get("provider")),
		SessionID: strings.TrimSpace(query.Get("session_id")),
		Mock:      mock,
		Page:      page,
		Limit:     limit,
	}, nil
}

func parseTraceID(path string) (string, bool) {
	const prefix = "/traces/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseBoolQuery(raw, name string) (*bool, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return nil, fmt.Errorf("%s must be a boolean", name)
	}
	return &parsed, nil
}
