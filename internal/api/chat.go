package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/flightdeck-ai/flightdeck/internal/pipeline"
	"github.com/flightdeck-ai/flightdeck/internal/providers"
	"github.com/flightdeck-ai/flightdeck/internal/trace"
)

const chatBodyLimit = 1 << 20

// ChatService is the request pipeline surface the chat endpoint needs.
type ChatService interface {
	Chat(ctx context.Context, req pipeline.Request) (*pipeline.ChatResult, error)
	ChatStream(ctx context.Context, req pipeline.Request, fn func(chunk string) error) (*pipeline.ChatResult, error)
}

type chatRequest struct {
	Message   string         `json:"message"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata"`
	Stream    bool           `json:"stream"`
}

func ChatHandler(service ChatService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, "chat pipeline is not configured")
			return
		}

		var req chatRequest
		r.Body = http.MaxBytesReader(w, r.Body, chatBodyLimit)
		defer r.Body.Close()
		decoder := json.NewDecoder(r.Body)
		if err := decoder.Decode(&req); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "chat request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid chat request body")
			return
		}
		if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid chat request body")
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}

		pipelineReq := pipeline.Request{
			Message:   req.Message,
			SessionID: strings.TrimSpace(req.SessionID),
			Metadata:  req.Metadata,
		}

		if req.Stream || wantsEventStream(r) {
			serveChatStream(w, r, service, pipelineReq)
			return
		}

		result, err := service.Chat(r.Context(), pipelineReq)
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message is required")
	case errors.Is(err, providers.ErrProvider):
		writeError(w, http.StatusBadGateway, "upstream model call failed")
	default:
		writeError(w, http.StatusInternalServerError, "chat request failed")
	}
}

// serveChatStream delivers the reply as server-sent events. The trace id is
// generated up front so it can travel in a response header before the body
// starts flowing.
func serveChatStream(w http.ResponseWriter, r *http.Request, service ChatService, req pipeline.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}

	req.TraceID = trace.NewID()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Trace-ID", req.TraceID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_, err := service.ChatStream(r.Context(), req, func(chunk string) error {
		if _, writeErr := w.Write([]byte("data: " + chunk + "\n\n")); writeErr != nil {
			return writeErr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		_, _ = w.Write([]byte("data: [ERROR: " + err.Error() + "]\n\n"))
		flusher.Flush()
		return
	}

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func wantsEventStream(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mediaType, "text/event-stream") {
			return true
		}
	}
	return false
}
