package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/flightdeck-ai/flightdeck/internal/trace"
)

const adminTokenHeader = "X-Admin-Token"

// AdminTracesHandler wipes the trace store. The endpoint stays disabled
// until an admin token is configured.
func AdminTracesHandler(store trace.Store, adminToken string) http.Handler {
	adminToken = strings.TrimSpace(adminToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodDelete) {
			return
		}
		if adminToken == "" {
			writeError(w, http.StatusForbidden, "admin endpoints are disabled")
			return
		}

		provided := strings.TrimSpace(r.Header.Get(adminTokenHeader))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		deleted, err := store.DeleteAll(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete traces")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
	})
}
