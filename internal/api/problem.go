package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/divvyhq/divvy-sync/internal/engine"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://divvy.app/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://divvy.app/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://divvy.app/errors/not-found",
		title:   "Not Found",
	},
	http.StatusConflict: {
		typeURI: "https://divvy.app/errors/conflict",
		title:   "Conflict",
	},
	http.StatusBadGateway: {
		typeURI: "https://divvy.app/errors/upstream-error",
		title:   "Upstream Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://divvy.app/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusInternalServerError: {
		typeURI: "https://divvy.app/errors/internal-error",
		title:   "Internal Server Error",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://divvy.app/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapSyncError converts engine errors to Problem Details responses.
func MapSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrSyncInProgress):
		WriteProblem(w, r, http.StatusConflict, "A sync pass is already running")
	case errors.Is(err, engine.ErrDisposed):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Sync engine is shut down")
	default:
		// Dispatch failures leave the queue intact; the client may retry.
		WriteProblem(w, r, http.StatusBadGateway, "Sync against remote store failed")
	}
}
