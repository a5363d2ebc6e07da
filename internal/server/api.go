// Package server exposes the download service over a small JSON HTTP API:
// start a download, poll its progress, retrieve the finished archive.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cartolab/tilebundler/internal/download"
	"github.com/cartolab/tilebundler/internal/progress"
	"github.com/cartolab/tilebundler/internal/types"
)

// Version reported by the health endpoint.
const Version = "1.0"

// API handles the HTTP surface in front of a download.Service.
type API struct {
	svc    *download.Service
	logger *slog.Logger
}

// NewAPI creates an API.
func NewAPI(svc *download.Service, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{svc: svc, logger: logger}
}

// Handler returns the routed HTTP handler with CORS applied.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/download_mbtiles", a.startDownload)
	mux.HandleFunc("GET /api/progress/{id}", a.getProgress)
	mux.HandleFunc("GET /api/download_file/{name}", a.downloadFile)
	mux.HandleFunc("GET /api/health", a.health)
	return withCORS(mux)
}

// startRequest is the JSON body of POST /api/download_mbtiles. Omitted
// optional fields take the documented defaults.
type startRequest struct {
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Buffer   *float64 `json:"buffer"`
	MinZoom  *int     `json:"min_zoom"`
	MaxZoom  *int     `json:"max_zoom"`
	Filename string   `json:"filename"`
}

func (a *API) startDownload(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Lat == nil || body.Lon == nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}

	req := types.DownloadRequest{
		Lat:      *body.Lat,
		Lon:      *body.Lon,
		Buffer:   0.005,
		MinZoom:  10,
		MaxZoom:  16,
		Filename: body.Filename,
	}
	if body.Buffer != nil {
		req.Buffer = *body.Buffer
	}
	if body.MinZoom != nil {
		req.MinZoom = *body.MinZoom
	}
	if body.MaxZoom != nil {
		req.MaxZoom = *body.MaxZoom
	}

	info, err := a.svc.Start(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":          "Download started",
		"session_id":      info.SessionID,
		"message":         "Use the session ID to track progress",
		"estimated_tiles": info.EstimatedTiles,
		"coordinates":     map[string]float64{"lat": req.Lat, "lon": req.Lon},
		"zoom_range":      map[string]int{"min": req.MinZoom, "max": req.MaxZoom},
	})
}

func (a *API) getProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, err := a.svc.Progress(id)
	if errors.Is(err, progress.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		a.logger.Error("progress lookup failed", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

func (a *API) downloadFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !strings.HasSuffix(name, ".mbtiles") || name != filepath.Base(name) {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	path := filepath.Join(a.svc.OutputDir(), name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"timestamp":       time.Now().Unix(),
		"active_sessions": a.svc.SessionCount(),
		"version":         Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
