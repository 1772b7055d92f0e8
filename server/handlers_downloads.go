package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sw2719/multi-chzzk-recorder/download"
	"github.com/sw2719/multi-chzzk-recorder/telemetry"
)

// HandleDownloads serves POST /downloads: start a one-shot archive download
// of a past broadcast. The job runs in the background; the response carries
// the job ID for later polling.
func (h *Handlers) HandleDownloads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req struct {
		URL     string `json:"url"`
		Quality string `json:"quality,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be JSON with a url field")
		return
	}

	job, err := h.deps.Downloads.Start(r.Context(), req.URL, req.Quality)
	if errors.Is(err, download.ErrInvalidURL) {
		writeError(w, http.StatusBadRequest, "invalid_url", "url must look like https://chzzk.naver.com/video/<number>")
		return
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("download start failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "could not start download")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// HandleDownloadByID serves GET /downloads/{id}.
func (h *Handlers) HandleDownloadByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/downloads/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	job, err := h.deps.Downloads.GetJob(r.Context(), id)
	if errors.Is(err, download.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no such download job")
		return
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("download lookup failed", slog.String("job_id", id), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "could not look up download job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
