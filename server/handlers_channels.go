package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sw2719/multi-chzzk-recorder/chzzkapi"
	"github.com/sw2719/multi-chzzk-recorder/registry"
	"github.com/sw2719/multi-chzzk-recorder/telemetry"
)

// HandleChannels serves the channel collection: GET lists all monitored
// channels with their recording state, POST registers a new one.
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"channels": h.deps.Supervisor.Snapshot()})
	case http.MethodPost:
		h.handleChannelAdd(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
	}
}

func (h *Handlers) handleChannelAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channel_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be JSON with a channel_id field")
		return
	}

	// Resolve against the chzzk API so typos are rejected at registration
	// time rather than failing every probe afterwards.
	info, err := h.deps.Chzzk.GetChannel(r.Context(), req.ChannelID)
	if errors.Is(err, chzzkapi.ErrChannelNotFound) {
		writeError(w, http.StatusUnprocessableEntity, "unknown_channel", "no chzzk channel with that ID")
		return
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("channel lookup failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "upstream_error", "could not reach the chzzk API")
		return
	}

	ch := registry.Channel{ID: info.ID, Name: info.Name}
	if err := h.deps.Supervisor.AddChannel(r.Context(), ch); err != nil {
		if errors.Is(err, registry.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "already_exists", "channel is already monitored")
			return
		}
		telemetry.LoggerWithCorr(r.Context()).Error("channel add failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "could not register channel")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"channel_id": info.ID, "channel_name": info.Name})
}

// HandleChannelByID serves DELETE /channels/{id}. The response is sent only
// after any active capture for the channel has fully stopped.
func (h *Handlers) HandleChannelByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/channels/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use DELETE")
		return
	}

	ch, err := h.deps.Supervisor.RemoveChannel(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "channel is not monitored")
		return
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("channel remove failed", slog.String("channel_id", id), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal", "could not remove channel")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": ch.ID, "channel_name": ch.Name})
}
