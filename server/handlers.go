package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sw2719/multi-chzzk-recorder/chzzkapi"
	"github.com/sw2719/multi-chzzk-recorder/download"
	"github.com/sw2719/multi-chzzk-recorder/notify"
	"github.com/sw2719/multi-chzzk-recorder/recorder"
)

// ChannelResolver validates channel IDs against the chzzk API before they are
// registered. *chzzkapi.Client implements it.
type ChannelResolver interface {
	GetChannel(ctx context.Context, channelID string) (chzzkapi.ChannelInfo, error)
}

// Deps are the collaborators the handlers operate on.
type Deps struct {
	DB           *sql.DB
	Supervisor   *recorder.Supervisor
	Downloads    *download.Manager
	Events       *notify.Hub
	Chzzk        ChannelResolver
	ControlToken string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps    Deps
	started time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, started: time.Now()}
}

// controlTokenMiddleware rejects mutating requests that lack the configured
// X-Control-Token. Read-only routes pass through; an empty configured token
// disables the check entirely.
func controlTokenMiddleware(next http.Handler, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Method != http.MethodGet && r.Method != http.MethodHead {
			got := r.Header.Get("X-Control-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid control token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}
