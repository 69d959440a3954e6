package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/theblitlabs/parity-fedsync/internal/coordinator"
	"github.com/theblitlabs/parity-fedsync/internal/storage"
	"github.com/theblitlabs/parity-fedsync/pkg/logger"
)

const defaultRoundsLimit = 100

// StatusProvider reports the live session status.
type StatusProvider interface {
	Status() coordinator.Status
}

type Handler struct {
	status StatusProvider
	rounds storage.RoundStore
}

func NewHandler(status StatusProvider, rounds storage.RoundStore) *Handler {
	return &Handler{status: status, rounds: rounds}
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status())
}

// ListRounds returns recent aggregations, newest first. ?limit bounds the count.
func (h *Handler) ListRounds(w http.ResponseWriter, r *http.Request) {
	limit := defaultRoundsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	rounds, err := h.rounds.ListRounds(r.Context(), limit)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Int("limit", limit).Msg("Failed to list rounds")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list rounds"})
		return
	}
	if rounds == nil {
		rounds = []storage.Round{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.WithComponent("api")
		log.Debug().Err(err).Msg("Response write failed")
	}
}
