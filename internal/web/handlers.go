package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/usecase"
	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.accounts.Status()
	paused := 0
	for _, st := range statuses {
		if st.State == usecase.WorkerPaused {
			paused++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"accounts": statuses,
		"paused":   paused,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("account")
	positions, ok := s.accounts.Positions(key)
	if !ok {
		http.Error(w, "Unknown account", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleUnwind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := r.PathValue("account")
	if err := s.accounts.SetForcedUnwind(key, req.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account": key, "forced_unwind": req.Enabled})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		domain.EntryIntent
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		http.Error(w, "account is required", http.StatusBadRequest)
		return
	}
	if _, ok := s.accounts.Positions(req.Account); !ok {
		http.Error(w, "Unknown account", http.StatusNotFound)
		return
	}

	err := s.intents.Push(req.Account, req.EntryIntent)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidSignal):
		http.Error(w, "symbol and size_quote are required", http.StatusBadRequest)
		return
	case errors.Is(err, usecase.ErrIntentQueueFull):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	default:
		s.logger.Error("Failed to queue entry", zap.Error(err))
		http.Error(w, "Failed to queue entry", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Entry queued",
		zap.String("account", req.Account),
		zap.String("symbol", req.Symbol),
		zap.Float64("size_quote", req.SizeQuote))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeJSON(w, http.StatusOK, []*domain.Fill{})
		return
	}
	fills, err := s.journal.ListFills(r.Context(), r.URL.Query().Get("account"), limitParam(r))
	if err != nil {
		s.logger.Error("Failed to list fills", zap.Error(err))
		http.Error(w, "Failed to list fills", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, fills)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeJSON(w, http.StatusOK, []*domain.Event{})
		return
	}
	events, err := s.journal.ListEvents(r.Context(), r.URL.Query().Get("kind"), limitParam(r))
	if err != nil {
		s.logger.Error("Failed to list events", zap.Error(err))
		http.Error(w, "Failed to list events", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
