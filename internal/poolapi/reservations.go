package poolapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/streamharness/internal/store"
)

// reserveRequest is the optional JSON body for POST /v1/pools/{pool}/reservations.
type reserveRequest struct {
	Holder string `json:"holder"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")

	var req reserveRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.store.Reserve(r.Context(), pool, req.Holder, s.now(), s.leaseTTL)
	switch {
	case errors.Is(err, store.ErrPoolNotFound):
		reservationsTotal.WithLabelValues(pool, outcomeNotFound).Inc()
		s.writeError(w, http.StatusNotFound, "pool not found")
		return
	case errors.Is(err, store.ErrPoolExhausted):
		reservationsTotal.WithLabelValues(pool, outcomeExhausted).Inc()
		s.writeError(w, http.StatusConflict, "pool exhausted")
		return
	case err != nil:
		s.logger.Error("reserve pool user", "pool", pool, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reserve user")
		return
	}

	reservationsTotal.WithLabelValues(pool, outcomeGranted).Inc()
	s.observePool(r, pool)
	s.logger.Info("reservation granted",
		"pool", pool,
		"reservation_id", res.ID,
		"user_id", res.UserID,
		"holder", res.Holder,
	)

	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.store.GetReservation(r.Context(), id, s.now())
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "reservation not found")
		return
	}
	if err != nil {
		s.logger.Error("get reservation", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get reservation")
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.store.GetReservation(r.Context(), id, s.now())
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "reservation not found")
		return
	}
	if err != nil {
		s.logger.Error("get reservation", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to release reservation")
		return
	}

	if err := s.store.Release(r.Context(), id, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "reservation not found")
			return
		}
		s.logger.Error("release reservation", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to release reservation")
		return
	}

	s.observePool(r, res.Pool)
	s.logger.Info("reservation released", "pool", res.Pool, "reservation_id", id)
	w.WriteHeader(http.StatusNoContent)
}
