package poolapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/streamharness/internal/model"
	"github.com/seantiz/streamharness/internal/store"
)

// addUserRequest is the JSON body for POST /v1/pools/{pool}/users.
type addUserRequest struct {
	Credentials json.RawMessage `json:"credentials"`
}

type listPoolsResponse struct {
	Pools []*model.PoolStats `json:"pools"`
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req addUserRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Credentials) == 0 || string(req.Credentials) == "null" {
		s.writeError(w, http.StatusBadRequest, "credentials are required")
		return
	}

	u := &model.PoolUser{
		ID:          model.NewID(),
		Pool:        chi.URLParam(r, "pool"),
		Credentials: req.Credentials,
		CreatedAt:   s.now(),
	}
	if err := s.store.AddUser(r.Context(), u); err != nil {
		s.logger.Error("add pool user", "pool", u.Pool, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to add user")
		return
	}
	s.observePool(r, u.Pool)

	s.writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.ListPools(r.Context())
	if err != nil {
		s.logger.Error("list pools", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list pools")
		return
	}

	resp := listPoolsResponse{Pools: make([]*model.PoolStats, 0, len(names))}
	now := s.now()
	for _, name := range names {
		stats, err := s.store.PoolStats(r.Context(), name, now)
		if err != nil {
			s.logger.Error("pool stats", "pool", name, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get pool stats")
			return
		}
		resp.Pools = append(resp.Pools, stats)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	stats, err := s.store.PoolStats(r.Context(), pool, s.now())
	if errors.Is(err, store.ErrPoolNotFound) {
		s.writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	if err != nil {
		s.logger.Error("pool stats", "pool", pool, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get pool stats")
		return
	}

	reservedUsers.WithLabelValues(pool).Set(float64(stats.Reserved))
	s.writeJSON(w, http.StatusOK, stats)
}

// observePool refreshes the reserved-users gauge for pool. Failures only
// leave the gauge stale.
func (s *Server) observePool(r *http.Request, pool string) {
	stats, err := s.store.PoolStats(r.Context(), pool, s.now())
	if err != nil {
		s.logger.Debug("refresh pool gauge", "pool", pool, "error", err)
		return
	}
	reservedUsers.WithLabelValues(pool).Set(float64(stats.Reserved))
}
