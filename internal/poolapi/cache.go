package poolapi

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/streamharness/internal/model"
	"github.com/seantiz/streamharness/internal/store"
)

const maxBundleSize = 64 << 20 // 64 MB

func (s *Server) handleUploadBundle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	suite := q.Get("suite")
	if suite == "" {
		s.writeError(w, http.StatusBadRequest, "suite is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBundleSize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "bundle too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := checkGzip(data); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b := &model.CacheBundle{
		ID:            model.NewID(),
		Pool:          q.Get("pool"),
		Suite:         suite,
		ReservationID: q.Get("reservation_id"),
		SizeBytes:     int64(len(data)),
		CreatedAt:     s.now(),
	}
	if err := s.store.SaveBundle(r.Context(), b, data); err != nil {
		s.logger.Error("save cache bundle", "suite", suite, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store bundle")
		return
	}

	bundleBytesTotal.Add(float64(b.SizeBytes))
	s.logger.Info("cache bundle stored",
		"bundle_id", b.ID,
		"suite", b.Suite,
		"pool", b.Pool,
		"reservation_id", b.ReservationID,
		"size_bytes", b.SizeBytes,
	)

	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, data, err := s.store.GetBundle(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "bundle not found")
		return
	}
	if err != nil {
		s.logger.Error("get cache bundle", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get bundle")
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", b.Suite+"-"+b.ID+".tar.gz"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write bundle", "id", id, "error", err)
	}
}

// checkGzip rejects bodies that are not a gzip stream.
func checkGzip(data []byte) error {
	if len(data) == 0 {
		return errors.New("bundle is empty")
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return errors.New("bundle is not gzip data")
	}
	return zr.Close()
}
