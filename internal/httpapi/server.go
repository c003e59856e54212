// Package httpapi exposes regions to clients over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"regionkv/internal/clock"
	"regionkv/internal/coordinator"
	"regionkv/internal/kverrors"
	"regionkv/internal/repair"
)

const (
	contentTypeJSON = "application/json"
	maxBodyBytes    = 64 << 20
)

// Store is the member-side API served over HTTP.
type Store interface {
	PutAll(ctx context.Context, region string, entries []coordinator.Entry, opts coordinator.Options) (*coordinator.Result, error)
	Put(ctx context.Context, region, key string, value []byte) (*clock.VersionTag, error)
	Delete(ctx context.Context, region, key string) (*clock.VersionTag, error)
	Get(ctx context.Context, region, key string) (repair.Snapshot, error)
}

type server struct {
	store  Store
	logger zerolog.Logger
}

// NewRouter builds the chi router. metrics may be nil.
func NewRouter(store Store, metrics http.Handler, logger zerolog.Logger) http.Handler {
	s := &server{store: store, logger: logger.With().Str("component", "http").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	r.Route("/regions/{region}", func(r chi.Router) {
		r.Post("/", s.handlePutAll)
		r.Get("/{key}", s.handleGet)
		r.Put("/{key}", s.handlePut)
		r.Delete("/{key}", s.handleDelete)
	})
	return r
}

func (s *server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn().Err(err).Msg("encoding response")
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, kverrors.ErrRegionNotFound):
		return http.StatusNotFound
	case errors.Is(err, kverrors.ErrLowMemory):
		return http.StatusInsufficientStorage
	case errors.Is(err, kverrors.ErrReplicaUnavailable),
		errors.Is(err, kverrors.ErrReplicasOffline),
		errors.Is(err, kverrors.ErrMemberUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, kverrors.ErrOutcomeUnknown),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadRequest
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handlePutAll(w http.ResponseWriter, r *http.Request) {
	var req PutAllRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	entries := make([]coordinator.Entry, len(req.Entries))
	for i, e := range req.Entries {
		if e.Key == "" {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "entry with empty key"})
			return
		}
		if e.Delta != nil && (e.Value != nil || e.Destroy) {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "entry " + e.Key + " has a delta and a value"})
			return
		}
		entries[i] = coordinator.Entry{Key: e.Key, Value: e.Value, Delta: e.Delta, Destroy: e.Destroy}
		if !e.Destroy && e.Delta == nil && e.Value == nil {
			entries[i].Value = []byte{}
		}
	}
	opts := coordinator.Options{BaseEventID: req.BaseEventID.toEvent(), SkipCallbacks: req.SkipCallbacks}

	res, err := s.store.PutAll(r.Context(), chi.URLParam(r, "region"), entries, opts)
	if res == nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	switch {
	case err != nil:
		status = statusFor(err)
	case !res.Complete():
		status = http.StatusMultiStatus
	}
	s.writeJSON(w, status, newPutAllResponse(res))
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	snap, err := s.store.Get(r.Context(), chi.URLParam(r, "region"), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !snap.Found {
		s.writeJSON(w, http.StatusNotFound, ValueResponse{Key: key, Tag: newTag(snap.Tag), Tombstone: snap.Tombstone})
		return
	}
	s.writeJSON(w, http.StatusOK, ValueResponse{Key: key, Value: snap.Value, Tag: newTag(snap.Tag)})
}

func (s *server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "reading body: " + err.Error()})
		return
	}
	tag, err := s.store.Put(r.Context(), chi.URLParam(r, "region"), key, value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, WriteResponse{Key: key, Tag: newTag(tag)})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	tag, err := s.store.Delete(r.Context(), chi.URLParam(r, "region"), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, WriteResponse{Key: key, Tag: newTag(tag)})
}
