// Package chi exposes the location store and live proximity queries over
// HTTP. Point operations are plain JSON endpoints; watches stream listener
// events as server-sent events so a query stays open per connection.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/geowatch"
	"github.com/kailas-cloud/geowatch/internal/store"
)

type errorCode string

const (
	codeBadRequest errorCode = "bad_request"
	codeNotFound   errorCode = "not_found"
	codeInternal   errorCode = "internal_error"
)

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API over a geowatch client.
type Server struct {
	client          *geowatch.Client
	backend         store.Store
	defaultRadiusKm float64
	logger          *zap.Logger
}

// NewServer creates an HTTP API server. backend may be nil when the store
// has no connectivity check.
func NewServer(client *geowatch.Client, backend store.Store, defaultRadiusKm float64, logger *zap.Logger) *Server {
	return &Server{
		client:          client,
		backend:         backend,
		defaultRadiusKm: defaultRadiusKm,
		logger:          logger,
	}
}

// Routes mounts all handlers on the router.
func (s *Server) Routes(r chi.Router) {
	r.Put("/locations/{key}", s.putLocation)
	r.Get("/locations/{key}", s.getLocation)
	r.Delete("/locations/{key}", s.deleteLocation)
	r.Get("/watch", s.watch)
	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
}

type locationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type locationResponse struct {
	Key       string  `json:"key"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// putLocation handles PUT /locations/{key}.
func (s *Server) putLocation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	loc, err := geowatch.NewPoint(req.Latitude, req.Longitude)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	if err := s.client.SetLocation(r.Context(), key, loc); err != nil {
		s.handleStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, locationResponse{
		Key:       key,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
	})
}

// getLocation handles GET /locations/{key}.
func (s *Server) getLocation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	loc, err := s.client.GetLocation(r.Context(), key)
	if err != nil {
		s.handleStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, locationResponse{
		Key:       key,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
	})
}

// deleteLocation handles DELETE /locations/{key}.
func (s *Server) deleteLocation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := s.client.RemoveLocation(r.Context(), key); err != nil {
		s.handleStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// watchEvent is the SSE payload for document events.
type watchEvent struct {
	Key       string  `json:"key,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// watch handles GET /watch?lat=..&lng=..&radius_km=.. as an SSE stream.
// The query lives for the duration of the connection.
func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}

	lat, err := parseFloatParam(r, "lat")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	lng, err := parseFloatParam(r, "lng")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	radiusKm := s.defaultRadiusKm
	if raw := r.URL.Query().Get("radius_km"); raw != "" {
		radiusKm, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "radius_km must be a number")
			return
		}
	}

	center, err := geowatch.NewPoint(lat, lng)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	query, err := s.client.Query(center, radiusKm)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	listener := newStreamListener()
	if err := query.AddDataListener(listener); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	defer query.RemoveAllListeners()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-listener.events:
			payload, err := json.Marshal(ev.data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, payload)
			flusher.Flush()
		}
	}
}

// streamEvent pairs an SSE event name with its payload.
type streamEvent struct {
	name string
	data watchEvent
}

// streamListener adapts the listener callbacks onto a channel the SSE loop
// drains. The buffer absorbs bursts; a stalled client eventually drops
// events rather than blocking the query's delivery goroutine.
type streamListener struct {
	events chan streamEvent
}

func newStreamListener() *streamListener {
	return &streamListener{events: make(chan streamEvent, 256)}
}

var _ geowatch.DataEventListener = (*streamListener)(nil)

func (l *streamListener) push(name string, data watchEvent) {
	select {
	case l.events <- streamEvent{name: name, data: data}:
	default:
	}
}

func (l *streamListener) OnDocumentEntered(doc geowatch.Document) {
	l.push("entered", docEvent(doc))
}

func (l *streamListener) OnDocumentExited(doc geowatch.Document) {
	l.push("exited", docEvent(doc))
}

func (l *streamListener) OnDocumentMoved(doc geowatch.Document) {
	l.push("moved", docEvent(doc))
}

func (l *streamListener) OnDocumentChanged(doc geowatch.Document) {
	l.push("changed", docEvent(doc))
}

func (l *streamListener) OnQueryReady() {
	l.push("ready", watchEvent{})
}

func (l *streamListener) OnQueryError(err error) {
	l.push("error", watchEvent{Message: err.Error()})
}

func docEvent(doc geowatch.Document) watchEvent {
	return watchEvent{
		Key:       doc.Key,
		Latitude:  doc.Location.Latitude,
		Longitude: doc.Location.Longitude,
	}
}

// health handles GET /health.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{}

	if p, ok := s.backend.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			checks["store"] = "unreachable"
		} else {
			checks["store"] = "ok"
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// metrics handles GET /metrics.
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) handleStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "location not found")
	case errors.Is(err, geowatch.ErrInvalidCoordinates):
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	default:
		s.logger.Error("store operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func parseFloatParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("%s query parameter is required", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return v, nil
}

type errorResponse struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code errorCode, message string) {
	writeJSON(w, status, errorResponse{
		Code:    code,
		Message: message,
	})
}
