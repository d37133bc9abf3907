// Package server provides the HTTP bridge a UI binding layer uses to drive
// the feed caches.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cryptogramllc/squibturf-sub000/internal/feed"
	"github.com/cryptogramllc/squibturf-sub000/internal/metrics"
	"github.com/cryptogramllc/squibturf-sub000/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Server is the main HTTP server.
type Server struct {
	feeds  *feed.Feeds
	log    *zap.Logger
	router chi.Router
	http   *http.Server
}

// New creates a new server.
func New(feeds *feed.Feeds, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{feeds: feeds, log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/signout", s.handleSignOut)
		r.Route("/feeds/{kind}", func(r chi.Router) {
			r.Use(s.withLocation)
			r.Get("/", s.handleFocus)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/more", s.handleMore)
			r.Get("/scroll", s.handleGetScroll)
			r.Put("/scroll", s.handleSetScroll)
		})
	})

	s.router = r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("server starting", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// --- Handlers ---

type feedResponse struct {
	feed.View
	Error string `json:"error,omitempty"`
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	v, err := c.Focus(r.Context())
	if err != nil {
		// Last known data is still worth rendering.
		if len(v.Items) > 0 {
			writeJSON(w, http.StatusOK, feedResponse{View: v, Error: err.Error()})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedResponse{View: v})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	if err := c.Refresh(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedResponse{View: c.View()})
}

func (s *Server) handleMore(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	added, err := c.LoadMore(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Added int `json:"added"`
		feed.View
	}{Added: added, View: c.View()})
}

type scrollBody struct {
	Offset float64 `json:"offset"`
}

func (s *Server) handleGetScroll(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, scrollBody{Offset: c.Scroll()})
}

func (s *Server) handleSetScroll(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req scrollBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Offset < 0 {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	c.SetScroll(req.Offset)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s.feeds.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*feed.Controller, bool) {
	kind := model.FeedKind(chi.URLParam(r, "kind"))
	c, err := s.feeds.Get(kind)
	if err != nil {
		http.Error(w, "Unknown feed", http.StatusNotFound)
		return nil, false
	}
	return c, true
}

// withLocation attaches lon/lat query parameters to the request context.
func (s *Server) withLocation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lonStr, latStr := q.Get("lon"), q.Get("lat")
		if lonStr == "" && latStr == "" {
			next.ServeHTTP(w, r)
			return
		}
		lon, err1 := strconv.ParseFloat(lonStr, 64)
		lat, err2 := strconv.ParseFloat(latStr, 64)
		if err1 != nil || err2 != nil || !validCoordinate(lon, 180) || !validCoordinate(lat, 90) {
			http.Error(w, "Invalid coordinates", http.StatusBadRequest)
			return
		}
		ctx := feed.WithLocation(r.Context(), model.Coordinates{Longitude: lon, Latitude: lat})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validCoordinate rejects NaN and infinities, which ParseFloat accepts.
func validCoordinate(v, limit float64) bool {
	return !math.IsNaN(v) && v >= -limit && v <= limit
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, feed.ErrLocationUnavailable) {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}
