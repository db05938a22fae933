// Package server exposes the bridge's operator surface: converter
// state and control under /api, the HLS artifacts under /hls, health
// and metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hlsbridge/go-hlsbridge/clog"
	"github.com/hlsbridge/go-hlsbridge/core"
	"github.com/hlsbridge/go-hlsbridge/monitor"
)

// Controller is the slice of the bridge the HTTP surface needs.
type Controller interface {
	Status() core.Status
	Restart(ctx context.Context)
	Reset(ctx context.Context)
}

type Server struct {
	controller Controller
	hlsDir     string
	httpSrv    *http.Server
}

func NewServer(addr string, controller Controller, hlsDir string) *Server {
	s := &Server{
		controller: controller,
		hlsDir:     hlsDir,
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if monitor.Enabled {
		r.Method("GET", "/metrics", monitor.Exporter)
	}

	r.Route("/api/converter", func(r chi.Router) {
		r.Get("/", s.handleStatus)
		r.Post("/restart", s.handleRestart)
		r.Post("/reset", s.handleReset)
	})

	hls := http.StripPrefix("/hls/", http.FileServer(http.Dir(s.hlsDir)))
	r.Get("/hls/*", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		hls.ServeHTTP(w, req)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(r.Context(), w, http.StatusOK, s.controller.Status())
}

// handleRestart acknowledges immediately; the restart itself runs in
// the background because it can block on subprocess teardown.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctx := clog.Clone(context.Background(), r.Context())
	clog.Infof(ctx, "Restart requested via API from %s", r.RemoteAddr)
	go s.controller.Restart(ctx)
	respondJSON(r.Context(), w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := clog.Clone(context.Background(), r.Context())
	clog.Infof(ctx, "Reset requested via API from %s", r.RemoteAddr)
	go s.controller.Reset(ctx)
	respondJSON(r.Context(), w, http.StatusAccepted, map[string]string{"status": "resetting"})
}

func respondJSON(ctx context.Context, w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		clog.Errorf(ctx, "Error writing response: %v", err)
	}
}

// ListenAndServe blocks until the context is canceled, then shuts the
// listener down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		clog.Infof(ctx, "HTTP server listening on %s", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	}
}
