// Package server exposes the course management HTTP API: course CRUD,
// webhook-triggered builds, build log access, publication and the
// published course content endpoints used by the learning frontend.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/courseman/courseman/internal/builder"
	"github.com/courseman/courseman/internal/config"
	"github.com/courseman/courseman/internal/courseconfig"
	"github.com/courseman/courseman/internal/logging"
	"github.com/courseman/courseman/internal/registry"
)

// Server is the courseman HTTP service.
type Server struct {
	cfg     *config.Config
	reg     *registry.Registry
	builder *builder.Builder
	loader  *courseconfig.Loader
	log     logging.Logger

	mux  *http.ServeMux
	http *http.Server
}

// New wires the HTTP API over the given services.
func New(cfg *config.Config, reg *registry.Registry, b *builder.Builder, loader *courseconfig.Loader, log logging.Logger) *Server {
	if log == nil {
		log = logging.NopLogger{}
	}

	s := &Server{
		cfg:     cfg,
		reg:     reg,
		builder: b,
		loader:  loader,
		log:     log.WithComponent("server"),
		mux:     http.NewServeMux(),
	}
	s.routes()

	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /api/courses", s.handleListCourses)
	s.mux.HandleFunc("POST /api/courses", s.handleCreateCourse)
	s.mux.HandleFunc("GET /api/courses/{key}", s.handleGetCourse)
	s.mux.HandleFunc("PUT /api/courses/{key}", s.handleUpdateCourse)
	s.mux.HandleFunc("DELETE /api/courses/{key}", s.handleDeleteCourse)

	s.mux.HandleFunc("POST /api/courses/{key}/hook", s.handleHook)
	s.mux.HandleFunc("GET /api/courses/{key}/updates", s.handleUpdates)
	s.mux.HandleFunc("GET /api/courses/{key}/log", s.handleBuildLog)
	s.mux.HandleFunc("POST /api/courses/{key}/publish", s.handlePublish)

	s.mux.HandleFunc("GET /api/courses/{key}/spec", s.handleCourseSpec)
	s.mux.HandleFunc("GET /api/courses/{key}/exercises/{exercise}", s.handleExerciseConfig)

	prefix := s.cfg.Static.URLPrefix + "/"
	s.mux.Handle("GET "+prefix,
		http.StripPrefix(prefix, http.FileServer(http.Dir(s.cfg.Paths.StaticDir))))
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the server until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "listening", "addr", addr)
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
