// Package monitoring serves the admin HTTP surface: liveness, readiness,
// Prometheus metrics and a read-only view of the loaded models.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/xinfer/internal/device"
	"github.com/23skdu/xinfer/internal/engine"
	"github.com/23skdu/xinfer/internal/logger"
	"github.com/23skdu/xinfer/internal/serve"
)

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Models is the read-only view of the registry the admin server needs.
type Models interface {
	Models() []string
	Bindings(model string) ([]engine.BindingInfo, error)
	Ready() bool
}

type Server struct {
	router    *chi.Mux
	models    Models
	log       *logger.Logger
	startTime time.Time
	version   string
	http      *http.Server
}

type healthResponse struct {
	Status string `json:"status"`
}

type modelResponse struct {
	Name     string               `json:"name"`
	Bindings []engine.BindingInfo `json:"bindings"`
}

// StatusResponse is served at /status.
type StatusResponse struct {
	Status       string   `json:"status"`
	Version      string   `json:"version"`
	Uptime       string   `json:"uptime"`
	GoVersion    string   `json:"go_version"`
	NumCPU       int      `json:"num_cpu"`
	HeapInUse    string   `json:"heap_in_use"`
	DeviceMemory string   `json:"device_memory"`
	Drivers      []string `json:"drivers"`
	Models       []string `json:"models"`
}

func NewServer(models Models, version string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Log
	}
	s := &Server{
		router:    chi.NewRouter(),
		models:    models,
		log:       log,
		startTime: time.Now(),
		version:   version,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Route("/v1/models", func(r chi.Router) {
		r.Get("/", s.handleListModels)
		r.Get("/{name}", s.handleGetModel)
	})
	return s
}

func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe blocks until Shutdown; it returns nil after a clean shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	s.log.Info("admin server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.models.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "loading"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := "ready"
	if !s.models.Ready() {
		status = "loading"
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Status:       status,
		Version:      s.version,
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		HeapInUse:    humanize.IBytes(m.HeapInuse),
		DeviceMemory: humanize.IBytes(uint64(device.CPUAllocatedBytes())),
		Drivers:      device.Drivers(),
		Models:       s.models.Models(),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	names := s.models.Models()
	out := make([]modelResponse, 0, len(names))
	for _, name := range names {
		b, err := s.models.Bindings(name)
		if err != nil {
			// removed between Models and Bindings
			continue
		}
		out = append(out, modelResponse{Name: name, Bindings: b})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, err := s.models.Bindings(name)
	if errors.Is(err, serve.ErrModelNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, modelResponse{Name: name, Bindings: b})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}
