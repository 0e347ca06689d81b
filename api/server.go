// Package api provides the REST API server for OPC server data.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"opclink/config"
	"opclink/logging"
	"opclink/opcman"
)

// Server is the REST API server.
type Server struct {
	manager *opcman.Manager
	config  *config.WebConfig
	server  *http.Server
	running bool
	mu      sync.RWMutex

	browseMu sync.Mutex
	browses  map[string]*browseJob
}

// NewServer creates a new REST API server.
func NewServer(manager *opcman.Manager, cfg *config.WebConfig) *Server {
	return &Server{
		manager: manager,
		config:  cfg,
		browses: make(map[string]*browseJob),
	}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.basicAuth)

		r.Get("/servers", s.handleListServers)
		r.Get("/enumerate", s.handleEnumerate)

		r.Route("/servers/{server}", func(r chi.Router) {
			r.Get("/", s.handleServerDetails)
			r.Get("/health", s.handleServerHealth)
			r.Get("/tags", s.handleAllTags)
			r.Get("/tags/*", s.handleSingleTag)
			r.Post("/read", s.handleRead)
			r.Post("/write", s.handleWrite)
			r.Post("/browse", s.handleBrowseStart)
			r.Get("/browse", s.handleBrowseStatus)
		})
	})

	return r
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}

	logging.DebugLog("api", "starting server on %s", addr)

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logging.DebugLog("api", "server error: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop halts the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	logging.DebugLog("api", "server stopped")
	return err
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// debugLogWriter adapts the debug logger to io.Writer so the HTTP
// server's internal errors land in the normal log stream.
type debugLogWriter string

func (d debugLogWriter) Write(p []byte) (int, error) {
	logging.DebugLog(string(d), "%s", strings.TrimSpace(string(p)))
	return len(p), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
