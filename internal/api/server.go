package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/CamStreamer/internal/config"
	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
	"github.com/bryanchriswhite/CamStreamer/internal/output"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// DisplayControl is the part of the display output the API drives
type DisplayControl interface {
	Show()
	Hide()
	Params() output.DisplayParams
	SetParams(p output.DisplayParams) error
}

// EncoderControl is the part of the encoder the API drives
type EncoderControl interface {
	Params() output.EncoderParams
	SetParams(p output.EncoderParams) error
}

// Preview serves the browser stream
type Preview interface {
	HTTPHandler() http.HandlerFunc
	SnapshotHandler() http.HandlerFunc
	ViewerHandler() http.HandlerFunc
}

// Options wires the server to the running pipeline. Nil members disable
// their routes.
type Options struct {
	Stats         func() any
	Display       DisplayControl
	Encoder       EncoderControl
	Preview       Preview
	Config        *config.Manager
	StatsInterval time.Duration
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	opts     Options
	upgrader websocket.Upgrader
	started  time.Time

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Second
	}
	s := &Server{
		router:  mux.NewRouter(),
		opts:    opts,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local tool, any origin
			},
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/stats/ws", s.handleStatsStream)
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	api.HandleFunc("/display", s.handleDisplayStatus).Methods("GET")
	api.HandleFunc("/display", s.handleSetDisplayParams).Methods("PUT")
	api.HandleFunc("/display/show", s.handleDisplayShow).Methods("POST")
	api.HandleFunc("/display/hide", s.handleDisplayHide).Methods("POST")

	api.HandleFunc("/encoder/params", s.handleGetEncoderParams).Methods("GET")
	api.HandleFunc("/encoder/params", s.handleSetEncoderParams).Methods("PUT")

	if s.opts.Preview != nil {
		s.router.HandleFunc("/stream", s.opts.Preview.HTTPHandler()).Methods("GET")
		s.router.HandleFunc("/snapshot", s.opts.Preview.SnapshotHandler()).Methods("GET")
		s.router.HandleFunc("/", s.opts.Preview.ViewerHandler()).Methods("GET")
	} else {
		s.router.HandleFunc("/", s.handleIndex).Methods("GET")
	}
}

// Handler returns the root handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srv = srv
	s.mu.Unlock()

	logger.WithComponent("api").Info().Int("port", port).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers up to ctx.
// A later Start returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mediaerr.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, mediaerr.ErrStopped), errors.Is(err, mediaerr.ErrInvalidState):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func notEnabled(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": what + " not enabled"})
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) snapshot() any {
	if s.opts.Stats == nil {
		return map[string]any{}
	}
	return s.opts.Stats()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleStatsStream pushes a stats snapshot every StatsInterval until the
// client goes away.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// reads only detect the close frame
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			log.Debug().Err(err).Msg("WebSocket write failed")
			return
		}
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.Config == nil {
		notEnabled(w, "config")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Config.Get())
}

func (s *Server) handleDisplayStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Display == nil {
		notEnabled(w, "display")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Display.Params())
}

// handleSetDisplayParams places the picture. Visibility is left to the
// show and hide routes so it stays ordered with frames.
func (s *Server) handleSetDisplayParams(w http.ResponseWriter, r *http.Request) {
	if s.opts.Display == nil {
		notEnabled(w, "display")
		return
	}
	p := s.opts.Display.Params()
	visible := p.Visible
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	p.Visible = visible
	if err := s.opts.Display.SetParams(p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDisplayShow(w http.ResponseWriter, r *http.Request) {
	if s.opts.Display == nil {
		notEnabled(w, "display")
		return
	}
	s.opts.Display.Show()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "action": "show"})
}

func (s *Server) handleDisplayHide(w http.ResponseWriter, r *http.Request) {
	if s.opts.Display == nil {
		notEnabled(w, "display")
		return
	}
	s.opts.Display.Hide()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "action": "hide"})
}

func (s *Server) handleGetEncoderParams(w http.ResponseWriter, r *http.Request) {
	if s.opts.Encoder == nil {
		notEnabled(w, "encoder")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Encoder.Params())
}

// handleSetEncoderParams accepts a partial document; omitted fields keep
// their current values.
func (s *Server) handleSetEncoderParams(w http.ResponseWriter, r *http.Request) {
	if s.opts.Encoder == nil {
		notEnabled(w, "encoder")
		return
	}
	p := s.opts.Encoder.Params()
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.opts.Encoder.SetParams(p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>CamStreamer</title></head>
<body style="font-family: monospace; background: #1e1e1e; color: #d4d4d4; padding: 20px">
    <h1>CamStreamer</h1>
    <p>Preview is disabled. Enable <code>preview.enabled</code> to watch the camera here.</p>
    <p><a style="color: #569cd6" href="/api/stats">/api/stats</a></p>
</body>
</html>`))
}
