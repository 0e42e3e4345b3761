package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/DeskLoop/internal/config"
	"github.com/bryanchriswhite/DeskLoop/internal/container"
	"github.com/bryanchriswhite/DeskLoop/internal/logger"
	"github.com/bryanchriswhite/DeskLoop/internal/output"
	"github.com/bryanchriswhite/DeskLoop/internal/playback"
	"github.com/bryanchriswhite/DeskLoop/internal/source"
)

// Version is reported by /api/health
var Version = "0.1.0"

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
)

// Resolver maps a user supplied path to a playable one
type Resolver interface {
	Resolve(path string) (string, error)
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	player    playback.Player
	configMgr *config.Manager
	resolver  Resolver
	preview   *output.MJPEGOutput
	upgrader  websocket.Upgrader

	srvMu   sync.Mutex
	httpSrv *http.Server
}

// NewServer creates a new API server. resolver and preview may be nil.
func NewServer(player playback.Player, configMgr *config.Manager, resolver Resolver, preview *output.MJPEGOutput) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		player:    player,
		configMgr: configMgr,
		resolver:  resolver,
		preview:   preview,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || localOrigin(origin)
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Playback control
	api.HandleFunc("/load", s.handleLoad).Methods("POST")
	api.HandleFunc("/play", s.handlePlay).Methods("POST")
	api.HandleFunc("/pause", s.command(s.player.Pause)).Methods("POST")
	api.HandleFunc("/resume", s.command(s.player.Resume)).Methods("POST")
	api.HandleFunc("/stop", s.command(s.player.Stop)).Methods("POST")
	api.HandleFunc("/unload", s.command(s.player.Unload)).Methods("POST")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/events", s.handleEvents)

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config/{key}", s.handleGetConfigValue).Methods("GET")
	api.HandleFunc("/config/{key}", s.handleSetConfigValue).Methods("PUT")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.preview != nil {
		s.router.HandleFunc("/preview", s.preview.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/preview/view", s.preview.GetViewerHandler()).Methods("GET")
		s.router.HandleFunc("/preview/snapshot.jpg", s.preview.GetSnapshotHandler()).Methods("GET")
		s.router.HandleFunc("/preview/stats", s.preview.GetStatsHandler()).Methods("GET")
	}

	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the root handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srvMu.Lock()
	s.httpSrv = srv
	s.srvMu.Unlock()

	logger.WithComponent("api").Info().Msgf("Starting server on http://localhost%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.httpSrv
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers for local origins and rejects browser
// requests coming from any other page
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !localOrigin(origin) {
			logger.WithComponent("api").Warn().Str("origin", origin).Str("path", r.URL.Path).Msg("Rejected cross-origin request")
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// localOrigin reports whether origin points at this machine
func localOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

type errorResponse struct {
	Error  string           `json:"error"`
	Status *playback.Status `json:"status,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, st *playback.Status) {
	writeJSON(w, statusCode(err), errorResponse{Error: err.Error(), Status: st})
}

// statusCode maps domain errors onto HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.Is(err, source.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, source.ErrUnsupported),
		errors.Is(err, source.ErrNoVideoStream),
		errors.Is(err, container.ErrNoVideo):
		return http.StatusUnprocessableEntity
	case errors.Is(err, source.ErrOpenTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, playback.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTP Handlers

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	playable := req.Path
	if s.resolver != nil {
		resolved, err := s.resolver.Resolve(req.Path)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		playable = resolved
	}

	st, err := s.player.Load(r.Context(), playable)
	if err != nil {
		writeError(w, err, &st)
		return
	}

	if s.configMgr != nil {
		if err := s.configMgr.RecordSource(req.Path); err != nil {
			logger.WithComponent("api").Warn().Err(err).Msg("Failed to record recent file")
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	st, err := s.player.Play()
	if err != nil {
		writeError(w, err, &st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// command wraps a no-result control call and replies with the new status
func (s *Server) command(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, s.player.Status())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.player.Subscribe()
	defer s.player.Unsubscribe(events)

	// Reads only detect the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v interface{}) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	initial := playback.Event{Type: playback.EventStateChanged, Status: s.player.Status(), Time: time.Now()}
	if err := write(initial); err != nil {
		log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "controller closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := write(ev); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "no configuration", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleGetConfigValue(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "no configuration", http.StatusNotFound)
		return
	}
	key := mux.Vars(r)["key"]
	v, err := s.configMgr.Value(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": v})
}

func (s *Server) handleSetConfigValue(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "no configuration", http.StatusNotFound)
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := mux.Vars(r)["key"]
	if err := s.configMgr.SetValue(key, req.Value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
		"state":   s.player.State().String(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>DeskLoop</title>
    <style>
        body { font-family: system-ui, sans-serif; max-width: 720px; margin: 40px auto; color: #333; }
        code { background: #f0f0f0; padding: 2px 6px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>DeskLoop</h1>
    <p>Live video wallpaper control server.</p>
    <ul>
        <li><a href="/api/status">/api/status</a> - playback status</li>
        <li><a href="/api/health">/api/health</a> - health check</li>
        <li><a href="/api/config">/api/config</a> - configuration</li>
        <li><a href="/preview/view">/preview/view</a> - live preview (when enabled)</li>
    </ul>
    <p>Control with <code>POST /api/load {"path": "..."}</code>, then
    <code>POST /api/play</code>, <code>/pause</code>, <code>/resume</code>,
    <code>/stop</code> and <code>/unload</code>. Events stream on the
    <code>/api/events</code> WebSocket.</p>
</body>
</html>`
