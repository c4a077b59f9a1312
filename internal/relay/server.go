package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/ice"
	"github.com/1ureka/p2pcall/internal/util"
)

// ServerOptions configures a relay Server.
type ServerOptions struct {
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
	// ICEServers is the list served from /ice.
	ICEServers []ice.Server
}

// Server exposes the hub over HTTP: /ws for user connections and /ice for
// the ICE server list.
type Server struct {
	hub      *Hub
	opts     ServerOptions
	upgrader websocket.Upgrader
	listener net.Listener
	srv      *http.Server
}

// NewServer creates a relay server routing through hub.
func NewServer(hub *Hub, opts ServerOptions) *Server {
	s := &Server{hub: hub, opts: opts}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Handler returns the HTTP handler serving all relay endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ice", s.handleICE)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Start begins listening on addr and returns the bound address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start relay server: %w", err)
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay server stopped: %v", err)
		}
	}()

	return listener.Addr().String(), nil
}

// Close stops accepting connections and drops every connected user.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.hub.Shutdown()
	return err
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("upgrade failed for %s: %v", userID, err)
		return
	}

	p := newPeer(s.hub, conn, userID)
	s.hub.register(p)

	go p.writePump()
	go p.readPump()
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ICEServers []ice.Server `json:"iceServers"`
	}{s.opts.ICEServers})
}
