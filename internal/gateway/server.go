// Package gateway serves the streaming WebSocket channel and hosts the
// HTTP API on the same listener.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/deskwire/internal/bus"
	"github.com/nextlevelbuilder/deskwire/internal/config"
	"github.com/nextlevelbuilder/deskwire/internal/httpapi"
	"github.com/nextlevelbuilder/deskwire/internal/memory"
	"github.com/nextlevelbuilder/deskwire/internal/pipeline"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

// Server is the gateway: WebSocket upgrade, per-connection clients, and the
// mounted HTTP API.
type Server struct {
	cfg    *config.Config
	events bus.Publisher
	pipe   *pipeline.Pipeline
	engine *memory.Engine
	api    *httpapi.API

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the gateway. api may be nil when only the WS surface is
// under test.
func NewServer(cfg *config.Config, events bus.Publisher, pipe *pipeline.Pipeline,
	engine *memory.Engine, api *httpapi.API) *Server {
	s := &Server{
		cfg:     cfg,
		events:  events,
		pipe:    pipe,
		engine:  engine,
		api:     api,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the WebSocket origin against the allow list. No
// configured origins allows all; an empty Origin header (non-browser
// clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.api != nil {
		s.api.RegisterRoutes(mux)
	}
	s.mux = mux
	return mux
}

// Start listens until ctx is done, then drains with a short grace period.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the connection and runs the client until it
// disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if token := s.cfg.Gateway.Token; token != "" {
		if r.URL.Query().Get("token") != token &&
			r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	sec, _, _ := s.cfg.Snapshot()
	client := newClient(conn, s, sec.WSMessagesPerMinute, sec.Burst)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	if s.events != nil {
		s.events.Subscribe(c.id, func(event bus.Event) {
			if event.Session != "" && !c.hasSession(event.Session) {
				return
			}
			c.Send(event.Frame)
		})
	}
	slog.Info("gateway.client_connected", "client", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if s.events != nil {
		s.events.Unsubscribe(c.id)
	}
	slog.Info("gateway.client_disconnected", "client", c.id)
}

// Notify broadcasts a system notification to every connected client.
func (s *Server) Notify(level, message string) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(bus.Event{
		Frame: protocol.NewFrame(protocol.FrameSystemNotification,
			protocol.SystemNotificationPayload{Level: level, Message: message}),
	})
}

// StartTestServer listens on an ephemeral local port. Integration tests
// dial the returned address after calling start.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	mux := s.BuildMux()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()
	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start
}
