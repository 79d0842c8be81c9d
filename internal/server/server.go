// Package server assembles the relay: registry, router, hub, metrics and the
// HTTP surface in front of them.
package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/sketchrelay/internal/metrics"
	"github.com/Tyrowin/sketchrelay/internal/registry"
	"github.com/Tyrowin/sketchrelay/internal/router"
)

// Server owns every long-lived component of one relay process.
type Server struct {
	cfg      Config
	log      logrus.FieldLogger
	rooms    *registry.Registry
	router   *router.Router
	hub      *Hub
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	http     *http.Server
}

// New builds a Server from cfg. Call Start before serving requests.
func New(cfg Config, log logrus.FieldLogger) *Server {
	cfg = cfg.Sanitize()

	m := metrics.New()
	rooms := registry.New()
	rt := router.New(rooms, log, m)
	origins := newOriginPolicy(cfg.AllowedOrigins, log)

	s := &Server{
		cfg:     cfg,
		log:     log,
		rooms:   rooms,
		router:  rt,
		hub:     NewHub(rt, m, log),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     origins.checkOrigin,
		},
	}
	s.http = CreateServer(cfg.Port, s.Routes())
	return s
}

// Start launches the hub loop.
func (s *Server) Start() {
	go s.hub.Run()
	s.log.Info("hub started")
}

// ListenAndServe serves HTTP on the configured port until Shutdown.
func (s *Server) ListenAndServe() error {
	return StartServer(s.http, s.log)
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Shutdown stops accepting requests, closes every client and clears all room
// state.
func (s *Server) Shutdown() error {
	httpErr := ShutdownServer(s.http, s.cfg.ShutdownTimeout, s.log)
	hubErr := s.hub.Shutdown(s.cfg.ShutdownTimeout)
	s.rooms.Close()
	s.metrics.SetRooms(0)
	return errors.Join(httpErr, hubErr)
}

// Registry exposes room state for inspection.
func (s *Server) Registry() *registry.Registry {
	return s.rooms
}

// Hub exposes the client hub for inspection.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Metrics exposes the server's collectors.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}
