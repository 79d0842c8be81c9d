// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks and room statistics.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/sketchrelay/internal/registry"
)

// StatsResponse is the body served on /stats.
type StatsResponse struct {
	Rooms       int                 `json:"rooms"`
	Members     int                 `json:"members"`
	Connections int                 `json:"connections"`
	RoomList    []registry.RoomStat `json:"room_list"`
}

// WebSocketHandler upgrades the request and registers the new client with
// the hub, which starts its read/write pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
		}).WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, s.cfg)
	if err := s.hub.Register(client); err != nil {
		s.log.WithError(err).Warn("rejecting connection during shutdown")
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "sketchrelay is running")
}

// StatsHandler reports live rooms and connections as JSON.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	rooms, members := s.rooms.Stats()
	resp := StatsResponse{
		Rooms:       rooms,
		Members:     members,
		Connections: s.hub.ClientCount(),
		RoomList:    s.rooms.Rooms(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.WithError(err).Warn("writing stats response")
	}
}
