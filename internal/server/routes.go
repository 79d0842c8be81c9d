// Package server wires HTTP handlers into a gorilla/mux router.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/sketchrelay/web"
)

// Routes returns the relay's HTTP handler: the WebSocket endpoint, health,
// stats and metrics, with the drawing client served for every other path.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/ws", s.WebSocketHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/stats", s.StatsHandler).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(web.Handler()).Methods(http.MethodGet, http.MethodHead)

	return r
}

// logRequests logs each request at debug level. It does not wrap the
// ResponseWriter so WebSocket upgrades can still hijack the connection.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
		}).Debug("http request")
		next.ServeHTTP(w, r)
	})
}
