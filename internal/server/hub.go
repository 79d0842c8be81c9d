// Package server coordinates client registration, connection cleanup and
// graceful shutdown for the relay via the Hub type.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/sketchrelay/internal/metrics"
	"github.com/Tyrowin/sketchrelay/internal/router"
)

// Hub owns the set of live clients. It starts each client's pumps on
// registration and tells the router about connects and disconnects; room
// fan-out itself goes straight from the router to the clients.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	router     *router.Router
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	running    atomic.Bool
}

// NewHub creates a Hub that routes client frames through rt. m may be nil.
func NewHub(rt *router.Router, m *metrics.Metrics, log logrus.FieldLogger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		router:     rt,
		metrics:    m,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register hands a new client to the hub. It fails once the hub is shutting
// down.
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// unregisterClient asks the hub to drop client. Safe to call more than once
// and after the hub has stopped.
func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run starts the hub's main event loop. It returns after Shutdown has closed
// every client, so call it in its own goroutine.
func (h *Hub) Run() {
	h.running.Store(true)
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Debug("received nil client registration; skipping")
				continue
			}
			if h.ctx.Err() != nil {
				client.closeConnection()
				continue
			}
			h.add(client)

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mutex.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mutex.Unlock()

	h.router.Connect(client)
	client.log.WithField("clients", count).Debug("client registered")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// remove forgets client, clears its room membership and closes its queue.
func (h *Hub) remove(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	count := len(h.clients)
	h.mutex.Unlock()

	h.router.Disconnect(client)
	client.closeSend()
	client.log.WithField("clients", count).Debug("client unregistered")
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		h.remove(client)
		client.closeConnection()
	}

	h.log.WithField("clients", len(clients)).Info("closed client connections")
}

// Shutdown stops the hub and waits for every client goroutine to finish, or
// for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")
	h.cancel()

	if !h.running.Load() {
		h.log.Info("hub was never started")
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-h.done:
	case <-deadline.C:
		h.log.Warn("hub loop did not stop before timeout")
		return context.DeadlineExceeded
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.log.Info("hub shutdown completed")
		return nil
	case <-deadline.C:
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
