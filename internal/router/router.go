// Package router interprets inbound relay events and fans them out to the
// other members of the addressed room.
package router

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/sketchrelay/internal/domain"
	"github.com/Tyrowin/sketchrelay/internal/metrics"
	"github.com/Tyrowin/sketchrelay/internal/protocol"
	"github.com/Tyrowin/sketchrelay/internal/registry"
)

// ErrUnknownEvent is returned for frames whose event name the relay does not
// route.
var ErrUnknownEvent = errors.New("unknown event")

// Router dispatches decoded events against a Registry. It keeps no per-event
// state; every call works on the registry as it is at that moment.
type Router struct {
	rooms   *registry.Registry
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// New returns a Router over rooms. m may be nil.
func New(rooms *registry.Registry, log logrus.FieldLogger, m *metrics.Metrics) *Router {
	return &Router{rooms: rooms, log: log, metrics: m}
}

// Connect records a new connection.
func (rt *Router) Connect(conn domain.Connection) {
	rt.metrics.ConnectionOpened()
	rt.log.WithField("conn_id", conn.ID()).Info("connection established")
}

// Disconnect removes conn from its room and records the close.
func (rt *Router) Disconnect(conn domain.Connection) {
	fields := logrus.Fields{"conn_id": conn.ID()}
	if roomID, ok := rt.Forget(conn); ok {
		fields["room_id"] = roomID
	}
	rt.metrics.ConnectionClosed()
	rt.log.WithFields(fields).Info("connection closed")
}

// Forget drops conn's room membership, if any, without recording a close.
// It is idempotent and safe to call after Disconnect.
func (rt *Router) Forget(conn domain.Connection) (roomID string, ok bool) {
	roomID, ok = rt.rooms.Remove(conn)
	if ok {
		rt.updateRoomGauge()
	}
	return roomID, ok
}

// Handle routes one raw frame from sender. Frames that cannot be routed are
// logged and dropped; the returned error says why and never requires the
// caller to close the connection.
func (rt *Router) Handle(sender domain.Connection, frame []byte) error {
	err := rt.dispatch(sender, frame)
	if err == nil {
		return nil
	}

	reason := metrics.ReasonMalformed
	if errors.Is(err, ErrUnknownEvent) {
		reason = metrics.ReasonUnknownEvent
	}
	rt.metrics.Dropped(reason)
	rt.log.WithFields(logrus.Fields{
		"conn_id": sender.ID(),
		"reason":  reason,
	}).WithError(err).Warn("dropping inbound frame")
	return err
}

func (rt *Router) dispatch(sender domain.Connection, frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}

	switch {
	case env.Event == protocol.EventJoinRoom:
		roomID, err := protocol.RoomID(env.Data)
		if err != nil {
			return fmt.Errorf("%s: %w", env.Event, err)
		}
		rt.metrics.EventReceived(env.Event)
		return rt.join(sender, roomID)

	case env.Event == protocol.EventClearCanvas:
		roomID, err := protocol.RoomID(env.Data)
		if err != nil {
			return fmt.Errorf("%s: %w", env.Event, err)
		}
		rt.metrics.EventReceived(env.Event)
		out, err := protocol.Encode(protocol.EventClearCanvas, nil)
		if err != nil {
			return err
		}
		rt.broadcast(sender, roomID, protocol.EventClearCanvas, out)
		return nil

	case protocol.IsDrawEvent(env.Event):
		payload, err := protocol.ParseDraw(env.Data)
		if err != nil {
			return fmt.Errorf("%s: %w", env.Event, err)
		}
		rt.metrics.EventReceived(env.Event)
		out, err := protocol.Encode(env.Event, payload.Raw)
		if err != nil {
			return err
		}
		rt.broadcast(sender, payload.RoomID, env.Event, out)
		return nil
	}

	return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func (rt *Router) join(sender domain.Connection, roomID string) error {
	previous := rt.rooms.Join(sender, roomID)
	rt.updateRoomGauge()

	entry := rt.log.WithFields(logrus.Fields{"conn_id": sender.ID(), "room_id": roomID})
	if previous != "" {
		entry = entry.WithField("previous_room_id", previous)
	}
	entry.Info("joined room")

	out, err := protocol.EncodeString(protocol.EventUserJoined, sender.ID())
	if err != nil {
		return err
	}
	rt.broadcast(sender, roomID, protocol.EventUserJoined, out)
	return nil
}

// broadcast hands frame to every member of roomID except sender. The member
// list is a snapshot, so no registry lock is held while sending.
func (rt *Router) broadcast(sender domain.Connection, roomID, event string, frame []byte) int {
	delivered := 0
	for _, member := range rt.rooms.Members(roomID) {
		if member.ID() == sender.ID() {
			continue
		}
		if err := member.Send(frame); err != nil {
			rt.metrics.Dropped(metrics.ReasonSendFailed)
			rt.log.WithFields(logrus.Fields{
				"conn_id": member.ID(),
				"room_id": roomID,
				"event":   event,
			}).WithError(err).Debug("delivery failed")
			continue
		}
		delivered++
	}
	rt.metrics.Delivered(event, delivered)
	return delivered
}

func (rt *Router) updateRoomGauge() {
	rooms, _ := rt.rooms.Stats()
	rt.metrics.SetRooms(rooms)
}
