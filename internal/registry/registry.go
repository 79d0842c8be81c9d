// Package registry tracks which room every live connection belongs to and
// answers "who is in this room" for the event router.
package registry

import (
	"sort"
	"sync"

	"github.com/Tyrowin/sketchrelay/internal/domain"
)

// RoomStat is a point-in-time view of a single room.
type RoomStat struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// Registry maps connections to rooms. A connection is a member of at most one
// room at a time; rooms exist only while they have members.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]domain.Connection
	member map[string]string // connection ID -> room ID
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]domain.Connection),
		member: make(map[string]string),
	}
}

// Join adds conn to roomID, creating the room when needed. If conn was in a
// different room it is moved and that room's ID is returned. Joining the room
// a connection is already in changes nothing.
func (r *Registry) Join(conn domain.Connection, roomID string) (previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if current, ok := r.member[id]; ok {
		if current == roomID {
			return ""
		}
		r.removeLocked(id, current)
		previous = current
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]domain.Connection)
		r.rooms[roomID] = members
	}
	members[id] = conn
	r.member[id] = roomID
	return previous
}

// Leave removes conn from roomID and reports whether it was a member.
func (r *Registry) Leave(conn domain.Connection, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if current, ok := r.member[id]; !ok || current != roomID {
		return false
	}
	r.removeLocked(id, roomID)
	return true
}

// Remove drops conn from whichever room it is in. It is called when the
// connection goes away.
func (r *Registry) Remove(conn domain.Connection) (roomID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	roomID, ok = r.member[id]
	if !ok {
		return "", false
	}
	r.removeLocked(id, roomID)
	return roomID, true
}

// removeLocked must be called with mu held for writing.
func (r *Registry) removeLocked(connID, roomID string) {
	delete(r.member, connID)
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// Members returns a snapshot of the connections in roomID. The slice is owned
// by the caller and is empty for unknown rooms.
func (r *Registry) Members(roomID string) []domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]domain.Connection, 0, len(members))
	for _, conn := range members {
		out = append(out, conn)
	}
	return out
}

// RoomOf returns the room connID currently belongs to.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.member[connID]
	return roomID, ok
}

// Stats returns the number of non-empty rooms and the total membership count.
func (r *Registry) Stats() (rooms, members int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms), len(r.member)
}

// Rooms lists every room with its member count, ordered by room ID.
func (r *Registry) Rooms() []RoomStat {
	r.mu.RLock()
	stats := make([]RoomStat, 0, len(r.rooms))
	for id, members := range r.rooms {
		stats = append(stats, RoomStat{ID: id, Members: len(members)})
	}
	r.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Close forgets every membership. The registry stays usable afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms = make(map[string]map[string]domain.Connection)
	r.member = make(map[string]string)
}
