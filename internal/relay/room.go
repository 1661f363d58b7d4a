package relay

import (
	"sort"
	"sync"
	"time"

	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

// Room is the per-key coordination unit. Every field below mu is guarded
// by it.
type Room struct {
	Key string

	mu         sync.Mutex
	hosts      map[string]*Conn
	viewers    map[string]*Conn
	state      protocol.State
	seq        uint64
	mapEntries []protocol.MappingEntry
	mapKey     string
	// mapHash is the content hash of mapEntries. mapKey may differ when
	// the host named the table itself.
	mapHash    string
	lastActive time.Time
	removed    bool
}

func newRoom(key string, now time.Time) *Room {
	return &Room{
		Key:        key,
		hosts:      make(map[string]*Conn),
		viewers:    make(map[string]*Conn),
		state:      protocol.State{},
		lastActive: now,
	}
}

func (r *Room) members() int {
	return len(r.hosts) + len(r.viewers)
}

func (r *Room) presenceLocked() *protocol.Presence {
	return &protocol.Presence{Room: r.Key, Hosts: len(r.hosts), Viewers: len(r.viewers)}
}

// RoomInfo is a point-in-time summary of a room for the debug listing.
type RoomInfo struct {
	Hosts      int       `json:"hosts"`
	Viewers    int       `json:"viewers"`
	Targets    int       `json:"targets"`
	Seq        uint64    `json:"seq"`
	MapKey     string    `json:"mapKey,omitempty"`
	LastActive time.Time `json:"lastActive"`
}

func (r *Room) info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{
		Hosts:      len(r.hosts),
		Viewers:    len(r.viewers),
		Targets:    len(r.state),
		Seq:        r.seq,
		MapKey:     r.mapKey,
		LastActive: r.lastActive,
	}
}

// Registry maps room keys to rooms. Lock order is registry, then room.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// Get returns the room or nil.
func (g *Registry) Get(key string) *Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[key]
}

// getOrCreate returns the room for key, creating it with seed when it does
// not exist. created reports whether seed ran.
func (g *Registry) getOrCreate(key string, now time.Time, seed func(*Room)) (room *Room, created bool) {
	g.mu.RLock()
	room = g.rooms[key]
	g.mu.RUnlock()
	if room != nil {
		return room, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if room = g.rooms[key]; room != nil {
		return room, false
	}
	room = newRoom(key, now)
	if seed != nil {
		seed(room)
	}
	g.rooms[key] = room
	return room, true
}

// reap removes rooms with no members that have been idle since before
// cutoff, and returns their keys.
func (g *Registry) reap(cutoff time.Time) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var removed []string
	for key, room := range g.rooms {
		room.mu.Lock()
		if room.members() == 0 && room.lastActive.Before(cutoff) {
			room.removed = true
			delete(g.rooms, key)
			removed = append(removed, key)
		}
		room.mu.Unlock()
	}
	sort.Strings(removed)
	return removed
}

// Len returns the number of live rooms.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

func (g *Registry) all() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}
