// Package relay coordinates rooms of hosts and viewers: membership,
// accumulated light state, mapping tables, presence and probes.
package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/secp/services/lightrelay/internal/clock"
	"gitlab.com/secp/services/lightrelay/internal/mapstore"
	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

// Audience selects which members of a room receive a broadcast.
type Audience int

const (
	Everyone Audience = iota
	ViewersOnly
)

// MapCache is the persisted store of mapping tables.
type MapCache interface {
	Get(room string) []protocol.MappingEntry
	Put(room string, entries []protocol.MappingEntry)
}

type Options struct {
	ProbeWindow time.Duration
	// LegacyBroadcast sends host ops to every other member, hosts included.
	LegacyBroadcast bool
	// LegacyPassthrough relays frames of unknown type to the rest of the room.
	LegacyPassthrough bool
}

func DefaultOptions() Options {
	return Options{ProbeWindow: 800 * time.Millisecond}
}

type Coordinator struct {
	registry *Registry
	maps     MapCache
	clock    clock.Clock
	log      *zap.Logger
	opts     Options

	probesMu sync.Mutex
	probes   map[probeKey]*probeCollector
	closed   bool
}

// New creates a coordinator over registry. maps may be nil, in which case
// mapping tables live only as long as their room.
func New(registry *Registry, maps MapCache, clk clock.Clock, log *zap.Logger, opts Options) *Coordinator {
	if registry == nil {
		registry = NewRegistry()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ProbeWindow <= 0 {
		opts.ProbeWindow = DefaultOptions().ProbeWindow
	}
	return &Coordinator{
		registry: registry,
		maps:     maps,
		clock:    clk,
		log:      log,
		opts:     opts,
		probes:   make(map[probeKey]*probeCollector),
	}
}

func (c *Coordinator) Registry() *Registry { return c.registry }

// lockRoom returns the live room for key with its lock held, creating it
// if needed. A new room picks up its mapping table from the map cache.
func (c *Coordinator) lockRoom(key string) *Room {
	for {
		room, created := c.registry.getOrCreate(key, c.clock.Now(), c.seedRoom)
		room.mu.Lock()
		if !room.removed {
			if created {
				c.log.Info("created room", zap.String("room", key), zap.Int("map_entries", len(room.mapEntries)))
			}
			return room
		}
		// lost a race with the reaper
		room.mu.Unlock()
	}
}

func (c *Coordinator) seedRoom(room *Room) {
	if c.maps == nil {
		return
	}
	if entries := c.maps.Get(room.Key); len(entries) > 0 {
		room.mapEntries = entries
		room.mapHash = mapstore.Key(entries)
		room.mapKey = room.mapHash
	}
}

// Join places conn in room with role. Leaving a previous room, changing
// role or changing room re-arms the snapshot guard; a repeated join with
// the same role and room does not.
func (c *Coordinator) Join(conn *Conn, role protocol.Role, key string) {
	if _, ok := protocol.ParseRole(string(role)); !ok {
		role = conn.role
	}
	if key == "" {
		c.Hello(conn, role)
		return
	}

	prev := conn.room
	if prev != key || conn.role != role {
		conn.snapshotSent = false
	}
	if prev != "" && prev != key {
		c.detach(conn, prev)
	}
	conn.role = role
	conn.room = key

	room := c.lockRoom(key)
	defer room.mu.Unlock()

	delete(room.hosts, conn.ID)
	delete(room.viewers, conn.ID)
	if role == protocol.RoleHost {
		room.hosts[conn.ID] = conn
	} else {
		room.viewers[conn.ID] = conn
	}
	room.lastActive = c.clock.Now()

	c.log.Debug("joined room",
		zap.String("conn", conn.short()),
		zap.String("room", key),
		zap.String("role", string(role)))

	c.presenceLocked(room)

	if role != protocol.RoleViewer || conn.snapshotSent {
		return
	}
	conn.snapshotSent = true
	if len(room.mapEntries) > 0 {
		c.sendTo(conn, &protocol.MapSync{Map: room.mapEntries, Key: room.mapKey})
	}
	c.sendTo(conn, &protocol.Ops{
		Seq:      room.seq,
		Ops:      protocol.StateToOps(room.state),
		Snapshot: true,
	})
}

// Hello records conn's role. A role change while in a room is handled as
// a join into the same room.
func (c *Coordinator) Hello(conn *Conn, role protocol.Role) {
	if _, ok := protocol.ParseRole(string(role)); !ok {
		c.log.Debug("ignoring hello with unknown role", zap.String("conn", conn.short()), zap.String("role", string(role)))
		return
	}
	if conn.room != "" && conn.role != role {
		c.Join(conn, role, conn.room)
		return
	}
	conn.role = role
}

// Leave removes conn from its room and closes its send channel.
func (c *Coordinator) Leave(conn *Conn) {
	if conn.room != "" {
		c.detach(conn, conn.room)
		conn.room = ""
	}
	conn.close()
}

func (c *Coordinator) detach(conn *Conn, key string) {
	room := c.registry.Get(key)
	if room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	_, isHost := room.hosts[conn.ID]
	_, isViewer := room.viewers[conn.ID]
	if !isHost && !isViewer {
		return
	}
	delete(room.hosts, conn.ID)
	delete(room.viewers, conn.ID)
	room.lastActive = c.clock.Now()

	c.log.Debug("left room", zap.String("conn", conn.short()), zap.String("room", key))
	c.presenceLocked(room)
}

// ApplyOps folds ops into the room's state and returns the room sequence
// and the operations that survived normalization. The sequence advances
// once per non-empty batch.
func (c *Coordinator) ApplyOps(key string, ops []protocol.Operation) (uint64, []protocol.Operation) {
	room := c.lockRoom(key)
	defer room.mu.Unlock()
	return c.applyLocked(room, ops)
}

func (c *Coordinator) applyLocked(room *Room, ops []protocol.Operation) (uint64, []protocol.Operation) {
	applied := make([]protocol.Operation, 0, len(ops))
	for _, op := range ops {
		n, ok := op.Normalize()
		if !ok {
			continue
		}
		room.state.Apply(n)
		applied = append(applied, n)
	}
	if len(applied) == 0 {
		return room.seq, nil
	}
	room.seq++
	room.lastActive = c.clock.Now()
	return room.seq, applied
}

// IngestOps folds ops from a source outside the room, such as the MQTT
// bridge, and fans them out as if a host had sent them.
func (c *Coordinator) IngestOps(key string, ops []protocol.Operation) (uint64, []protocol.Operation) {
	return c.publishOps(key, ops, nil)
}

func (c *Coordinator) publishOps(key string, ops []protocol.Operation, sender *Conn) (uint64, []protocol.Operation) {
	room := c.lockRoom(key)
	defer room.mu.Unlock()

	seq, applied := c.applyLocked(room, ops)
	if len(applied) == 0 {
		return seq, nil
	}

	audience := ViewersOnly
	if c.opts.LegacyBroadcast {
		audience = Everyone
	}
	c.broadcastLocked(room, protocol.MustEncode(&protocol.Ops{Seq: seq, Ops: applied}), sender, audience)
	return seq, applied
}

// Broadcast sends frame to the room's audience except one connection.
// Unknown rooms are ignored.
func (c *Coordinator) Broadcast(key string, frame []byte, except *Conn, audience Audience) {
	room := c.registry.Get(key)
	if room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	c.broadcastLocked(room, frame, except, audience)
}

func (c *Coordinator) broadcastLocked(room *Room, frame []byte, except *Conn, audience Audience) {
	for _, v := range room.viewers {
		if v != except {
			c.deliver(v, frame)
		}
	}
	if audience != Everyone {
		return
	}
	for _, h := range room.hosts {
		if h != except {
			c.deliver(h, frame)
		}
	}
}

func (c *Coordinator) presenceLocked(room *Room) {
	c.broadcastLocked(room, protocol.MustEncode(room.presenceLocked()), nil, Everyone)
}

func (c *Coordinator) sendTo(conn *Conn, msg protocol.Message) {
	c.deliver(conn, protocol.MustEncode(msg))
}

func (c *Coordinator) deliver(conn *Conn, frame []byte) {
	if !conn.enqueue(frame) {
		c.log.Warn("send buffer full or closed, dropping frame", zap.String("conn", conn.short()))
	}
}

// SetMap stores a host's mapping table for its room. Viewers get the new
// table only when its content changed; the same content under a new
// host-supplied key only renames it. The host always gets an ack. With
// ensure set, an empty table never replaces a non-empty one.
func (c *Coordinator) SetMap(conn *Conn, entries []protocol.MappingEntry, key string, ensure bool) {
	if conn.role != protocol.RoleHost || conn.room == "" {
		c.log.Debug("ignoring map write from non-host", zap.String("conn", conn.short()))
		return
	}

	var hash string
	if len(entries) == 0 {
		entries, key = nil, ""
	} else {
		entries = protocol.WithKeys(entries)
		hash = mapstore.Key(entries)
		if key == "" {
			key = hash
		}
	}

	room := c.lockRoom(conn.room)
	defer room.mu.Unlock()

	keep := ensure && len(entries) == 0 && len(room.mapEntries) > 0
	switch {
	case keep:
	case hash != room.mapHash:
		room.mapEntries = entries
		room.mapHash = hash
		room.mapKey = key
		room.lastActive = c.clock.Now()
		if c.maps != nil {
			c.maps.Put(room.Key, entries)
		}
		c.log.Info("room map changed", zap.String("room", room.Key), zap.String("key", key), zap.Int("entries", len(entries)))
		c.broadcastLocked(room, protocol.MustEncode(&protocol.MapSync{Map: entries, Key: key}), conn, ViewersOnly)
	case key != room.mapKey:
		room.mapKey = key
	}
	c.sendTo(conn, &protocol.MapAck{Key: room.mapKey, Viewers: len(room.viewers)})
}

// GetMap answers conn with its room's table, or map:empty.
func (c *Coordinator) GetMap(conn *Conn) {
	var entries []protocol.MappingEntry
	var key string
	if conn.room != "" {
		if room := c.registry.Get(conn.room); room != nil {
			room.mu.Lock()
			entries, key = room.mapEntries, room.mapKey
			room.mu.Unlock()
		}
	}
	if len(entries) == 0 {
		c.sendTo(conn, &protocol.MapEmpty{})
		return
	}
	c.sendTo(conn, &protocol.MapSync{Map: entries, Key: key})
}

// Rooms summarizes every live room.
func (c *Coordinator) Rooms() map[string]RoomInfo {
	out := make(map[string]RoomInfo)
	for _, room := range c.registry.all() {
		out[room.Key] = room.info()
	}
	return out
}

// Close cancels outstanding probe windows.
func (c *Coordinator) Close() {
	c.probesMu.Lock()
	defer c.probesMu.Unlock()
	c.closed = true
	for k, p := range c.probes {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.probes, k)
	}
}
