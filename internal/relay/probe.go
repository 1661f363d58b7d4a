package relay

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/secp/services/lightrelay/internal/clock"
	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

type probeKey struct {
	room string
	id   string
}

// probeCollector gathers viewer acks for one probe until its window ends.
type probeCollector struct {
	host    *Conn
	acks    map[string]struct{}
	total   int
	created time.Time
	timer   clock.Timer
}

// Probe fans a probe out to the viewers of the host's room and schedules
// a summary back to the host after the probe window. An empty id is
// replaced with a generated one, which is returned. A probe whose id is
// already in flight in the room is ignored.
func (c *Coordinator) Probe(conn *Conn, id string) string {
	if conn.role != protocol.RoleHost || conn.room == "" {
		c.log.Debug("ignoring probe from non-host", zap.String("conn", conn.short()))
		return ""
	}
	if id == "" {
		id = uuid.New().String()
	}
	key := probeKey{room: conn.room, id: id}

	c.probesMu.Lock()
	if c.closed {
		c.probesMu.Unlock()
		return ""
	}
	if _, ok := c.probes[key]; ok {
		c.probesMu.Unlock()
		c.log.Debug("probe already in flight", zap.String("room", key.room), zap.String("id", id))
		return id
	}
	collector := &probeCollector{
		host:    conn,
		acks:    make(map[string]struct{}),
		created: c.clock.Now(),
	}
	c.probes[key] = collector
	c.probesMu.Unlock()

	room := c.lockRoom(conn.room)
	viewers := len(room.viewers)
	c.broadcastLocked(room, protocol.MustEncode(&protocol.Probe{ID: id}), conn, ViewersOnly)
	room.mu.Unlock()

	c.probesMu.Lock()
	collector.total = viewers
	if c.probes[key] == collector {
		collector.timer = c.clock.AfterFunc(c.opts.ProbeWindow, func() { c.finishProbe(key) })
	}
	c.probesMu.Unlock()
	return id
}

// Ack records a viewer's answer to an in-flight probe. Acks for unknown or
// finished probes are ignored; repeated acks count once.
func (c *Coordinator) Ack(conn *Conn, id string) {
	if conn.room == "" || conn.role != protocol.RoleViewer {
		return
	}
	c.probesMu.Lock()
	defer c.probesMu.Unlock()
	if collector, ok := c.probes[probeKey{room: conn.room, id: id}]; ok {
		collector.acks[conn.ID] = struct{}{}
	}
}

func (c *Coordinator) finishProbe(key probeKey) {
	c.probesMu.Lock()
	collector, ok := c.probes[key]
	if ok {
		delete(c.probes, key)
	}
	c.probesMu.Unlock()
	if !ok {
		return
	}

	summary := &protocol.ProbeSummary{
		ID:           key.id,
		Count:        len(collector.acks),
		TotalViewers: collector.total,
	}
	c.log.Debug("probe finished",
		zap.String("room", key.room),
		zap.String("id", key.id),
		zap.Int("acks", summary.Count),
		zap.Int("viewers", summary.TotalViewers),
		zap.Duration("window", c.clock.Now().Sub(collector.created)))
	c.sendTo(collector.host, summary)
}

// InFlightProbes returns the number of open probe windows.
func (c *Coordinator) InFlightProbes() int {
	c.probesMu.Lock()
	defer c.probesMu.Unlock()
	return len(c.probes)
}
