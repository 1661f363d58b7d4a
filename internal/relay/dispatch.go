package relay

import (
	"go.uber.org/zap"

	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

// HandleMessage processes one inbound frame from conn. Malformed frames
// are dropped and the connection stays open.
func (c *Coordinator) HandleMessage(conn *Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Debug("dropping malformed frame", zap.String("conn", conn.short()), zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case *protocol.Hello:
		c.Hello(conn, m.Role)

	case *protocol.Join:
		c.Join(conn, m.Role, m.Room)

	case *protocol.Ping:
		// the reply is the client's proof of life in a quiet room
		conn.markAlive()
		c.sendTo(conn, &protocol.Ping{})

	case *protocol.Ops:
		if conn.role != protocol.RoleHost || conn.room == "" {
			c.log.Debug("ignoring ops from non-host", zap.String("conn", conn.short()))
			return
		}
		c.publishOps(conn.room, m.Ops, conn)

	case *protocol.MapSet:
		c.SetMap(conn, m.Map, m.Key, false)

	case *protocol.MapEnsure:
		c.SetMap(conn, m.Map, m.Key, true)

	case *protocol.MapGet:
		c.GetMap(conn)

	case *protocol.Probe:
		c.Probe(conn, m.ID)

	case *protocol.ProbeAck:
		c.Ack(conn, m.ID)

	case *protocol.Unknown:
		if c.opts.LegacyPassthrough && conn.room != "" {
			c.Broadcast(conn.room, m.Raw, conn, Everyone)
			return
		}
		c.log.Debug("unknown message type", zap.String("conn", conn.short()), zap.String("type", m.Kind))

	default:
		// relay-to-client kinds echoed back by a client
		c.log.Debug("ignoring message", zap.String("conn", conn.short()), zap.String("type", msg.Type()))
	}
}
