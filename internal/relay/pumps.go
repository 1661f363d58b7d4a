package relay

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	// large enough for a mapping table of several thousand entries
	maxMessageSize = 1 << 20
)

// WritePump handles writing messages to the WebSocket
func (c *Coordinator) WritePump(conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case message, ok := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("write failed", zap.String("conn", conn.short()), zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump handles reading messages from the WebSocket. It runs every
// handler inline and leaves the room when the transport closes.
func (c *Coordinator) ReadPump(conn *Conn) {
	defer func() {
		c.Leave(conn)
		conn.ws.Close()
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	conn.markAlive()
	conn.ws.SetPongHandler(func(string) error {
		conn.markAlive()
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.String("conn", conn.short()), zap.Error(err))
			}
			break
		}
		conn.markAlive()
		c.HandleMessage(conn, message)
	}
	c.log.Debug("connection closed", zap.String("conn", conn.short()), zap.String("remote", conn.Remote))
}
