package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

type readResult struct {
	data []byte
	err  error
}

// link is one open transport. A single reader goroutine feeds in; writes
// come from dial and then only from the session's write loop.
type link struct {
	url  string
	ws   *websocket.Conn
	idle time.Duration

	in     chan readResult
	closed chan struct{}
	once   sync.Once
}

// dial opens a transport and announces the role, then the room if one
// is set.
func (s *Session) dial(target string) (*link, error) {
	ws, resp, err := s.dialer.DialContext(s.ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	l := &link{
		url:    target,
		ws:     ws,
		idle:   s.settings.IdleTimeout,
		in:     make(chan readResult, 64),
		closed: make(chan struct{}),
	}

	greeting := []protocol.Message{&protocol.Hello{Role: s.settings.Role}}
	if s.settings.Room != "" {
		greeting = append(greeting, &protocol.Join{Role: s.settings.Role, Room: s.settings.Room})
	}
	for _, msg := range greeting {
		if err := l.write(protocol.MustEncode(msg), s.settings.WriteTimeout); err != nil {
			l.close()
			return nil, fmt.Errorf("failed to greet %s: %w", target, err)
		}
	}

	l.armIdle()
	ws.SetPingHandler(func(data string) error {
		l.armIdle()
		// a failed pong surfaces on the next read
		_ = ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		return nil
	})
	go l.readLoop()
	return l, nil
}

func (l *link) armIdle() {
	if l.idle > 0 {
		l.ws.SetReadDeadline(time.Now().Add(l.idle))
	}
}

func (l *link) readLoop() {
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			select {
			case l.in <- readResult{err: err}:
			case <-l.closed:
			}
			return
		}
		l.armIdle()
		select {
		case l.in <- readResult{data: data}:
		case <-l.closed:
			return
		}
	}
}

func (l *link) write(frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		l.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return l.ws.WriteMessage(websocket.TextMessage, frame)
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.closed)
		l.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.ws.Close()
	})
}
