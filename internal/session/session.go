// Package session keeps a relay connection alive for a host or viewer:
// it finds a working endpoint, reconnects with backoff, queues outbound
// frames while offline and turns inbound frames into events.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gitlab.com/secp/services/lightrelay/internal/protocol"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("session closed")

var (
	errNoEndpoint  = errors.New("no candidate endpoint stayed open")
	errWriteFailed = errors.New("transport write failed")
)

type Settings struct {
	// Candidates are transport paths tried in order until one settles.
	Candidates []string
	Role       protocol.Role
	Room       string

	// SettleWindow is how long a fresh transport must stay open before
	// its path is trusted and cached.
	SettleWindow      time.Duration
	HeartbeatInterval time.Duration
	// IdleTimeout closes a transport that received nothing for this long.
	// 0 disables it. The relay answers every heartbeat, so it should
	// exceed HeartbeatInterval.
	IdleTimeout      time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	BackoffFactor    float64
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	EventBuffer      int
}

func DefaultSettings() *Settings {
	return &Settings{
		Candidates:        []string{"/ws", "/"},
		Role:              protocol.RoleViewer,
		SettleWindow:      1500 * time.Millisecond,
		HeartbeatInterval: 20 * time.Second,
		BackoffMin:        500 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		BackoffFactor:     2,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		EventBuffer:       256,
	}
}

type State int

const (
	StateDisconnected State = iota
	StateProbing
	StateSettling
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateProbing:
		return "probing"
	case StateSettling:
		return "settling"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is a self-healing connection to a relay.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	base     *url.URL
	settings *Settings
	dialer   *websocket.Dialer
	log      *zap.Logger

	events chan Event
	notify chan struct{}

	mu     sync.Mutex
	queue  [][]byte
	cached string
	state  State
}

// New starts a session against base, e.g. "ws://relay:8080". The
// session runs until ctx is done or Close is called.
func New(ctx context.Context, base string, settings *Settings, log *zap.Logger) (*Session, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid relay url scheme %q", u.Scheme)
	}
	if settings == nil {
		settings = DefaultSettings()
	}
	cfg := *settings
	settings = &cfg
	settings.Candidates = append([]string(nil), settings.Candidates...)
	if len(settings.Candidates) == 0 {
		settings.Candidates = DefaultSettings().Candidates
	}
	if settings.EventBuffer <= 0 {
		settings.EventBuffer = DefaultSettings().EventBuffer
	}
	if settings.BackoffFactor < 1 {
		settings.BackoffFactor = DefaultSettings().BackoffFactor
	}
	if log == nil {
		log = zap.NewNop()
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:      cancelCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		base:     u,
		settings: settings,
		dialer:   &websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout},
		log:      log,
		events:   make(chan Event, settings.EventBuffer),
		notify:   make(chan struct{}, 1),
	}
	go s.run()
	return s, nil
}

// Events is the stream of connection changes and inbound messages. It is
// closed after the session stops.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the cached transport URL, or "" before one settled.
func (s *Session) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

// Send queues msg for delivery. Frames queued while disconnected are
// written in order once the session is connected.
func (s *Session) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued frames.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops reconnecting and tears down the transport.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *Session) popFront() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	frame := s.queue[0]
	s.queue = s.queue[1:]
	return frame, true
}

func (s *Session) pushFront(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append([][]byte{frame}, s.queue...)
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.events)
		close(s.done)
	}()

	backoff := s.settings.BackoffMin
	for {
		if s.ctx.Err() != nil {
			return
		}

		l, pending, err := s.connect()
		if err != nil {
			s.setState(StateDisconnected)
			s.log.Debug("connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
			s.emit(Disconnected{Err: err})
			if !s.sleep(backoff) {
				return
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		backoff = s.settings.BackoffMin
		err = s.serve(l, pending)
		s.setState(StateDisconnected)
		if s.ctx.Err() != nil {
			return
		}
		s.log.Info("disconnected", zap.String("url", l.url), zap.Error(err))
		s.emit(Disconnected{Err: err})
		if !s.sleep(backoff) {
			return
		}
	}
}

func (s *Session) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Session) nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * s.settings.BackoffFactor)
	if next > s.settings.BackoffMax {
		next = s.settings.BackoffMax
	}
	if next <= 0 {
		next = s.settings.BackoffMax
	}
	return next
}

// endpoint is the transport URL for one candidate path.
func (s *Session) endpoint(path string) string {
	u := *s.base
	u.Path = strings.TrimRight(s.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	q := u.Query()
	q.Set("role", string(s.settings.Role))
	if s.settings.Room != "" {
		q.Set("room", s.settings.Room)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// connect dials the cached endpoint, or probes the candidates in order
// until one stays open for the settle window. Frames read while settling
// are returned so they can be delivered once connected.
func (s *Session) connect() (*link, [][]byte, error) {
	if cached := s.Endpoint(); cached != "" {
		s.setState(StateProbing)
		l, err := s.dial(cached)
		if err != nil {
			return nil, nil, err
		}
		return l, nil, nil
	}

	var lastErr error
	for _, path := range s.settings.Candidates {
		if s.ctx.Err() != nil {
			return nil, nil, s.ctx.Err()
		}
		target := s.endpoint(path)

		s.setState(StateProbing)
		l, err := s.dial(target)
		if err != nil {
			s.log.Debug("candidate failed", zap.String("url", target), zap.Error(err))
			lastErr = err
			continue
		}

		s.setState(StateSettling)
		pending, err := s.settle(l)
		if err != nil {
			s.log.Debug("candidate closed while settling", zap.String("url", target), zap.Error(err))
			l.close()
			lastErr = err
			continue
		}

		s.mu.Lock()
		s.cached = target
		s.mu.Unlock()
		s.log.Info("endpoint settled", zap.String("url", target))
		return l, pending, nil
	}

	if lastErr == nil {
		lastErr = errNoEndpoint
	}
	return nil, nil, fmt.Errorf("%w: %v", errNoEndpoint, lastErr)
}

// settle waits out the settle window, collecting frames, and fails if
// the transport closes first.
func (s *Session) settle(l *link) ([][]byte, error) {
	var pending [][]byte
	timer := time.NewTimer(s.settings.SettleWindow)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-timer.C:
			return pending, nil
		case r := <-l.in:
			if r.err != nil {
				return nil, r.err
			}
			pending = append(pending, r.data)
		}
	}
}

// serve runs a connected transport until it fails or the session closes.
func (s *Session) serve(l *link, pending [][]byte) error {
	s.setState(StateConnected)
	s.emit(Connected{URL: l.url})
	for _, frame := range pending {
		s.deliver(frame)
	}

	handleCtx, handleCancel := context.WithCancel(s.ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer handleCancel()
		s.writeLoop(handleCtx, l)
	}()
	defer func() {
		handleCancel()
		l.close()
		wg.Wait()
	}()

	for {
		select {
		case <-handleCtx.Done():
			if err := s.ctx.Err(); err != nil {
				return err
			}
			return errWriteFailed
		case r := <-l.in:
			if r.err != nil {
				return r.err
			}
			s.deliver(r.data)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, l *link) {
	var heartbeat <-chan time.Time
	if s.settings.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.settings.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	ping := protocol.MustEncode(&protocol.Ping{})

	for {
		for {
			frame, ok := s.popFront()
			if !ok {
				break
			}
			if err := l.write(frame, s.settings.WriteTimeout); err != nil {
				s.pushFront(frame)
				s.log.Debug("write failed, frame requeued", zap.Error(err))
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		case <-heartbeat:
			if err := l.write(ping, s.settings.WriteTimeout); err != nil {
				return
			}
		}
	}
}

func (s *Session) deliver(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.log.Debug("dropping malformed frame", zap.Error(err))
		return
	}
	// heartbeat replies only keep the idle deadline armed
	if _, ok := msg.(*protocol.Ping); ok {
		return
	}
	s.emit(Received{Message: msg})
}
