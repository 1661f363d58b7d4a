package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gitlab.com/secp/services/lightrelay/internal/protocol"
	"gitlab.com/secp/services/lightrelay/internal/ratelimit"
)

// Admitter decides whether a remote IP may open another connection.
type Admitter interface {
	AllowConnect(ctx context.Context, ip string) error
}

type ServerOptions struct {
	// AllowedOrigins lists accepted Origin values. Empty allows all.
	AllowedOrigins []string
	Limiter        Admitter
	// Health reports backing store health for /health. Optional.
	Health func(ctx context.Context) error
}

// Server exposes the coordinator over HTTP and WebSocket.
type Server struct {
	coord    *Coordinator
	log      *zap.Logger
	origins  map[string]struct{}
	limiter  Admitter
	health   func(ctx context.Context) error
	upgrader websocket.Upgrader
}

func NewServer(coord *Coordinator, log *zap.Logger, opts ServerOptions) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		coord:   coord,
		log:     log,
		limiter: opts.Limiter,
		health:  opts.Health,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// origin policy is enforced after the upgrade so the client
			// sees a close code instead of a failed handshake
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if len(opts.AllowedOrigins) > 0 {
		s.origins = make(map[string]struct{}, len(opts.AllowedOrigins))
		for _, o := range opts.AllowedOrigins {
			s.origins[strings.TrimRight(o, "/")] = struct{}{}
		}
	}
	return s
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.logRequests)
	router.Use(corsMiddleware)

	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/", s.handleWebSocket).Methods(http.MethodGet)

	return router
}

// Middleware

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.log.Debug("handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", m.Code),
			zap.Duration("duration", m.Duration))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
			return
		}
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.coord.Rooms())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if s.limiter != nil {
		if err := s.limiter.AllowConnect(r.Context(), ip); errors.Is(err, ratelimit.ErrRateLimited) {
			http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("failed to upgrade to websocket", zap.String("remote", ip), zap.Error(err))
		return
	}

	if !s.originAllowed(r.Header.Get("Origin")) {
		s.log.Warn("rejected origin", zap.String("origin", r.Header.Get("Origin")), zap.String("remote", ip))
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "origin not allowed")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		ws.Close()
		return
	}

	q := r.URL.Query()
	role, ok := protocol.ParseRole(q.Get("role"))
	if !ok {
		role = protocol.RoleViewer
	}
	conn := NewConn(ws, role, ip)
	s.log.Debug("connection opened", zap.String("conn", conn.short()), zap.String("remote", ip), zap.String("role", string(role)))

	go s.coord.WritePump(conn)

	if room := q.Get("room"); room != "" {
		s.coord.Join(conn, role, room)
	}
	go s.coord.ReadPump(conn)
}

func (s *Server) originAllowed(origin string) bool {
	if s.origins == nil || origin == "" {
		return true
	}
	_, ok := s.origins[strings.TrimRight(origin, "/")]
	return ok
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
