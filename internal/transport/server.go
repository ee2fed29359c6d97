// Package transport implements the HTTP/WS upgrade handler (C11): the
// external collaborator the core spec treats as given, presenting an
// authenticated bidirectional binary frame stream bound to a document
// name. Grounded on a gorilla/websocket upgrade handler in place of the
// project's original hand-rolled RFC 6455 accept path.
package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Polqt/yrelay/internal/actor"
	"github.com/Polqt/yrelay/internal/session"
)

func deadlineNow() time.Time { return time.Now().Add(time.Second) }

// BrokerHealth reports the broker connection's last-known health, without
// itself opening a connection — satisfied by *broker.Supervisor.
type BrokerHealth interface {
	Healthy() bool
}

// Server wires the WebSocket upgrade path and a liveness probe.
type Server struct {
	registry *actor.Registry
	auth     AuthStrategy
	log      *zap.Logger
	upgrader websocket.Upgrader
	broker   BrokerHealth
}

// Option configures an optional behavior of Server.
type Option func(*Server)

// WithAuth overrides the default allow-all strategy.
func WithAuth(a AuthStrategy) Option {
	return func(s *Server) { s.auth = a }
}

// WithBrokerHealth wires /healthz to also report broker connectivity.
func WithBrokerHealth(b BrokerHealth) Option {
	return func(s *Server) { s.broker = b }
}

// NewServer builds a Server bound to registry.
func NewServer(registry *actor.Registry, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		registry: registry,
		auth:     AllowAll{},
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers the server's handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ws/", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
}

// handleWS derives the document name from the first path segment or the
// "doc" query parameter, authenticates, upgrades, acquires the actor, and
// runs the peer session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	docName := docNameFromRequest(r)
	if docName == "" {
		http.Error(w, "missing document name", http.StatusBadRequest)
		return
	}
	if allow, reason := s.auth.Authenticate(r); !allow {
		s.log.Info("upgrade rejected", zap.String("doc", docName), zap.String("reason", reason))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	act, err := s.registry.Get(r.Context(), docName)
	if err != nil {
		s.log.Error("actor creation failed", zap.String("doc", docName), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"),
			deadlineNow())
		conn.Close()
		return
	}

	sess := session.New(uuid.NewString(), docName, conn, act, s.log)
	sess.Run(context.Background())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.broker != nil && !s.broker.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("broker unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func docNameFromRequest(r *http.Request) string {
	if doc := r.URL.Query().Get("doc"); doc != "" {
		return doc
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/ws")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	return parts[0]
}
