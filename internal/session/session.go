// Package session implements the Peer Session (C6): one live client
// connection bound to one Document Actor, owning the socket read loop,
// the keep-alive ping cycle, and close cleanup. The read/write pump shape
// is grounded on a gorilla/websocket hub-and-client pattern rather than
// the hand-rolled RFC 6455 handshake this project's draft started from.
package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Polqt/yrelay/internal/actor"
	"github.com/Polqt/yrelay/internal/frame"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 10*time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20 // 1 MiB, generous for CRDT update batches
)

// Session is one attached peer. It implements actor.Peer so the actor can
// address it directly.
type Session struct {
	id     string
	docID  string
	conn   *websocket.Conn
	actor  *actor.Actor
	log    *zap.Logger
	send   chan frame.Frame
	closed chan struct{}
}

// New wraps an already-upgraded websocket connection as a Session bound
// to act. It does not attach to the actor; Run does, and the handshake
// frames Attach sends wait in the send buffer until Run starts the write
// pump.
func New(id, docID string, conn *websocket.Conn, act *actor.Actor, log *zap.Logger) *Session {
	return &Session{
		id:     id,
		docID:  docID,
		conn:   conn,
		actor:  act,
		log:    log.With(zap.String("peer", id), zap.String("doc", docID)),
		send:   make(chan frame.Frame, 32),
		closed: make(chan struct{}),
	}
}

// ID satisfies actor.Peer.
func (s *Session) ID() string { return s.id }

// Send satisfies actor.Peer. If the socket is not open, it is treated as
// closed: the frame is dropped and detach will run once via the read
// loop's own terminal handling (or, if already terminated, is a no-op).
func (s *Session) Send(f frame.Frame) error {
	select {
	case <-s.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case s.send <- f:
		return nil
	case <-s.closed:
		return websocket.ErrCloseSent
	}
}

// Run attaches to the actor, starts the write pump, and blocks running
// the read pump until the connection terminates. If Attach fails it closes
// the connection and returns without detaching; once attached, it calls
// actor.Detach exactly once before returning.
func (s *Session) Run(ctx context.Context) {
	if err := s.actor.Attach(ctx, s); err != nil {
		s.log.Warn("attach failed", zap.Error(err))
		s.conn.Close()
		return
	}
	defer s.actor.Detach(s)

	done := make(chan struct{})
	go func() {
		s.writePump()
		close(done)
	}()
	s.readPump()
	close(s.closed)
	<-done
}

// readPump validates and dispatches each incoming binary frame. Malformed
// frames are logged and dropped without closing the socket; only a
// terminal socket event ends the loop.
func (s *Session) readPump() {
	defer s.conn.Close()
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("peer connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			// Text frames are rejected per the external interface
			// contract; treat as malformed and keep the socket open.
			s.log.Warn("rejected non-binary frame", zap.Int("type", msgType))
			continue
		}
		f, err := frame.DecodeSocketFrame(data)
		if err != nil {
			s.log.Warn("malformed frame, dropping", zap.Error(err))
			continue
		}
		s.actor.IngestLocalFrame(s, f)
	}
}

// writePump serialises outbound frames and keep-alive pings onto the
// connection. A missed pong terminates the socket.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case f, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.EncodeSocketFrame(f)); err != nil {
				s.log.Debug("write failed, closing", zap.Error(err))
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Debug("ping failed, closing", zap.Error(err))
				return
			}
		case <-s.closed:
			return
		}
	}
}
