package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cc_session_hub/internal/bus"
	"cc_session_hub/internal/event"
	"cc_session_hub/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxCommandSize = 1 << 20
)

// peer wraps a connection with a write lock; gorilla allows one concurrent
// writer.
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(kind int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(kind, data)
}

func (p *peer) send(ev *event.Event) error {
	if ev.Kind == event.KindTerminal {
		return p.write(websocket.BinaryMessage, ev.Data)
	}
	raw, err := ev.MarshalJSON()
	if err != nil {
		return err
	}
	return p.write(websocket.TextMessage, raw)
}

// keepalive pings until ctx ends. Reads extend their deadline on every pong.
func (p *peer) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (p *peer) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = p.conn.Close()
}

// upgrade switches the request to a WebSocket and registers it for shutdown.
func (s *Server) upgrade(c *gin.Context) (*peer, bool) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered the request
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return nil, false
	}
	if !s.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return nil, false
	}
	conn.SetReadLimit(maxCommandSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &peer{conn: conn}, true
}

// command is one inbound message on a session stream.
type command struct {
	Type string `json:"type"`

	Text  string `json:"text"`
	Model string `json:"model"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`

	RequestID string `json:"requestId"`
	// ToolName is informational; the gate knows the tool of each request.
	ToolName string `json:"toolName"`
	decisionBody
}

// stream attaches a viewer to one session: a connected notice, the history,
// then live events. Commands from the viewer are applied as they arrive.
func (s *Server) stream(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	sub, err := sess.Subscribe()
	if err != nil {
		s.fail(c, err)
		return
	}
	p, ok := s.upgrade(c)
	if !ok {
		sub.Close()
		return
	}
	defer s.untrack(p.conn)

	s.metrics.ViewerConnected("session")
	defer s.metrics.ViewerDisconnected("session")
	log := s.log.With(zap.String("session", sess.ID()))
	log.Debug("viewer attached", zap.Int("history", len(sub.History)))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go p.keepalive(ctx)
	go func() {
		// a viewer hanging up ends the subscription, which ends the writer
		defer sub.Close()
		s.readCommands(ctx, p, sess, log)
	}()

	if err := s.replay(p, sess, sub); err != nil {
		sub.Close()
		_ = p.conn.Close()
		return
	}
	for ev := range sub.Live.C {
		if err := p.send(ev); err != nil {
			sub.Close()
			break
		}
	}

	switch err := sub.Live.Err(); {
	case errors.Is(err, bus.ErrSlowSubscriber):
		_ = p.send(event.Error(sess.ID(), "viewer fell behind; reconnect to resume"))
		p.close(websocket.CloseTryAgainLater, "too slow")
	case errors.Is(err, bus.ErrTopicClosed):
		p.close(websocket.CloseNormalClosure, "session deleted")
	default:
		_ = p.conn.Close()
	}
	log.Debug("viewer detached")
}

func (s *Server) replay(p *peer, sess *session.Session, sub *session.Subscription) error {
	if err := p.send(event.Connected(sess.ID(), sess.Info())); err != nil {
		return err
	}
	if len(sub.Screen) > 0 {
		if err := p.write(websocket.BinaryMessage, sub.Screen); err != nil {
			return err
		}
	}
	for _, ev := range sub.History {
		if err := p.send(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) readCommands(ctx context.Context, p *peer, sess *session.Session, log *zap.Logger) {
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			err = sess.SendKeys(ctx, data)
		} else {
			err = s.apply(ctx, sess, data)
		}
		if err != nil {
			log.Debug("command failed", zap.Error(err))
			_ = p.send(event.Error(sess.ID(), err.Error()))
		}
	}
}

func (s *Server) apply(ctx context.Context, sess *session.Session, data []byte) error {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return badRequest("command: %v", err)
	}
	switch cmd.Type {
	case "user_message":
		return sess.SendText(ctx, cmd.Text)
	case "permission_decision":
		d, err := cmd.decision()
		if err != nil {
			return err
		}
		return sess.Decide(cmd.RequestID, d)
	case "interrupt":
		return sess.Interrupt(ctx)
	case "set_model":
		return sess.SetModel(ctx, cmd.Model)
	case "resize":
		return sess.Resize(cmd.Cols, cmd.Rows)
	}
	return badRequest("unknown command %q", cmd.Type)
}

// notifications streams lifecycle events to one client as JSON objects.
func (s *Server) notifications(c *gin.Context) {
	p, ok := s.upgrade(c)
	if !ok {
		return
	}
	defer s.untrack(p.conn)
	s.metrics.ViewerConnected("notifications")
	defer s.metrics.ViewerDisconnected("notifications")

	sub := s.notifier.Subscribe()
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go p.keepalive(ctx)
	go func() {
		defer sub.Close()
		for {
			if _, _, err := p.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range sub.C {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := p.write(websocket.TextMessage, data); err != nil {
			sub.Close()
			break
		}
	}
	if errors.Is(sub.Err(), bus.ErrSlowSubscriber) {
		p.close(websocket.CloseTryAgainLater, "too slow")
		return
	}
	_ = p.conn.Close()
}
