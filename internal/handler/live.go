package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/auth"
	"github.com/amoylab/esilink/internal/common/errorx"
	"github.com/amoylab/esilink/internal/session"
	"github.com/amoylab/esilink/internal/tick"
	"github.com/amoylab/esilink/pkg/metrics"
)

// EventHello is the first message of a live connection and carries the
// last snapshot of the session, if any
const EventHello = "hello"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Live upgrades clients to a websocket fed by their session's live channel
type Live struct {
	registry *session.Registry
	engine   *tick.Engine
	guard    *auth.Guard
	metrics  *metrics.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewLive(registry *session.Registry, engine *tick.Engine, guard *auth.Guard, m *metrics.Metrics, allowedOrigin string, logger *zap.Logger) *Live {
	return &Live{
		registry: registry,
		engine:   engine,
		guard:    guard,
		metrics:  m,
		logger:   logger.Named("handler.live"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "*" || origin == allowedOrigin || origin == "http://"+r.Host || origin == "https://"+r.Host
			},
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// HandleLive pumps tick events to the client until it disconnects. Every
// connection of a session gets every event. The session record is deleted
// when its last connection goes away.
func (l *Live) HandleLive(c *gin.Context) {
	sessionID := SessionID(c)

	conn, err := l.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.logger.Warn("failed to upgrade live connection", zap.Error(err))
		return
	}
	defer conn.Close()

	rec, detach := l.registry.Attach(sessionID)
	events, release := rec.Live().Subscribe()
	l.metrics.LiveConnected()
	l.logger.Info("live client connected", zap.String("session", sessionID))

	defer func() {
		release()
		detach()
		l.metrics.LiveDisconnected()
		if l.registry.DeleteIfDetached(rec) {
			l.logger.Debug("deleted session record after last disconnect", zap.String("session", sessionID))
		}
		l.logger.Info("live client disconnected", zap.String("session", sessionID))
	}()

	st := rec.State()
	hello := &session.Event{Type: EventHello, Counter: st.TickCounter}
	if st.CachedData != nil {
		if hello.Data, err = json.Marshal(st.CachedData); err != nil {
			l.logger.Error("failed to marshal snapshot", zap.Error(err))
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		l.logger.Debug("failed to send hello", zap.Error(err))
		return
	}

	l.startIfActive(c.Request.Context(), sessionID)

	done := make(chan struct{})
	go l.write(conn, events, done)
	l.read(conn)
	close(done)
}

// startIfActive starts ticking when the session's user has an active character
func (l *Live) startIfActive(ctx context.Context, sessionID string) {
	_, character, err := l.guard.ActiveCharacter(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, errorx.ErrNotAuthorized) {
			l.logger.Warn("failed to load active character", zap.String("session", sessionID), zap.Error(err))
		}
		return
	}
	l.registry.Mutate(sessionID, func(s *session.State) {
		s.RefreshRequested = true
	})
	l.engine.Start(sessionID)
	l.logger.Debug("started ticking",
		zap.String("session", sessionID),
		zap.Int64("character_id", character.CharacterID))
}

func (l *Live) read(conn *websocket.Conn) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				l.logger.Debug("live connection error", zap.Error(err))
			}
			return
		}
	}
}

// write forwards this connection's own event queue until the queue closes
// or the reader is done
func (l *Live) write(conn *websocket.Conn, events <-chan *session.Event, done <-chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				_ = conn.Close()
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
