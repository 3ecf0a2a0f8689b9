package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jprofessionals/shopping-list-sub001/internal/auth"
	"github.com/jprofessionals/shopping-list-sub001/internal/event"
	"github.com/jprofessionals/shopping-list-sub001/internal/model"
	"github.com/jprofessionals/shopping-list-sub001/internal/registry"
	"github.com/jprofessionals/shopping-list-sub001/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var errSlowConsumer = errors.New("send buffer full")

type WebSocketHandler struct {
	Registry    *registry.Registry
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Logger      *zap.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter queues frames for a single write pump so that fanout never waits
// on a slow socket. A full queue fails the write, which closes the
// connection.
type wsWriter struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	return &wsWriter{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

func (w *wsWriter) Write(message []byte) error {
	select {
	case <-w.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case w.send <- message:
		return nil
	case <-w.done:
		return websocket.ErrCloseSent
	default:
		return errSlowConsumer
	}
}

func (w *wsWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.conn.Close()
	})
	return err
}

func (w *wsWriter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.Write(data)
}

func (w *wsWriter) pump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case msg := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = w.Close()
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = w.Close()
				return
			}
		}
	}
}

func (h *WebSocketHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger.Named("ws")
}

// Serve authenticates with the token query parameter, registers the
// connection and subscribes it to every list and household the account can
// see before reading control frames.
func (h *WebSocketHandler) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := auth.VerifyToken(tokenString, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	account := model.Account{ID: claims.AccountID(), DisplayName: claims.DisplayName}
	h.Store.UpsertAccount(account)

	writer := newWSWriter(ws)
	go writer.pump()

	conn := &registry.Connection{ID: uuid.NewString(), AccountID: account.ID, Writer: writer}
	log := h.logger().With(zap.String("connection", conn.ID), zap.String("account", account.ID))

	h.Registry.Register(conn)
	defer func() {
		h.Registry.Unregister(conn)
		_ = writer.Close()
		log.Debug("connection closed")
	}()

	// Ready goes out before any subscription exists so it is always the
	// first frame the client sees.
	targets := h.Store.TargetsFor(account.ID)
	ready := event.ControlFrame{Type: event.FrameTypeReady, ConnectionID: conn.ID}
	for _, t := range targets {
		ready.Subscriptions = append(ready.Subscriptions, event.RefOf(t))
	}
	if err := writer.writeJSON(ready); err != nil {
		return
	}
	for _, t := range targets {
		h.Registry.Subscribe(account.ID, t)
	}
	log.Debug("connection ready", zap.Int("subscriptions", len(targets)))

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg event.ControlFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = writer.writeJSON(event.ControlFrame{Type: event.FrameTypeError, Message: "malformed frame"})
			continue
		}
		if reply := h.control(account.ID, msg); reply != nil {
			if err := writer.writeJSON(reply); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) control(accountID string, msg event.ControlFrame) *event.ControlFrame {
	switch msg.Type {
	case event.FrameTypePing:
		return &event.ControlFrame{Type: event.FrameTypePong}

	case event.FrameTypeSubscribe:
		target, err := msg.Ref().Target()
		if err != nil {
			return &event.ControlFrame{Type: event.FrameTypeError, Message: "invalid target"}
		}
		if !h.Store.CanAccess(accountID, target) {
			return &event.ControlFrame{Type: event.FrameTypeError, TargetKind: msg.TargetKind, TargetID: msg.TargetID, Message: "not found"}
		}
		if !h.Registry.Subscribe(accountID, target) {
			return &event.ControlFrame{Type: event.FrameTypeError, TargetKind: msg.TargetKind, TargetID: msg.TargetID, Message: "not connected"}
		}
		return &event.ControlFrame{Type: event.FrameTypeSubscribed, TargetKind: msg.TargetKind, TargetID: msg.TargetID}

	case event.FrameTypeUnsubscribe:
		target, err := msg.Ref().Target()
		if err != nil {
			return &event.ControlFrame{Type: event.FrameTypeError, Message: "invalid target"}
		}
		h.Registry.Unsubscribe(accountID, target)
		return &event.ControlFrame{Type: event.FrameTypeUnsubscribed, TargetKind: msg.TargetKind, TargetID: msg.TargetID}
	}
	return &event.ControlFrame{Type: event.FrameTypeError, Message: "unknown frame type"}
}
