// Package livesync keeps a client's local state current by applying the
// events the sync server pushes over its websocket.
package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jprofessionals/shopping-list-sub001/internal/event"
)

const (
	writeWait        = 10 * time.Second
	readyWait        = 10 * time.Second
	defaultKeepAlive = 30 * time.Second
	controlBuffer    = 64
)

var ErrClosed = errors.New("livesync: client closed")

type Options struct {
	// KeepAlive is the interval between ping frames.
	KeepAlive time.Duration
	Logger    *zap.Logger
	Dialer    *websocket.Dialer
}

// Client is one websocket session. Events are applied to the handler from
// the Run goroutine, one at a time and in arrival order.
type Client struct {
	conn      *websocket.Conn
	handler   event.Handler
	keepAlive time.Duration
	logger    *zap.Logger

	ready    event.ControlFrame
	controls chan event.ControlFrame

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func wsURL(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws")
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects and waits for the server's ready frame.
func Dial(ctx context.Context, baseURL, token string, h event.Handler, opts Options) (*Client, error) {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	target, err := wsURL(baseURL, token)
	if err != nil {
		return nil, err
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	var ready event.ControlFrame
	_ = conn.SetReadDeadline(time.Now().Add(readyWait))
	if err := conn.ReadJSON(&ready); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read ready frame: %w", err)
	}
	if ready.Type != event.FrameTypeReady {
		_ = conn.Close()
		return nil, fmt.Errorf("expected ready frame, got %q", ready.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:      conn,
		handler:   h,
		keepAlive: opts.KeepAlive,
		ready:     ready,
		controls:  make(chan event.ControlFrame, controlBuffer),
		done:      make(chan struct{}),
	}
	c.logger = opts.Logger.Named("livesync").With(zap.String("connection", ready.ConnectionID))
	return c, nil
}

// Ready returns the frame the server greeted this session with, including
// its initial subscriptions.
func (c *Client) Ready() event.ControlFrame { return c.ready }

// Controls delivers subscribed, unsubscribed, pong and error replies.
// Replies are dropped when nobody reads them.
func (c *Client) Controls() <-chan event.ControlFrame { return c.controls }

func (c *Client) send(f event.ControlFrame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *Client) Subscribe(t event.Target) error {
	ref := event.RefOf(t)
	return c.send(event.ControlFrame{Type: event.FrameTypeSubscribe, TargetKind: ref.TargetKind, TargetID: ref.TargetID})
}

func (c *Client) Unsubscribe(t event.Target) error {
	ref := event.RefOf(t)
	return c.send(event.ControlFrame{Type: event.FrameTypeUnsubscribe, TargetKind: ref.TargetKind, TargetID: ref.TargetID})
}

func (c *Client) Ping() error {
	return c.send(event.ControlFrame{Type: event.FrameTypePing})
}

// Run reads frames until ctx is done or the connection fails, pinging the
// server every KeepAlive interval. It closes the client on return.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop() }()

	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				return fmt.Errorf("keep-alive: %w", err)
			}
		}
	}
}

func (c *Client) readLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.logger.Warn("malformed frame", zap.Error(err))
		return
	}

	if head.Type != event.FrameTypeEvent {
		var f event.ControlFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("malformed control frame", zap.Error(err))
			return
		}
		if f.Type == event.FrameTypeError {
			c.logger.Debug("server error frame", zap.String("message", f.Message))
		}
		select {
		case c.controls <- f:
		default:
		}
		return
	}

	e, err := event.Decode(data)
	if err != nil {
		c.logger.Warn("undecodable event", zap.Error(err))
		return
	}
	if err := event.Dispatch(e, c.handler); err != nil {
		c.logger.Warn("apply event", zap.String("kind", e.Kind().String()),
			zap.String("id", e.ID), zap.Error(err))
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
