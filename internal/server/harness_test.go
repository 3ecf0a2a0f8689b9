package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/jprofessionals/shopping-list-sub001/internal/auth"
	"github.com/jprofessionals/shopping-list-sub001/internal/bridge"
	"github.com/jprofessionals/shopping-list-sub001/internal/broadcast"
	"github.com/jprofessionals/shopping-list-sub001/internal/broker"
	"github.com/jprofessionals/shopping-list-sub001/internal/event"
	"github.com/jprofessionals/shopping-list-sub001/internal/registry"
	"github.com/jprofessionals/shopping-list-sub001/internal/store"
)

var testTokenConfig = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

type testServer struct {
	srv      *httptest.Server
	store    *store.Store
	registry *registry.Registry
	bridge   *bridge.Bridge
}

// newTestServer wires one server process onto network, the way cmd/server
// does with a real broker.
func newTestServer(t *testing.T, network *broker.MemoryNetwork, st *store.Store) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	reg := registry.New(logger)
	b := network.NewBroker()
	origin := uuid.NewString()
	br := bridge.New(reg, b, logger, bridge.WithOrigin(origin))
	disp := broadcast.NewDispatcher(2, 64, logger)
	rt := broadcast.NewRouter(reg, b, disp, logger, broadcast.WithOrigin(origin))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = br.Run(ctx)
	}()

	engine := NewRouter(Deps{Store: st, Registry: reg, Router: rt, Bridge: br, TokenConfig: testTokenConfig, Logger: logger})
	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		srv.Close()
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = disp.Shutdown(sctx)
		cancel()
		<-done
		_ = b.Close()
	})
	return &testServer{srv: srv, store: st, registry: reg, bridge: br}
}

func token(t *testing.T, accountID, name string) string {
	t.Helper()
	tok, err := auth.CreateToken(accountID, name, testTokenConfig)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (s *testServer) dial(t *testing.T, tok string) (*websocket.Conn, event.ControlFrame) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	var ready event.ControlFrame
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != event.FrameTypeReady {
		t.Fatalf("expected ready frame, got %+v", ready)
	}
	return conn, ready
}

// readFrame returns the next frame as raw JSON, or nil after timeout.
func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		return nil
	}
	return frame
}

func id(t *testing.T, body map[string]any, key string) string {
	t.Helper()
	obj, ok := body[key].(map[string]any)
	if !ok {
		t.Fatalf("missing %q in %v", key, body)
	}
	v, _ := obj["id"].(string)
	if v == "" {
		t.Fatalf("missing id in %v", obj)
	}
	return v
}

// waitSubscribed waits until accountID holds a subscription to target on s.
func (s *testServer) waitSubscribed(t *testing.T, accountID string, target event.Target) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, sub := range s.registry.Subscriptions(accountID) {
			if sub == target {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never subscribed to %s", accountID, target)
}
