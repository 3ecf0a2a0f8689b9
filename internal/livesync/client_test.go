package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jprofessionals/shopping-list-sub001/internal/auth"
	"github.com/jprofessionals/shopping-list-sub001/internal/bridge"
	"github.com/jprofessionals/shopping-list-sub001/internal/broadcast"
	"github.com/jprofessionals/shopping-list-sub001/internal/broker"
	"github.com/jprofessionals/shopping-list-sub001/internal/event"
	"github.com/jprofessionals/shopping-list-sub001/internal/model"
	"github.com/jprofessionals/shopping-list-sub001/internal/offline"
	"github.com/jprofessionals/shopping-list-sub001/internal/registry"
	"github.com/jprofessionals/shopping-list-sub001/internal/server"
	"github.com/jprofessionals/shopping-list-sub001/internal/store"
)

var tokenCfg = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

type fixture struct {
	srv   *httptest.Server
	store *store.Store
	reg   *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	st := store.New()
	reg := registry.New(logger)
	b := broker.NewMemoryBroker()
	br := bridge.New(reg, b, logger)
	disp := broadcast.NewDispatcher(2, 64, logger)
	rt := broadcast.NewRouter(reg, b, disp, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = br.Run(ctx)
	}()

	srv := httptest.NewServer(server.NewRouter(server.Deps{
		Store: st, Registry: reg, Router: rt, Bridge: br, TokenConfig: tokenCfg, Logger: logger,
	}))
	t.Cleanup(func() {
		srv.Close()
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = disp.Shutdown(sctx)
		cancel()
		<-done
		_ = b.Close()
	})
	return &fixture{srv: srv, store: st, reg: reg}
}

func token(t *testing.T, id, name string) string {
	t.Helper()
	tok, err := auth.CreateToken(id, name, tokenCfg)
	require.NoError(t, err)
	return tok
}

func (f *fixture) post(t *testing.T, path, tok string, body any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (f *fixture) sharedList(t *testing.T) model.List {
	t.Helper()
	una := model.Account{ID: "u1", DisplayName: "Una"}
	hh, err := f.store.CreateHousehold(una, "Home", 1)
	require.NoError(t, err)
	_, err = f.store.AddHouseholdMember(una, hh.ID, "u2")
	require.NoError(t, err)
	l, err := f.store.CreateList(una, "Weekly", hh.ID, 1)
	require.NoError(t, err)
	return l
}

func (f *fixture) waitSubscribed(t *testing.T, accountID string, target event.Target) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range f.reg.Subscriptions(accountID) {
			if s == target {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_AppliesEventsToCache(t *testing.T) {
	f := newFixture(t)
	l := f.sharedList(t)

	cache := offline.NewCache()
	c, err := Dial(context.Background(), f.srv.URL, token(t, "u2", "Bo"), cache, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.Len(t, c.Ready().Subscriptions, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	f.waitSubscribed(t, "u2", event.ListTarget(l.ID))

	f.post(t, "/v1/lists/"+l.ID+"/items", token(t, "u1", "Una"), map[string]any{"name": "Milk"})

	require.Eventually(t, func() bool {
		items := cache.Items(l.ID)
		return len(items) == 1 && items[0].Name == "Milk"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_ControlFrames(t *testing.T) {
	f := newFixture(t)
	l := f.sharedList(t)

	c, err := Dial(context.Background(), f.srv.URL, token(t, "u2", "Bo"), offline.NewCache(), Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	next := func() event.ControlFrame {
		t.Helper()
		select {
		case fr := <-c.Controls():
			return fr
		case <-time.After(2 * time.Second):
			t.Fatalf("no control frame")
			return event.ControlFrame{}
		}
	}

	require.NoError(t, c.Ping())
	assert.Equal(t, event.FrameTypePong, next().Type)

	require.NoError(t, c.Unsubscribe(event.ListTarget(l.ID)))
	fr := next()
	assert.Equal(t, event.FrameTypeUnsubscribed, fr.Type)
	assert.Equal(t, l.ID, fr.TargetID)

	require.NoError(t, c.Subscribe(event.ListTarget("nope")))
	assert.Equal(t, event.FrameTypeError, next().Type)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Ping(), ErrClosed)
}

func TestDial_RejectsBadToken(t *testing.T) {
	f := newFixture(t)
	_, err := Dial(context.Background(), f.srv.URL, "bogus", offline.NewCache(), Options{})
	assert.Error(t, err)
}

func TestWSURL(t *testing.T) {
	u, err := wsURL("https://sync.example.com/", "a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://sync.example.com/ws?token=a+b", u)
}
