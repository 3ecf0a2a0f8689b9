package offline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jprofessionals/shopping-list-sub001/internal/auth"
	"github.com/jprofessionals/shopping-list-sub001/internal/model"
	"github.com/jprofessionals/shopping-list-sub001/internal/registry"
	"github.com/jprofessionals/shopping-list-sub001/internal/server"
	"github.com/jprofessionals/shopping-list-sub001/internal/store"
)

func newAPI(t *testing.T) (*httptest.Server, *store.Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	cfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	st := store.New()
	engine := server.NewRouter(server.Deps{
		Store:       st,
		Registry:    registry.New(logger),
		TokenConfig: cfg,
		Logger:      logger,
	})
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	tok, err := auth.CreateToken("u1", "Una", cfg)
	require.NoError(t, err)
	return srv, st, tok
}

func TestHTTPRemote_RoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, _, tok := newAPI(t)
	remote := NewHTTPRemote(srv.URL, tok)

	require.NoError(t, remote.Ping(ctx))

	res, err := remote.Apply(ctx, mustMutation(t, OpCreate, EntityList, "", "", ListInput{Name: "Weekly"}))
	require.NoError(t, err)
	require.NotNil(t, res.List)
	listID := res.List.ID

	res, err = remote.Apply(ctx, mustMutation(t, OpCreate, EntityItem, "", listID, ItemInput{Name: "Milk", Quantity: 2, Unit: "l"}))
	require.NoError(t, err)
	require.NotNil(t, res.Item)
	itemID := res.Item.ID
	assert.Equal(t, listID, res.Item.ListID)
	assert.Equal(t, 2.0, res.Item.Quantity)

	checked := true
	res, err = remote.Apply(ctx, mustMutation(t, OpUpdate, EntityItem, itemID, "", ItemPatch{Checked: &checked}))
	require.NoError(t, err)
	assert.True(t, res.Item.Checked)

	items, err := remote.Items(ctx, listID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, itemID, items[0].ID)

	res, err = remote.Apply(ctx, mustMutation(t, OpCreate, EntityComment, "", listID, CommentInput{Text: "organic"}))
	require.NoError(t, err)
	assert.Equal(t, "Una", res.Comment.AuthorName)

	res, err = remote.Apply(ctx, mustMutation(t, OpDelete, EntityItem, itemID, "", nil))
	require.NoError(t, err)
	assert.Empty(t, res.ID())

	_, err = remote.Apply(ctx, mustMutation(t, OpDelete, EntityItem, itemID, "", nil))
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusNotFound, re.StatusCode)
	assert.False(t, IsConnectivityError(err))
}

func TestHTTPRemote_Errors(t *testing.T) {
	ctx := context.Background()
	srv, _, tok := newAPI(t)

	_, err := NewHTTPRemote(srv.URL, "bogus").Apply(ctx, mustMutation(t, OpCreate, EntityList, "", "", ListInput{Name: "x"}))
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusUnauthorized, re.StatusCode)

	_, err = NewHTTPRemote(srv.URL, tok).Apply(ctx, mustMutation(t, OpCreate, EntityList, "", "", ListInput{Name: " "}))
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusBadRequest, re.StatusCode)
	assert.False(t, IsConnectivityError(err))

	_, err = NewHTTPRemote(srv.URL, tok).Apply(ctx, mustMutation(t, OpUpdate, EntityItem, "local-x", "", ItemPatch{}))
	assert.Error(t, err)

	srv.Close()
	err = NewHTTPRemote(srv.URL, tok).Ping(ctx)
	require.Error(t, err)
	assert.True(t, IsConnectivityError(err))
}

// switchRemote fails every call with ErrOffline while offline is set.
type switchRemote struct {
	Remote
	offline atomic.Bool
}

func (s *switchRemote) Apply(ctx context.Context, m Mutation) (Result, error) {
	if s.offline.Load() {
		return Result{}, ErrOffline
	}
	return s.Remote.Apply(ctx, m)
}

func TestRepository_OfflineSessionConverges(t *testing.T) {
	ctx := context.Background()
	srv, st, tok := newAPI(t)
	remote := &switchRemote{Remote: NewHTTPRemote(srv.URL, tok)}
	repo := NewRepository(remote, newQueue(t), NewCache(), Options{
		Account: model.Account{ID: "u1", DisplayName: "Una"},
		Logger:  zaptest.NewLogger(t),
	})

	remote.offline.Store(true)
	l, err := repo.CreateList(ctx, "Weekly", "")
	require.NoError(t, err)
	milk, err := repo.AddItem(ctx, l.ID, ItemInput{Name: "Milk"})
	require.NoError(t, err)
	_, err = repo.CheckItem(ctx, milk.ID, true)
	require.NoError(t, err)
	eggs, err := repo.AddItem(ctx, l.ID, ItemInput{Name: "Eggs"})
	require.NoError(t, err)
	require.NoError(t, repo.DeleteItem(ctx, eggs.ID))
	assert.Empty(t, st.ListsFor("u1"))

	remote.offline.Store(false)
	rep, err := repo.ReplayPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Sent: 3}, rep)

	n, err := repo.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	lists := st.ListsFor("u1")
	require.Len(t, lists, 1)
	listID := lists[0].ID
	assert.Equal(t, listID, repo.Resolve(EntityList, l.ID))

	serverItems, err := st.Items("u1", listID)
	require.NoError(t, err)
	require.Len(t, serverItems, 1)
	assert.True(t, serverItems[0].Checked)
	assert.Equal(t, serverItems, repo.Cache().Items(listID))
}
