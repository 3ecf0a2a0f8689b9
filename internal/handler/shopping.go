package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jprofessionals/shopping-list-sub001/internal/event"
	"github.com/jprofessionals/shopping-list-sub001/internal/middleware"
	"github.com/jprofessionals/shopping-list-sub001/internal/model"
	"github.com/jprofessionals/shopping-list-sub001/internal/registry"
	"github.com/jprofessionals/shopping-list-sub001/internal/store"
)

// Notifier fans an event out to subscribers of its target. It must not
// block on delivery.
type Notifier interface {
	Notify(e event.Event, excludeAccountID string) error
}

// ShoppingHandler serves the REST API. Every write commits to the store,
// answers the request and only then notifies.
type ShoppingHandler struct {
	Store    *store.Store
	Notifier Notifier
	// Registry, when set, subscribes the live connections of an account on
	// this process to targets it gains access to.
	Registry *registry.Registry
	Logger   *zap.Logger
}

func (h *ShoppingHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger.Named("api")
}

func currentAccount(c *gin.Context) (model.Account, bool) {
	actor, ok := middleware.AccountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return model.Account{}, false
	}
	return model.Account{ID: actor.ID, DisplayName: actor.DisplayName}, true
}

func storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, store.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, store.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// notify builds the event and hands it to the notifier. Failures only get
// logged: the write has already been committed and answered.
func (h *ShoppingHandler) notify(target event.Target, actor model.Account, payload event.Payload, excludeAccountID string) {
	if h.Notifier == nil {
		return
	}
	e, err := event.New(target, event.Actor{ID: actor.ID, DisplayName: actor.DisplayName}, payload, time.Now())
	if err != nil {
		h.logger().Error("build event", zap.String("kind", payload.Kind().String()), zap.Error(err))
		return
	}
	if err := h.Notifier.Notify(e, excludeAccountID); err != nil {
		h.logger().Warn("notify", zap.String("kind", e.Kind().String()),
			zap.String("target", target.Channel()), zap.Error(err))
	}
}

func (h *ShoppingHandler) subscribeLocal(accountID string, targets ...event.Target) {
	if h.Registry == nil {
		return
	}
	for _, t := range targets {
		h.Registry.Subscribe(accountID, t)
	}
}
