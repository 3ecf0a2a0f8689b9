package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jprofessionals/shopping-list-sub001/internal/auth"
	"github.com/jprofessionals/shopping-list-sub001/internal/bridge"
	"github.com/jprofessionals/shopping-list-sub001/internal/broadcast"
	"github.com/jprofessionals/shopping-list-sub001/internal/handler"
	"github.com/jprofessionals/shopping-list-sub001/internal/middleware"
	"github.com/jprofessionals/shopping-list-sub001/internal/registry"
	"github.com/jprofessionals/shopping-list-sub001/internal/store"
)

const (
	writeLimit  = 120
	writeWindow = time.Minute
)

type Deps struct {
	Store       *store.Store
	Registry    *registry.Registry
	Router      *broadcast.Router
	Bridge      *bridge.Bridge
	TokenConfig auth.TokenConfig
	Logger      *zap.Logger
	// WriteLimiter defaults to writeLimit writes per account per minute.
	WriteLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		resp := gin.H{"ok": true}
		if deps.Registry != nil {
			resp["registry"] = deps.Registry.Stats()
		}
		if deps.Router != nil {
			resp["router"] = deps.Router.Stats()
		}
		if deps.Bridge != nil {
			resp["bridge"] = deps.Bridge.Stats()
		}
		c.JSON(http.StatusOK, resp)
	})

	limiter := deps.WriteLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(writeLimit, writeWindow)
	}
	writes := middleware.RateLimitMiddleware(limiter)

	api := &handler.ShoppingHandler{Store: deps.Store, Registry: deps.Registry, Logger: logger}
	if deps.Router != nil {
		api.Notifier = deps.Router
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.RequireAuth(deps.TokenConfig))

	v1.POST("/households", writes, api.CreateHousehold)
	v1.POST("/households/:id/members", writes, api.AddMember)

	v1.GET("/lists", api.Lists)
	v1.POST("/lists", writes, api.CreateList)
	v1.PATCH("/lists/:id", writes, api.UpdateList)
	v1.DELETE("/lists/:id", writes, api.DeleteList)

	v1.GET("/lists/:id/items", api.Items)
	v1.POST("/lists/:id/items", writes, api.AddItem)
	v1.PATCH("/items/:id", writes, api.UpdateItem)
	v1.DELETE("/items/:id", writes, api.DeleteItem)

	v1.GET("/lists/:id/comments", api.Comments)
	v1.POST("/lists/:id/comments", writes, api.AddComment)
	v1.PATCH("/comments/:id", writes, api.UpdateComment)
	v1.DELETE("/comments/:id", writes, api.DeleteComment)

	wsHandler := &handler.WebSocketHandler{Registry: deps.Registry, Store: deps.Store, TokenConfig: deps.TokenConfig, Logger: logger}
	r.GET("/ws", wsHandler.Serve)

	return r
}
