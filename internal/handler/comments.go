package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jprofessionals/shopping-list-sub001/internal/event"
)

type commentBody struct {
	Text string `json:"text"`
}

func (h *ShoppingHandler) Comments(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}
	comments, err := h.Store.Comments(actor.ID, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

func (h *ShoppingHandler) AddComment(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}
	var body commentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	cm, err := h.Store.AddComment(actor, c.Param("id"), body.Text, nowMillis())
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"comment": cm})
	h.notify(event.ListTarget(cm.ListID), actor, event.CommentAdded{Comment: cm}, actor.ID)
}

func (h *ShoppingHandler) UpdateComment(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}
	var body commentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	cm, err := h.Store.UpdateComment(actor, c.Param("id"), body.Text, nowMillis())
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comment": cm})
	h.notify(event.ListTarget(cm.ListID), actor, event.CommentUpdated{Comment: cm}, actor.ID)
}

func (h *ShoppingHandler) DeleteComment(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}

	cm, err := h.Store.DeleteComment(actor, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
	h.notify(event.ListTarget(cm.ListID), actor, event.CommentDeleted{CommentID: cm.ID, ListID: cm.ListID}, actor.ID)
}
