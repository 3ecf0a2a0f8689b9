package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jprofessionals/shopping-list-sub001/internal/event"
)

type createListBody struct {
	Name        string `json:"name"`
	HouseholdID string `json:"household_id"`
}

type updateListBody struct {
	Name string `json:"name"`
}

func (h *ShoppingHandler) Lists(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"lists": h.Store.ListsFor(actor.ID)})
}

// List lifecycle events go to everyone, the actor's other sessions
// included.
func (h *ShoppingHandler) CreateList(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}
	var body createListBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	l, err := h.Store.CreateList(actor, body.Name, body.HouseholdID, nowMillis())
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"list": l})
	h.subscribeLocal(actor.ID, event.ListTarget(l.ID))
	h.notify(event.ListTarget(l.ID), actor, event.ListCreated{List: l}, "")
}

func (h *ShoppingHandler) UpdateList(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}
	var body updateListBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	l, err := h.Store.UpdateList(actor, c.Param("id"), body.Name, nowMillis())
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"list": l})
	h.notify(event.ListTarget(l.ID), actor, event.ListUpdated{List: l}, "")
}

func (h *ShoppingHandler) DeleteList(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}

	l, err := h.Store.DeleteList(actor, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
	h.notify(event.ListTarget(l.ID), actor, event.ListDeleted{ListID: l.ID, HouseholdID: l.HouseholdID}, "")
}
