package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jprofessionals/shopping-list-sub001/internal/event"
	"github.com/jprofessionals/shopping-list-sub001/internal/store"
)

type addItemBody struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
}

type updateItemBody struct {
	Name     *string  `json:"name"`
	Quantity *float64 `json:"quantity"`
	Unit     *string  `json:"unit"`
	Checked  *bool    `json:"checked"`
}

func (h *ShoppingHandler) Items(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}
	items, err := h.Store.Items(actor.ID, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Item events skip the actor's own sessions; the acting client has already
// applied the change.
func (h *ShoppingHandler) AddItem(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}
	var body addItemBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	it, err := h.Store.AddItem(actor, c.Param("id"), store.ItemInput{Name: body.Name, Quantity: body.Quantity, Unit: body.Unit}, nowMillis())
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": it})
	h.notify(event.ListTarget(it.ListID), actor, event.ItemAdded{Item: it}, actor.ID)
}

func (h *ShoppingHandler) UpdateItem(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}
	var body updateItemBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	patch := store.ItemPatch{Name: body.Name, Quantity: body.Quantity, Unit: body.Unit, Checked: body.Checked}
	it, err := h.Store.UpdateItem(actor, c.Param("id"), patch, nowMillis())
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": it})

	var payload event.Payload = event.ItemUpdated{Item: it}
	if patch.OnlyChecked() {
		payload = event.ItemChecked{ItemID: it.ID, ListID: it.ListID, Checked: it.Checked}
	}
	h.notify(event.ListTarget(it.ListID), actor, payload, actor.ID)
}

func (h *ShoppingHandler) DeleteItem(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}

	it, err := h.Store.DeleteItem(actor, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
	h.notify(event.ListTarget(it.ListID), actor, event.ItemRemoved{ItemID: it.ID, ListID: it.ListID}, actor.ID)
}
