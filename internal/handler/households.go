package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jprofessionals/shopping-list-sub001/internal/event"
)

type createHouseholdBody struct {
	Name string `json:"name"`
}

func (h *ShoppingHandler) CreateHousehold(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}
	var body createHouseholdBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	hh, err := h.Store.CreateHousehold(actor, body.Name, nowMillis())
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"household": hh})
	h.subscribeLocal(actor.ID, event.HouseholdTarget(hh.ID))
}

type addMemberBody struct {
	AccountID string `json:"account_id"`
}

func (h *ShoppingHandler) AddMember(c *gin.Context) {
	actor, ok := currentAccount(c)
	if !ok {
		return
	}
	var body addMemberBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	hh, err := h.Store.AddHouseholdMember(actor, c.Param("id"), body.AccountID)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"household": hh})
	h.subscribeLocal(body.AccountID, h.Store.TargetsFor(body.AccountID)...)
}
