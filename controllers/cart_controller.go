package controllers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haibanh/checkout-service/apperrors"
	"github.com/haibanh/checkout-service/middleware"
	"github.com/haibanh/checkout-service/models"
	"github.com/haibanh/checkout-service/services"
)

// CartSubscriber is the part of the event broker the SSE stream needs.
type CartSubscriber interface {
	Subscribe(userID string) (<-chan models.CartChangedEvent, func())
}

type CartController struct {
	cartService services.CartService
	events      CartSubscriber
	heartbeat   time.Duration
}

func NewCartController(svc services.CartService, events CartSubscriber, heartbeat time.Duration) *CartController {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &CartController{cartService: svc, events: events, heartbeat: heartbeat}
}

// GetCart returns the unpaid items, their count and total.
func (cc *CartController) GetCart(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		_ = c.Error(apperrors.ErrUnauthorized)
		return
	}

	summary, err := cc.cartService.Summary(c.Request.Context(), userID, middleware.GetToken(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetPurchased returns the items the user has paid for.
func (cc *CartController) GetPurchased(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		_ = c.Error(apperrors.ErrUnauthorized)
		return
	}

	summary, err := cc.cartService.Purchased(c.Request.Context(), userID, middleware.GetToken(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// AddItem puts a product in the cart.
func (cc *CartController) AddItem(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		_ = c.Error(apperrors.ErrUnauthorized)
		return
	}

	var req models.AddCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Wrap(apperrors.ErrBadRequest, err))
		return
	}

	item, err := cc.cartService.AddItem(c.Request.Context(), userID, middleware.GetToken(c), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

// RemoveItem deletes one unpaid item from the cart.
func (cc *CartController) RemoveItem(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		_ = c.Error(apperrors.ErrUnauthorized)
		return
	}

	if err := cc.cartService.RemoveItem(c.Request.Context(), userID, middleware.GetToken(c), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "item removed"})
}

// StreamEvents pushes cart_updated events to the browser as server-sent
// events until the client disconnects.
func (cc *CartController) StreamEvents(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		_ = c.Error(apperrors.ErrUnauthorized)
		return
	}

	events, cancel := cc.events.Subscribe(userID)
	defer cancel()

	ticker := time.NewTicker(cc.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case evt, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(evt.EventType, evt)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}
