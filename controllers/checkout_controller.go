package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/haibanh/checkout-service/apperrors"
	"github.com/haibanh/checkout-service/middleware"
	"github.com/haibanh/checkout-service/services"
)

// CheckoutController handles HTTP requests for checkout sessions.
type CheckoutController struct {
	checkoutService services.CheckoutService
}

// NewCheckoutController creates a new CheckoutController.
func NewCheckoutController(svc services.CheckoutService) *CheckoutController {
	return &CheckoutController{checkoutService: svc}
}

// StartSession handles POST /checkout/sessions
func (cc *CheckoutController) StartSession(ctx *gin.Context) {
	userID, err := middleware.GetUserID(ctx)
	if err != nil {
		_ = ctx.Error(apperrors.ErrUnauthorized)
		return
	}

	view, err := cc.checkoutService.Start(ctx.Request.Context(), userID, middleware.GetToken(ctx))
	if err != nil {
		_ = ctx.Error(err)
		return
	}

	status := http.StatusCreated
	if view.SessionID == "" {
		status = http.StatusOK
	}
	ctx.JSON(status, view)
}

// GetSession handles GET /checkout/sessions/:id
func (cc *CheckoutController) GetSession(ctx *gin.Context) {
	userID, id, ok := sessionParams(ctx)
	if !ok {
		return
	}

	view, err := cc.checkoutService.Get(ctx.Request.Context(), userID, id)
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

// RefreshSession handles POST /checkout/sessions/:id/refresh
func (cc *CheckoutController) RefreshSession(ctx *gin.Context) {
	userID, id, ok := sessionParams(ctx)
	if !ok {
		return
	}

	view, err := cc.checkoutService.Refresh(ctx.Request.Context(), userID, id, middleware.GetToken(ctx))
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

// CancelSession handles DELETE /checkout/sessions/:id
func (cc *CheckoutController) CancelSession(ctx *gin.Context) {
	userID, id, ok := sessionParams(ctx)
	if !ok {
		return
	}

	view, err := cc.checkoutService.Cancel(ctx.Request.Context(), userID, id)
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

func sessionParams(ctx *gin.Context) (string, uuid.UUID, bool) {
	userID, err := middleware.GetUserID(ctx)
	if err != nil {
		_ = ctx.Error(apperrors.ErrUnauthorized)
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		_ = ctx.Error(apperrors.ErrSessionNotFound)
		return "", uuid.Nil, false
	}
	return userID, id, true
}
