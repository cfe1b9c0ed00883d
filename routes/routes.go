package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/haibanh/checkout-service/controllers"
)

// RegisterRoutes sets up the checkout and cart routes. Both groups require
// authentication; starting a session is additionally rate limited because
// each start reserves an order code.
func RegisterRoutes(
	r *gin.Engine,
	checkout *controllers.CheckoutController,
	cart *controllers.CartController,
	auth gin.HandlerFunc,
	rateLimit gin.HandlerFunc,
) {
	sessions := r.Group("/checkout/sessions")
	sessions.Use(auth)
	{
		sessions.POST("", rateLimit, checkout.StartSession)
		sessions.GET("/:id", checkout.GetSession)
		sessions.POST("/:id/refresh", checkout.RefreshSession)
		sessions.DELETE("/:id", checkout.CancelSession)
	}

	cartGroup := r.Group("/cart")
	cartGroup.Use(auth)
	{
		cartGroup.GET("", cart.GetCart)
		cartGroup.GET("/purchased", cart.GetPurchased)
		cartGroup.POST("/items", cart.AddItem)
		cartGroup.DELETE("/items/:id", cart.RemoveItem)
		cartGroup.GET("/events", cart.StreamEvents)
	}
}
