package handlers

import (
	"github.com/gin-gonic/gin"

	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/microservices/kitchen/service"
)

type Handler struct {
	OrderHandler *OrderHandler
	FeedHandler  *FeedHandler
}

func New(svc service.DisplayServiceInterface, log *logger.Logger) *Handler {
	return &Handler{
		OrderHandler: NewOrderHandler(svc),
		FeedHandler:  NewFeedHandler(svc, log),
	}
}

func Register(r gin.IRouter, h *Handler) {
	g := r.Group("/api/v1/kitchen/orders")
	g.GET("", h.OrderHandler.List)
	g.POST("", h.OrderHandler.Add)
	g.PUT("", h.OrderHandler.Replace)
	g.DELETE("", h.OrderHandler.Clear)
	g.PATCH("/:id", h.OrderHandler.Update)
	g.DELETE("/:id", h.OrderHandler.Remove)
	g.PATCH("/:id/items/:item_id", h.OrderHandler.UpdateItem)
	g.GET("/:id/auto-remove", h.OrderHandler.AutoRemoveState)
	g.POST("/:id/auto-remove/cancel", h.OrderHandler.CancelAutoRemove)

	r.GET("/ws", h.FeedHandler.Serve)
}
