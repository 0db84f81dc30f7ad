package handlers

import (
	"github.com/gin-gonic/gin"

	"bakery-kds/internal/microservices/dispatch/service"
)

type Handler struct {
	DispatchHandler *DispatchHandler
}

func New(svc service.DispatchServiceInterface) *Handler {
	return &Handler{
		DispatchHandler: NewDispatchHandler(svc),
	}
}

func Register(r gin.IRouter, h *Handler) {
	g := r.Group("/api/v1/dispatch")
	g.POST("", h.DispatchHandler.Dispatch)
	g.POST("/process", h.DispatchHandler.Process)
	g.GET("/status", h.DispatchHandler.Status)
	g.GET("/orders/:order_id", h.DispatchHandler.OrderStatus)
}
