package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"bakery-kds/internal/common/httpx"
	"bakery-kds/internal/domain"
	"bakery-kds/internal/microservices/kitchen/service"
)

type OrderHandler struct {
	svc service.DisplayServiceInterface
}

func NewOrderHandler(svc service.DisplayServiceInterface) *OrderHandler {
	return &OrderHandler{svc: svc}
}

// fail maps display errors to problem responses.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrItemNotFound):
		httpx.WriteProblem(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrStatusRegression):
		httpx.WriteProblem(c, http.StatusConflict, "status_regression", err.Error())
	case errors.Is(err, domain.ErrNoItems), errors.Is(err, domain.ErrMissingField),
		errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidStatus):
		httpx.WriteProblem(c, http.StatusUnprocessableEntity, "validation_error", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, service.ErrDisplayStopped):
		httpx.WriteProblem(c, http.StatusServiceUnavailable, "display_unavailable", err.Error())
	default:
		httpx.WriteProblem(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (h *OrderHandler) List(c *gin.Context) {
	snap, err := h.svc.Snapshot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *OrderHandler) Add(c *gin.Context) {
	var o domain.Order
	if err := c.ShouldBindJSON(&o); err != nil {
		httpx.WriteProblem(c, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	added, err := h.svc.AddOrder(c.Request.Context(), o)
	if err != nil {
		fail(c, err)
		return
	}
	code := http.StatusCreated
	if !added {
		code = http.StatusOK
	}
	c.JSON(code, gin.H{"order_id": o.ID, "added": added})
}

func (h *OrderHandler) Replace(c *gin.Context) {
	var orders []domain.Order
	if err := c.ShouldBindJSON(&orders); err != nil {
		httpx.WriteProblem(c, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	rejected, err := h.svc.SetOrders(c.Request.Context(), orders)
	if err != nil {
		fail(c, err)
		return
	}
	if rejected == nil {
		rejected = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"accepted": len(orders) - len(rejected), "rejected": rejected})
}

func (h *OrderHandler) Clear(c *gin.Context) {
	if err := h.svc.ClearOrders(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *OrderHandler) Update(c *gin.Context) {
	var p domain.OrderPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		httpx.WriteProblem(c, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := h.svc.UpdateOrder(c.Request.Context(), c.Param("id"), p); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *OrderHandler) UpdateItem(c *gin.Context) {
	var p domain.ItemPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		httpx.WriteProblem(c, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := h.svc.UpdateOrderItem(c.Request.Context(), c.Param("id"), c.Param("item_id"), p); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *OrderHandler) Remove(c *gin.Context) {
	removed, err := h.svc.RemoveOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if !removed {
		httpx.WriteProblem(c, http.StatusNotFound, "not_found", "order "+c.Param("id")+" is not displayed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *OrderHandler) AutoRemoveState(c *gin.Context) {
	st, err := h.svc.AutoRemoveState(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *OrderHandler) CancelAutoRemove(c *gin.Context) {
	if err := h.svc.CancelAutoRemove(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
