package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"bakery-kds/internal/common/httpx"
	"bakery-kds/internal/domain"
	"bakery-kds/internal/microservices/dispatch/service"
)

type DispatchHandler struct {
	svc service.DispatchServiceInterface
}

func NewDispatchHandler(svc service.DispatchServiceInterface) *DispatchHandler {
	return &DispatchHandler{svc: svc}
}

// dispatchRequest carries the order and, optionally, the subset of its items
// to send. An empty item list sends every item of the order.
type dispatchRequest struct {
	Order domain.Order       `json:"order"`
	Items []domain.OrderItem `json:"items"`
}

func (h *DispatchHandler) Dispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.WriteProblem(c, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Order.ID == "" {
		httpx.WriteProblem(c, http.StatusBadRequest, "validation_error", "order.id is required")
		return
	}

	res, err := h.svc.Dispatch(c.Request.Context(), req.Order, req.Items)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNoItems):
		httpx.WriteProblem(c, http.StatusUnprocessableEntity, "no_items", err.Error())
		return
	case errors.Is(err, domain.ErrMissingField),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidStatus):
		httpx.WriteProblem(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	default:
		httpx.WriteProblem(c, http.StatusInternalServerError, "dispatch_failed", err.Error())
		return
	}

	code := http.StatusOK
	switch {
	case len(res.Failed) > 0:
		code = http.StatusMultiStatus
	case len(res.Queued) > 0:
		code = http.StatusAccepted
	}
	c.JSON(code, res)
}

func (h *DispatchHandler) Process(c *gin.Context) {
	res, err := h.svc.ProcessQueue(c.Request.Context())
	if err != nil {
		httpx.WriteProblem(c, http.StatusInternalServerError, "process_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *DispatchHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	pending, err := h.svc.PendingCount(ctx)
	if err != nil {
		httpx.WriteProblem(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	failed, err := h.svc.FailedCount(ctx)
	if err != nil {
		httpx.WriteProblem(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "failed": failed})
}

func (h *DispatchHandler) OrderStatus(c *gin.Context) {
	id := c.Param("order_id")
	st, ok := h.svc.OrderStatus(c.Request.Context(), id)
	if !ok {
		httpx.WriteProblem(c, http.StatusNotFound, "not_found", "no dispatch for order "+id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "status": st})
}
