// README: Order handlers; lifecycle transitions plus assign/release through matching.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/matching"
	"dispatch/internal/modules/order"
	"dispatch/internal/types"
)

type OrderLifecycle interface {
	Create(ctx context.Context, cmd order.CreateCommand) (types.ID, error)
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	MarkReady(ctx context.Context, id types.ID) error
	PickUp(ctx context.Context, id, driverID types.ID) error
	Deliver(ctx context.Context, id, driverID types.ID) error
	Cancel(ctx context.Context, cmd order.CancelCommand) error
}

type Matcher interface {
	RequestAssignment(ctx context.Context, orderID types.ID, reference *types.Point, urgent bool) (matching.AssignmentResult, error)
	Release(ctx context.Context, orderID, driverID types.ID, reason string) (matching.AssignmentResult, error)
	GetAssignmentStats(ctx context.Context, from, to time.Time) (matching.Stats, error)
}

type OrderHandler struct {
	orders   OrderLifecycle
	matching Matcher
}

func NewOrderHandler(orders OrderLifecycle, matching Matcher) *OrderHandler {
	return &OrderHandler{orders: orders, matching: matching}
}

type orderView struct {
	ID            types.ID     `json:"order_id"`
	CustomerID    types.ID     `json:"customer_id"`
	DriverID      *types.ID    `json:"driver_id,omitempty"`
	Status        order.Status `json:"status"`
	Pickup        types.Point  `json:"pickup"`
	Delivery      types.Point  `json:"delivery"`
	Urgent        bool         `json:"urgent"`
	RequeueCount  int          `json:"requeue_count"`
	FailureReason *string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	AssignedAt    *time.Time   `json:"assigned_at,omitempty"`
}

func newOrderView(o *order.Order) orderView {
	return orderView{
		ID:            o.ID,
		CustomerID:    o.CustomerID,
		DriverID:      o.DriverID,
		Status:        o.Status,
		Pickup:        o.Pickup,
		Delivery:      o.Delivery,
		Urgent:        o.Urgent,
		RequeueCount:  o.RequeueCount,
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
		AssignedAt:    o.AssignedAt,
	}
}

type createOrderReq struct {
	CustomerID string      `json:"customer_id"`
	Pickup     types.Point `json:"pickup"`
	Delivery   types.Point `json:"delivery"`
	Urgent     bool        `json:"urgent"`
	Ready      bool        `json:"ready"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.CustomerID) {
		writeError(c, http.StatusBadRequest, "invalid customer_id")
		return
	}
	id, err := h.orders.Create(c.Request.Context(), order.CreateCommand{
		CustomerID: types.ID(req.CustomerID),
		Pickup:     req.Pickup,
		Delivery:   req.Delivery,
		Urgent:     req.Urgent,
		Ready:      req.Ready,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	status := order.StatusPending
	if req.Ready {
		status = order.StatusReady
	}
	writeJSON(c, http.StatusCreated, gin.H{"order_id": id, "status": status})
}

func (h *OrderHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	o, err := h.orders.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

func (h *OrderHandler) MarkReady(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.orders.MarkReady(c.Request.Context(), types.ID(id)); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "status": order.StatusReady})
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelReq
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "customer_cancel"
	}
	if err := h.orders.Cancel(c.Request.Context(), order.CancelCommand{OrderID: types.ID(id), Reason: req.Reason}); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "status": order.StatusCancelled})
}

type assignReq struct {
	Reference *types.Point `json:"reference"`
	Urgent    bool         `json:"urgent"`
}

// Assign runs matching for a ready order. The body is optional.
func (h *OrderHandler) Assign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req assignReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	res, err := h.matching.RequestAssignment(c.Request.Context(), types.ID(id), req.Reference, req.Urgent)
	if err != nil {
		writeDomainErrorWith(c, err, res)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

type driverActionReq struct {
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason"`
}

func (h *OrderHandler) bindDriverAction(c *gin.Context) (string, driverActionReq, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return "", driverActionReq{}, false
	}
	var req driverActionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return "", req, false
	}
	if !isValidID(req.DriverID) {
		writeError(c, http.StatusBadRequest, "invalid driver_id")
		return "", req, false
	}
	return id, req, true
}

// Release drops the driver from the order and immediately re-matches it.
func (h *OrderHandler) Release(c *gin.Context) {
	id, req, ok := h.bindDriverAction(c)
	if !ok {
		return
	}
	res, err := h.matching.Release(c.Request.Context(), types.ID(id), types.ID(req.DriverID), req.Reason)
	if err != nil {
		writeDomainErrorWith(c, err, res)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *OrderHandler) PickUp(c *gin.Context) {
	id, req, ok := h.bindDriverAction(c)
	if !ok {
		return
	}
	if err := h.orders.PickUp(c.Request.Context(), types.ID(id), types.ID(req.DriverID)); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "status": order.StatusPickedUp})
}

func (h *OrderHandler) Deliver(c *gin.Context) {
	id, req, ok := h.bindDriverAction(c)
	if !ok {
		return
	}
	if err := h.orders.Deliver(c.Request.Context(), types.ID(id), types.ID(req.DriverID)); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "status": order.StatusDelivered})
}
