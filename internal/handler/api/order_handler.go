package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"vpnshop/internal/models"
	"vpnshop/internal/panel"
)

// OrderHandler drives the client lifecycle: provision, inspect, renew,
// rotate and delete.
type OrderHandler struct {
	repos   *Repos
	factory *panel.Factory
	logger  *zap.Logger
}

func NewOrderHandler(repos *Repos, factory *panel.Factory, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{repos: repos, factory: factory, logger: logger}
}

type createOrderRequest struct {
	PanelID      uint   `json:"panel_id"`
	InboundID    int    `json:"inbound_id"`
	OwnerID      int64  `json:"owner_id"`
	Prefix       string `json:"prefix"`
	TrafficGB    int64  `json:"traffic_gb"`
	DurationDays int    `json:"duration_days"`
	Note         string `json:"note"`
}

type renewOrderRequest struct {
	AddGB   int64 `json:"add_gb"`
	AddDays int   `json:"add_days"`
}

// orderView pairs the stored order with the client's live panel state.
type orderView struct {
	Order  *models.Order     `json:"order"`
	Client *panel.ClientInfo `json:"client,omitempty"`
}

// Create provisions a new client on a panel and records the order.
// POST /api/orders
func (h *OrderHandler) Create(c echo.Context) error {
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "invalid request body")
	}
	if req.PanelID == 0 || req.OwnerID == 0 {
		return errorResponse(c, http.StatusBadRequest, "panel_id and owner_id are required")
	}

	p, err := h.repos.Panel.FindByID(req.PanelID)
	if err != nil {
		h.logger.Error("failed to load panel", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "failed to load panel")
	}
	if p == nil || !p.Enabled {
		return errorResponse(c, http.StatusNotFound, "panel not found or disabled")
	}

	if p.Capacity > 0 {
		active, cerr := h.repos.Order.CountActiveByPanel(p.ID)
		if cerr != nil {
			h.logger.Error("capacity check failed", zap.Error(cerr))
			return errorResponse(c, http.StatusInternalServerError, "capacity check failed")
		}
		if active >= int64(p.Capacity) {
			return errorResponse(c, http.StatusConflict, "panel is at capacity")
		}
	}

	api := h.factory.Get(p)
	info, err := api.CreateUser(c.Request().Context(), panel.CreateUserRequest{
		InboundID: req.InboundID,
		OwnerID:   req.OwnerID,
		Prefix:    req.Prefix,
		Plan:      panel.Plan{TrafficGB: req.TrafficGB, DurationDays: req.DurationDays},
		Note:      req.Note,
	})
	if err != nil {
		h.logger.Error("provisioning failed",
			zap.Uint("panel_id", p.ID), zap.Int64("owner_id", req.OwnerID), zap.Error(err))
		return panelErrorResponse(c, err)
	}

	order := &models.Order{
		OwnerID:       req.OwnerID,
		PanelID:       p.ID,
		InboundID:     info.InboundID,
		PanelUsername: info.Username,
		ClientID:      info.ClientID,
		SubID:         info.SubID,
		TrafficGB:     req.TrafficGB,
		DurationDays:  req.DurationDays,
		ExpireAt:      info.ExpireAt,
		Status:        models.OrderStatusActive,
		Note:          req.Note,
	}
	if err := h.repos.Order.Create(order); err != nil {
		// The panel client exists but the order row does not; roll the
		// client back so the two sides stay consistent.
		h.logger.Error("order insert failed, rolling back panel client",
			zap.String("username", info.Username), zap.Error(err))
		if derr := api.DeleteUser(c.Request().Context(), panel.DeleteUserRequest{
			InboundID: info.InboundID,
			Username:  info.Username,
			ClientID:  info.ClientID,
		}); derr != nil {
			h.logger.Error("rollback delete failed", zap.String("username", info.Username), zap.Error(derr))
		}
		return errorResponse(c, http.StatusInternalServerError, "failed to save order")
	}

	return successResponse(c, "order created", orderView{Order: order, Client: info})
}

// Get returns an order with the client's live state from the panel.
// GET /api/orders/:id
func (h *OrderHandler) Get(c echo.Context) error {
	order, err := h.orderFromParam(c)
	if order == nil {
		return err
	}

	view := orderView{Order: order}
	if order.Panel != nil && order.Status != models.OrderStatusDeleted {
		api := h.factory.Get(order.Panel)
		info, gerr := api.GetUser(c.Request().Context(), order.PanelUsername)
		if gerr != nil {
			var notFound *panel.NotFoundError
			if !errors.As(gerr, &notFound) {
				return panelErrorResponse(c, gerr)
			}
		} else {
			view.Client = info
		}
	}
	return successResponse(c, "ok", view)
}

// ListByOwner returns a user's orders.
// GET /api/owners/:owner_id/orders
func (h *OrderHandler) ListByOwner(c echo.Context) error {
	ownerID, err := strconv.ParseInt(c.Param("owner_id"), 10, 64)
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, "invalid owner id")
	}
	orders, err := h.repos.Order.FindByOwner(ownerID)
	if err != nil {
		h.logger.Error("failed to list orders", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "failed to list orders")
	}
	return successResponse(c, "ok", orders)
}

// Renew extends an order's quota and expiry on the panel.
// POST /api/orders/:id/renew
func (h *OrderHandler) Renew(c echo.Context) error {
	order, err := h.orderFromParam(c)
	if order == nil {
		return err
	}
	var req renewOrderRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "invalid request body")
	}
	if req.AddGB <= 0 && req.AddDays <= 0 {
		return errorResponse(c, http.StatusBadRequest, "add_gb or add_days must be positive")
	}
	if order.Panel == nil {
		return errorResponse(c, http.StatusConflict, "order has no panel")
	}

	api := h.factory.Get(order.Panel)
	info, rerr := api.RenewUser(c.Request().Context(), panel.RenewUserRequest{
		InboundID: order.InboundID,
		Username:  order.PanelUsername,
		AddGB:     req.AddGB,
		AddDays:   req.AddDays,
	})
	if rerr != nil {
		h.logger.Error("renewal failed",
			zap.String("username", order.PanelUsername), zap.Error(rerr))
		return panelErrorResponse(c, rerr)
	}

	order.TrafficGB += req.AddGB
	order.DurationDays += req.AddDays
	order.ExpireAt = info.ExpireAt
	order.ClientID = info.ClientID
	order.Status = models.OrderStatusActive
	if err := h.repos.Order.Update(order); err != nil {
		h.logger.Error("order update failed after renewal", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "renewed on panel but failed to save order")
	}
	return successResponse(c, "order renewed", orderView{Order: order, Client: info})
}

// Rotate reassigns the client's credential and records the new secret.
// POST /api/orders/:id/rotate
func (h *OrderHandler) Rotate(c echo.Context) error {
	order, err := h.orderFromParam(c)
	if order == nil {
		return err
	}
	if order.Panel == nil {
		return errorResponse(c, http.StatusConflict, "order has no panel")
	}

	api := h.factory.Get(order.Panel)
	info, rerr := api.RotateKey(c.Request().Context(), panel.RotateKeyRequest{
		InboundID: order.InboundID,
		Username:  order.PanelUsername,
	})
	if rerr != nil {
		h.logger.Error("key rotation failed",
			zap.String("username", order.PanelUsername), zap.Error(rerr))
		return panelErrorResponse(c, rerr)
	}

	order.ClientID = info.ClientID
	order.SubID = info.SubID
	if err := h.repos.Order.Update(order); err != nil {
		h.logger.Error("order update failed after rotation", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "rotated on panel but failed to save order")
	}
	return successResponse(c, "key rotated", orderView{Order: order, Client: info})
}

// Delete removes the client from the panel and marks the order deleted. A
// client already gone on the panel still gets its order closed.
// DELETE /api/orders/:id
func (h *OrderHandler) Delete(c echo.Context) error {
	order, err := h.orderFromParam(c)
	if order == nil {
		return err
	}
	if order.Status == models.OrderStatusDeleted {
		return successResponse(c, "order already deleted", orderView{Order: order})
	}

	if order.Panel != nil {
		api := h.factory.Get(order.Panel)
		derr := api.DeleteUser(c.Request().Context(), panel.DeleteUserRequest{
			InboundID: order.InboundID,
			Username:  order.PanelUsername,
			ClientID:  order.ClientID,
		})
		if derr != nil {
			var notFound *panel.NotFoundError
			if !errors.As(derr, &notFound) {
				h.logger.Error("panel delete failed",
					zap.String("username", order.PanelUsername), zap.Error(derr))
				return panelErrorResponse(c, derr)
			}
		}
	}

	order.Status = models.OrderStatusDeleted
	if err := h.repos.Order.Update(order); err != nil {
		h.logger.Error("order update failed after delete", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "deleted on panel but failed to save order")
	}
	return successResponse(c, "order deleted", orderView{Order: order})
}

func (h *OrderHandler) orderFromParam(c echo.Context) (*models.Order, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return nil, errorResponse(c, http.StatusBadRequest, "invalid order id")
	}
	order, err := h.repos.Order.FindByID(uint(id))
	if err != nil {
		h.logger.Error("failed to load order", zap.Error(err))
		return nil, errorResponse(c, http.StatusInternalServerError, "failed to load order")
	}
	if order == nil {
		return nil, errorResponse(c, http.StatusNotFound, "order not found")
	}
	return order, nil
}
