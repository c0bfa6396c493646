package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"vpnshop/internal/models"
	"vpnshop/internal/panel"
)

// PanelHandler serves panel management and inbound discovery.
type PanelHandler struct {
	repos   *Repos
	factory *panel.Factory
	logger  *zap.Logger
}

func NewPanelHandler(repos *Repos, factory *panel.Factory, logger *zap.Logger) *PanelHandler {
	return &PanelHandler{repos: repos, factory: factory, logger: logger}
}

// List returns all registered panels.
// GET /api/panels
func (h *PanelHandler) List(c echo.Context) error {
	panels, err := h.repos.Panel.FindAll()
	if err != nil {
		h.logger.Error("failed to list panels", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "failed to retrieve panels")
	}
	return successResponse(c, "ok", panels)
}

// Create registers a new panel after a probe login verifies the credentials.
// POST /api/panels
func (h *PanelHandler) Create(c echo.Context) error {
	var p models.Panel
	if err := c.Bind(&p); err != nil {
		return errorResponse(c, http.StatusBadRequest, "invalid request body")
	}
	if p.Name == "" || p.URL == "" || p.Username == "" || p.Password == "" {
		return errorResponse(c, http.StatusBadRequest, "name, url, username and password are required")
	}

	api := h.factory.Get(&p)
	if err := api.EnsureSession(c.Request().Context()); err != nil {
		h.factory.Invalidate(&p)
		return panelErrorResponse(c, err)
	}

	p.Enabled = true
	if err := h.repos.Panel.Create(&p); err != nil {
		h.logger.Error("failed to create panel", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "failed to save panel")
	}
	return successResponse(c, "panel created", p)
}

// Update edits a panel and drops its cached adapter.
// PUT /api/panels/:id
func (h *PanelHandler) Update(c echo.Context) error {
	p, err := h.panelFromParam(c)
	if p == nil {
		return err
	}

	prev := *p
	if err := c.Bind(p); err != nil {
		return errorResponse(c, http.StatusBadRequest, "invalid request body")
	}
	p.ID = prev.ID

	if err := h.repos.Panel.Update(p); err != nil {
		h.logger.Error("failed to update panel", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "failed to save panel")
	}
	h.factory.Invalidate(&prev)
	h.factory.Invalidate(p)
	return successResponse(c, "panel updated", p)
}

// Delete removes a panel.
// DELETE /api/panels/:id
func (h *PanelHandler) Delete(c echo.Context) error {
	p, err := h.panelFromParam(c)
	if p == nil {
		return err
	}
	if err := h.repos.Panel.Delete(p.ID); err != nil {
		h.logger.Error("failed to delete panel", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "failed to delete panel")
	}
	h.factory.Invalidate(p)
	return successResponse(c, "panel deleted", nil)
}

// Inbounds lists a panel's inbounds live from the panel, falling back to the
// cached snapshot when the panel is unreachable.
// GET /api/panels/:id/inbounds
func (h *PanelHandler) Inbounds(c echo.Context) error {
	p, err := h.panelFromParam(c)
	if p == nil {
		return err
	}

	api := h.factory.Get(p)
	inbounds, lerr := api.ListInbounds(c.Request().Context())
	if lerr == nil {
		return successResponse(c, "ok", inbounds)
	}
	h.logger.Warn("live inbound listing failed, serving cached snapshot",
		zap.Uint("panel_id", p.ID), zap.Error(lerr))

	cached, cerr := h.repos.PanelInbound.FindByPanel(p.ID)
	if cerr != nil || len(cached) == 0 {
		return panelErrorResponse(c, lerr)
	}
	summaries := make([]panel.InboundSummary, 0, len(cached))
	for _, inb := range cached {
		summaries = append(summaries, panel.InboundSummary{
			ID:       inb.InboundID,
			Tag:      inb.Tag,
			Protocol: inb.Protocol,
			Port:     inb.Port,
			Remark:   inb.Remark,
		})
	}
	return successResponse(c, "cached", summaries)
}

func (h *PanelHandler) panelFromParam(c echo.Context) (*models.Panel, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return nil, errorResponse(c, http.StatusBadRequest, "invalid panel id")
	}
	p, err := h.repos.Panel.FindByID(uint(id))
	if err != nil {
		h.logger.Error("failed to load panel", zap.Error(err))
		return nil, errorResponse(c, http.StatusInternalServerError, "failed to load panel")
	}
	if p == nil {
		return nil, errorResponse(c, http.StatusNotFound, "panel not found")
	}
	return p, nil
}
