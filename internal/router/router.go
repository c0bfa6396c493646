package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"vpnshop/internal/handler/api"
	"vpnshop/internal/middleware"
)

// New builds the echo instance with all routes registered.
func New(apiToken string, guard *middleware.IdempotencyGuard,
	panels *api.PanelHandler, orders *api.OrderHandler) *echo.Echo {

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(middleware.CORS())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	g := e.Group("/api", middleware.APIAuth(apiToken), guard.Middleware())

	g.GET("/panels", panels.List)
	g.POST("/panels", panels.Create)
	g.PUT("/panels/:id", panels.Update)
	g.DELETE("/panels/:id", panels.Delete)
	g.GET("/panels/:id/inbounds", panels.Inbounds)

	g.POST("/orders", orders.Create)
	g.GET("/orders/:id", orders.Get)
	g.POST("/orders/:id/renew", orders.Renew)
	g.POST("/orders/:id/rotate", orders.Rotate)
	g.DELETE("/orders/:id", orders.Delete)
	g.GET("/owners/:owner_id/orders", orders.ListByOwner)

	return e
}
