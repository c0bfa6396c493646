package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"vpnshop/internal/panel"
	"vpnshop/internal/repository"
)

// Repos bundles the repositories handlers need.
type Repos struct {
	Panel        *repository.PanelRepository
	Order        *repository.OrderRepository
	PanelInbound *repository.PanelInboundRepository
}

// apiResponse is the common envelope for all API answers.
type apiResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func successResponse(c echo.Context, message string, data interface{}) error {
	return c.JSON(http.StatusOK, apiResponse{Success: true, Message: message, Data: data})
}

func errorResponse(c echo.Context, status int, message string) error {
	return c.JSON(status, apiResponse{Success: false, Message: message})
}

// panelErrorResponse maps adapter error types onto HTTP statuses. Upstream
// panel trouble is a 502: the request was fine, the panel was not.
func panelErrorResponse(c echo.Context, err error) error {
	var notFound *panel.NotFoundError
	if errors.As(err, &notFound) {
		return errorResponse(c, http.StatusNotFound, err.Error())
	}
	var auth *panel.AuthError
	if errors.As(err, &auth) {
		return errorResponse(c, http.StatusBadGateway, err.Error())
	}
	var exhausted *panel.EndpointExhaustedError
	if errors.As(err, &exhausted) {
		return errorResponse(c, http.StatusBadGateway, err.Error())
	}
	var verify *panel.VerificationFailedError
	if errors.As(err, &verify) {
		return errorResponse(c, http.StatusBadGateway, err.Error())
	}
	return errorResponse(c, http.StatusInternalServerError, err.Error())
}
