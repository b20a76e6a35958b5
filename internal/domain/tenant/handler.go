package tenant

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/clinicbook/booking/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/tenants", h.ListTenants)
	api.GET("/tenants/:id", h.GetTenant)
}

func (h *Handler) ListTenants(c echo.Context) error {
	p := pagination.FromContext(c)
	tenants, total, err := h.svc.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return fmt.Errorf("list clinics: %w", err)
	}
	if tenants == nil {
		tenants = []*Tenant{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(tenants, total, p).WithLinks(c.Path(), p))
}

func (h *Handler) GetTenant(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	t, err := h.svc.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Clinic not found")
	}
	if err != nil {
		return fmt.Errorf("get clinic %d: %w", id, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "data": t})
}
