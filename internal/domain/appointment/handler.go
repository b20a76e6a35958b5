package appointment

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the clinic-scoped appointment endpoints. Outcomes of
// the booking core, failures included, are answered with 200 and a Result.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/clinics/:clinic_id/appointments")
	g.POST("", h.Book)
	g.GET("", h.List)
	g.GET("/:ref", h.Get)
	g.PUT("/:ref/status", h.UpdateStatus)
	g.DELETE("/:ref", h.Delete)
}

func (h *Handler) Book(c echo.Context) error {
	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	res, err := h.svc.Book(c.Request().Context(), c.Param("clinic_id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) List(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	res, err := h.svc.List(c.Request().Context(), c.Param("clinic_id"), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Get(c echo.Context) error {
	res, err := h.svc.Get(c.Request().Context(), c.Param("clinic_id"), c.Param("ref"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	var upd StatusUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	res, err := h.svc.UpdateStatus(c.Request().Context(), c.Param("clinic_id"), c.Param("ref"), upd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Delete(c echo.Context) error {
	res, err := h.svc.Delete(c.Request().Context(), c.Param("clinic_id"), c.Param("ref"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func filterFromQuery(c echo.Context) (ListFilter, error) {
	f := ListFilter{
		DateFrom: c.QueryParam("date_from"),
		DateTo:   c.QueryParam("date_to"),
	}
	if v := c.QueryParam("status"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid status filter")
		}
		f.Status = &n
	}
	for _, p := range []struct {
		name string
		dst  **int64
	}{
		{"doctor_id", &f.DoctorID},
		{"patient_id", &f.PatientID},
	} {
		v := c.QueryParam(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid "+p.name+" filter")
		}
		*p.dst = &n
	}
	return f, nil
}
