package pharmacy

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/emr/internal/platform/auth"
	"github.com/ehr/emr/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

var (
	readRoles  = []string{auth.RoleAdmin, auth.RolePharmacist, auth.RoleDoctor, auth.RoleNurse}
	priceRoles = append(append([]string{}, readRoles...), auth.RoleReceptionist)
)

// RegisterRoutes mounts the pharmacy API on api (normally /api/v1).
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/pharmacy")

	read := g.Group("", auth.RequireRole(readRoles...))
	read.GET("/inventory", h.SearchItems)
	read.GET("/inventory/:id", h.GetItem)
	read.GET("/inventory/:id/transactions", h.ListTransactions)
	read.GET("/inventory/:id/reconcile", h.Reconcile)
	read.GET("/alerts/low-stock", h.LowStock)
	read.GET("/alerts/expiring", h.Expiring)
	read.GET("/stats", h.Stats)
	read.GET("/orders", h.ListOrders)
	read.GET("/orders/:id", h.GetOrder)

	stock := g.Group("", auth.RequireRole(auth.RoleAdmin, auth.RolePharmacist))
	stock.POST("/inventory", h.CreateItem)
	stock.PUT("/inventory/:id", h.UpdateItem)
	stock.DELETE("/inventory/:id", h.DeactivateItem)
	stock.POST("/inventory/:id/adjust", h.AdjustStock)
	stock.POST("/dispense", h.Dispense)

	price := g.Group("", auth.RequireRole(priceRoles...))
	price.POST("/price", h.CalculatePrice)
	price.GET("/pricing-rules", h.ListPricingRules)
	price.GET("/pricing-rules/:id", h.GetPricingRule)

	admin := g.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/pricing-rules", h.CreatePricingRule)
	admin.PUT("/pricing-rules/:id", h.UpdatePricingRule)
	admin.DELETE("/pricing-rules/:id", h.DeactivatePricingRule)

	g.POST("/orders", h.CreateOrder, auth.RequireRole(auth.RoleAdmin, auth.RoleDoctor))
	g.POST("/orders/:id/cancel", h.CancelOrder, auth.RequireRole(auth.RoleAdmin, auth.RoleDoctor, auth.RolePharmacist))
}

// fail converts a service error into the HTTP error response. Unexpected
// errors are logged and reported without detail.
func (h *Handler) fail(c echo.Context, err error) error {
	var ise *InsufficientStockError
	switch {
	case errors.As(err, &ise):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":     "insufficient stock",
			"available": ise.Available,
			"requested": ise.Requested,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		h.svc.logger.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("pharmacy request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// -- Inventory --

func (h *Handler) CreateItem(c echo.Context) error {
	var item InventoryItem
	if err := bind(c, &item); err != nil {
		return err
	}
	item.ID = uuid.Nil
	ctx := c.Request().Context()
	if err := h.svc.CreateItem(ctx, &item, auth.UserIDFromContext(ctx)); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *Handler) GetItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	item, err := h.svc.GetItem(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) SearchItems(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := InventoryFilter{
		Category:        c.QueryParam("category"),
		Search:          c.QueryParam("search"),
		LowStockOnly:    c.QueryParam("low_stock") == "true",
		IncludeInactive: c.QueryParam("active") == "false" || c.QueryParam("active") == "all",
	}
	items, total, err := h.svc.SearchItems(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) UpdateItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var item InventoryItem
	if err := bind(c, &item); err != nil {
		return err
	}
	item.ID = id
	if err := h.svc.UpdateItem(c.Request().Context(), &item); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) DeactivateItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeactivateItem(c.Request().Context(), id); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	txns, total, err := h.svc.ListTransactions(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(txns, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) Reconcile(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	onHand, sum, err := h.svc.VerifyLedger(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"inventory_id":     id,
		"quantity_on_hand": onHand,
		"ledger_sum":       sum,
		"balanced":         onHand == sum,
	})
}

// -- Stock movements --

func (h *Handler) AdjustStock(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req AdjustStockRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.InventoryID = id
	ctx := c.Request().Context()
	req.PerformedBy = auth.UserIDFromContext(ctx)
	item, err := h.svc.AdjustStock(ctx, req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) Dispense(c echo.Context) error {
	var req DispenseRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	req.PerformedBy = auth.UserIDFromContext(ctx)
	res, err := h.svc.Dispense(ctx, req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"dispensed": res})
}

// -- Pricing --

func (h *Handler) CalculatePrice(c echo.Context) error {
	var req PriceRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	q, err := h.svc.CalculatePrice(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) ListPricingRules(c echo.Context) error {
	activeOnly := c.QueryParam("active") != "all"
	rules, err := h.svc.ListPricingRules(c.Request().Context(), c.QueryParam("payer_type"), activeOnly)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"rules": rules})
}

func (h *Handler) GetPricingRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetPricingRule(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) CreatePricingRule(c echo.Context) error {
	var r PayerPricingRule
	if err := bind(c, &r); err != nil {
		return err
	}
	r.ID = uuid.Nil
	if err := h.svc.CreatePricingRule(c.Request().Context(), &r); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) UpdatePricingRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var upd PricingRuleUpdate
	if err := bind(c, &upd); err != nil {
		return err
	}
	r, err := h.svc.UpdatePricingRule(c.Request().Context(), id, upd)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeactivatePricingRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeactivatePricingRule(c.Request().Context(), id); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Alerts --

func (h *Handler) LowStock(c echo.Context) error {
	items, err := h.svc.LowStock(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []*InventoryItem{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"alerts": items})
}

func (h *Handler) Expiring(c echo.Context) error {
	days := 0
	if v := c.QueryParam("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be a positive integer")
		}
		days = n
	}
	items, err := h.svc.ExpiringSoon(c.Request().Context(), days)
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []*InventoryItem{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"expiring": items})
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// -- Orders --

func (h *Handler) CreateOrder(c echo.Context) error {
	var o PharmacyOrder
	if err := bind(c, &o); err != nil {
		return err
	}
	o.ID = uuid.Nil
	ctx := c.Request().Context()
	if o.PrescribedBy == nil {
		o.PrescribedBy = optional(auth.UserIDFromContext(ctx))
	}
	if err := h.svc.CreateOrder(ctx, &o); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	orders, total, err := h.svc.ListOrders(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orders, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) CancelOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.CancelOrder(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, o)
}
