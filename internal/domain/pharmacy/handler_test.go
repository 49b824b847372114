package pharmacy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/emr/internal/platform/auth"
)

func newTestHandler() (*Handler, *Service, *echo.Echo) {
	svc, _ := newTestService()
	return NewHandler(svc), svc, echo.New()
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	return httpErr.Code
}

func TestHandler_CreateItem(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"medication_name":"Paracetamol","category":"analgesics","quantity_on_hand":40,"reorder_level":10,"unit_cost":"0.40","selling_price":"1.25"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/pharmacy/inventory", body), rec)

	if err := h.CreateItem(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got InventoryItem
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID == uuid.Nil || got.QuantityOnHand != 40 || !got.SellingPrice.Equal(dec("1.25")) {
		t.Errorf("unexpected item: %+v", got)
	}
}

func TestHandler_CreateIgnoresClientID(t *testing.T) {
	h, svc, e := newTestHandler()
	item := mustCreateItem(svc, "Warfarin", "0.80", 50)
	chosen := uuid.New()

	tests := []struct {
		name   string
		body   string
		create func(echo.Context) error
	}{
		{"item", `{"id":"` + chosen.String() + `","medication_name":"Digoxin","selling_price":"0.90"}`, h.CreateItem},
		{"pricing rule", `{"id":"` + chosen.String() + `","payer_type":"corporate","discount_percentage":"5"}`, h.CreatePricingRule},
		{"order", `{"id":"` + chosen.String() + `","patient_id":"` + uuid.NewString() + `","inventory_id":"` + item.ID.String() + `","quantity":2}`, h.CreateOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := jsonRequest(http.MethodPost, "/", tt.body)
			req = req.WithContext(auth.WithIdentity(req.Context(), "admin-1", []string{auth.RoleAdmin}))
			if err := tt.create(e.NewContext(req, rec)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var got struct {
				ID uuid.UUID `json:"id"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.ID == uuid.Nil || got.ID == chosen {
				t.Errorf("expected a server-assigned id, got %s", got.ID)
			}
		})
	}
}

func TestHandler_CreateItem_BadRequest(t *testing.T) {
	h, _, e := newTestHandler()
	for _, body := range []string{`{"selling_price":"1"}`, `{not json`} {
		c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/pharmacy/inventory", body), httptest.NewRecorder())
		if code := httpCode(t, h.CreateItem(c)); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, code)
		}
	}
}

func TestHandler_GetItem(t *testing.T) {
	h, svc, e := newTestHandler()
	item := mustCreateItem(svc, "Amoxicillin", "4.00", 12)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(item.ID.String())
	if err := h.GetItem(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	if code := httpCode(t, h.GetItem(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if code := httpCode(t, h.GetItem(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Dispense(t *testing.T) {
	h, svc, e := newTestHandler()
	item := mustCreateItem(svc, "Metformin", "0.80", 30)

	body := `{"inventory_id":"` + item.ID.String() + `","quantity":12}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/pharmacy/dispense", body), rec)
	if err := h.Dispense(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Dispensed DispenseResult `json:"dispensed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Dispensed.Medication != "Metformin" || resp.Dispensed.Quantity != 12 || resp.Dispensed.RemainingStock != 18 {
		t.Errorf("unexpected response: %s", rec.Body.String())
	}
}

func TestHandler_Dispense_InsufficientStock(t *testing.T) {
	h, svc, e := newTestHandler()
	item := mustCreateItem(svc, "Morphine", "12.00", 5)

	body := `{"inventory_id":"` + item.ID.String() + `","quantity":10}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/pharmacy/dispense", body), rec)
	if err := h.Dispense(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] != "insufficient stock" || resp["available"] != float64(5) || resp["requested"] != float64(10) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandler_AdjustStock(t *testing.T) {
	h, svc, e := newTestHandler()
	item := mustCreateItem(svc, "Insulin", "30.00", 100)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/", `{"adjustment":-150}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(item.ID.String())
	if err := h.AdjustStock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := jsonRequest(http.MethodPost, "/", `{"adjustment":25,"transaction_type":"purchase","notes":"restock"}`)
	req = req.WithContext(auth.WithIdentity(req.Context(), "pharm-9", []string{"pharmacist"}))
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(item.ID.String())
	if err := h.AdjustStock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got InventoryItem
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.QuantityOnHand != 125 {
		t.Errorf("expected 125, got %d", got.QuantityOnHand)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/", `{"adjustment":0}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(item.ID.String())
	if code := httpCode(t, h.AdjustStock(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_CalculatePrice(t *testing.T) {
	h, svc, e := newTestHandler()
	item := mustCreateItem(svc, "Ibuprofen", "20.00", 100)
	mustCreateRule(svc, PayerInsurance, nil, nil, "0", "15")

	body := `{"inventory_id":"` + item.ID.String() + `","quantity":10,"payer_type":"insurance"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/pharmacy/price", body), rec)
	if err := h.CalculatePrice(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var q PriceQuote
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatal(err)
	}
	if !q.Subtotal.Equal(dec("200")) || !q.DiscountAmount.Equal(dec("30")) || !q.FinalPrice.Equal(dec("170")) {
		t.Errorf("unexpected quote: %s", rec.Body.String())
	}

	body = `{"inventory_id":"` + item.ID.String() + `","payer_type":"barter"}`
	c = e.NewContext(jsonRequest(http.MethodPost, "/api/v1/pharmacy/price", body), httptest.NewRecorder())
	if code := httpCode(t, h.CalculatePrice(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Alerts(t *testing.T) {
	h, svc, e := newTestHandler()
	mustCreateItem(svc, "Low", "1", 2, withReorder(5))
	mustCreateItem(svc, "Expiring", "1", 50, withExpiryIn(10))

	rec := httptest.NewRecorder()
	if err := h.LowStock(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
		t.Fatal(err)
	}
	var low struct {
		Alerts []InventoryItem `json:"alerts"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &low)
	if len(low.Alerts) != 1 || low.Alerts[0].MedicationName != "Low" {
		t.Errorf("unexpected low-stock body: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	if err := h.Expiring(e.NewContext(httptest.NewRequest(http.MethodGet, "/?days=30", nil), rec)); err != nil {
		t.Fatal(err)
	}
	var exp struct {
		Expiring []InventoryItem `json:"expiring"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &exp)
	if len(exp.Expiring) != 1 || exp.Expiring[0].MedicationName != "Expiring" {
		t.Errorf("unexpected expiring body: %s", rec.Body.String())
	}

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?days=soon", nil), httptest.NewRecorder())
	if code := httpCode(t, h.Expiring(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_EmptyAlertsAreArrays(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	_ = h.LowStock(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	if !strings.Contains(rec.Body.String(), `"alerts":[]`) {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

func TestHandler_OrdersLifecycle(t *testing.T) {
	h, svc, e := newTestHandler()
	item := mustCreateItem(svc, "Atenolol", "1.10", 20)
	patient := uuid.New()

	body := `{"patient_id":"` + patient.String() + `","inventory_id":"` + item.ID.String() + `","quantity":4}`
	rec := httptest.NewRecorder()
	req := jsonRequest(http.MethodPost, "/api/v1/pharmacy/orders", body)
	req = req.WithContext(auth.WithIdentity(req.Context(), "dr-who", []string{"doctor"}))
	if err := h.CreateOrder(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var order PharmacyOrder
	_ = json.Unmarshal(rec.Body.Bytes(), &order)
	if order.Status != OrderPending || order.PrescribedBy == nil || *order.PrescribedBy != "dr-who" {
		t.Errorf("unexpected order: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	if err := h.ListOrders(e.NewContext(httptest.NewRequest(http.MethodGet, "/?status=pending", nil), rec)); err != nil {
		t.Fatal(err)
	}
	var page struct {
		Total int `json:"total"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Errorf("expected 1 pending order, got %d", page.Total)
	}

	rec = httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(order.ID.String())
	if err := h.CancelOrder(c); err != nil {
		t.Fatal(err)
	}
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(order.ID.String())
	if code := httpCode(t, h.CancelOrder(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 on second cancel, got %d", code)
	}
}

func TestHandler_InternalErrorHidesDetail(t *testing.T) {
	h, svc, e := newTestHandler()
	item := mustCreateItem(svc, "Digoxin", "2.00", 10)
	svc.ledger.(memLedger).s.appendErr = context.DeadlineExceeded

	body := `{"inventory_id":"` + item.ID.String() + `","quantity":1}`
	c := e.NewContext(jsonRequest(http.MethodPost, "/", body), httptest.NewRecorder())
	err := h.Dispense(c)
	if code := httpCode(t, err); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
	if msg := err.(*echo.HTTPError).Message; msg != "internal error" {
		t.Errorf("expected generic message, got %v", msg)
	}
}

func TestHandler_RoutesEnforceRoles(t *testing.T) {
	h, svc, e := newTestHandler()
	item := mustCreateItem(svc, "Cefalexin", "3.00", 10)

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := strings.Split(c.Request().Header.Get("X-Test-Roles"), ",")
			c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), "tester", roles)))
			return next(c)
		}
	})
	h.RegisterRoutes(e.Group("/api/v1"))

	dispense := `{"inventory_id":"` + item.ID.String() + `","quantity":1}`
	price := `{"inventory_id":"` + item.ID.String() + `"}`

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		roles  string
		want   int
	}{
		{"nurse reads inventory", http.MethodGet, "/api/v1/pharmacy/inventory", "", "nurse", http.StatusOK},
		{"receptionist cannot read inventory", http.MethodGet, "/api/v1/pharmacy/inventory", "", "receptionist", http.StatusForbidden},
		{"receptionist prices", http.MethodPost, "/api/v1/pharmacy/price", price, "receptionist", http.StatusOK},
		{"nurse cannot dispense", http.MethodPost, "/api/v1/pharmacy/dispense", dispense, "nurse", http.StatusForbidden},
		{"pharmacist dispenses", http.MethodPost, "/api/v1/pharmacy/dispense", dispense, "pharmacist", http.StatusOK},
		{"pharmacist cannot edit rules", http.MethodPost, "/api/v1/pharmacy/pricing-rules", `{"payer_type":"corporate"}`, "pharmacist", http.StatusForbidden},
		{"admin edits rules", http.MethodPost, "/api/v1/pharmacy/pricing-rules", `{"payer_type":"corporate","discount_percentage":"5"}`, "admin", http.StatusCreated},
		{"doctor reads stats", http.MethodGet, "/api/v1/pharmacy/stats", "", "doctor", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := jsonRequest(tt.method, tt.path, tt.body)
			req.Header.Set("X-Test-Roles", tt.roles)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
