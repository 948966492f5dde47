package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/pkg/pagination"
)

func newTestHandler() (*Handler, *Manager, *fakeRecorder, *echo.Echo) {
	m, rec := newTestManager(AssignReject)
	return NewHandler(m, 0), m, rec, echo.New()
}

// newRequest builds a context authenticated as coordinator. An empty
// coordinator leaves the request anonymous.
func newRequest(e *echo.Echo, method, target, body, coordinator string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if coordinator != "" {
		req = req.WithContext(auth.WithCoordinator(req.Context(), coordinator, []string{"coordinator"}))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func TestHandler_ListClinics(t *testing.T) {
	h, m, _, e := newTestHandler()
	mustAdd(t, m, "Heart", NewPatient("A", "x", "1", false))

	c, rec := newRequest(e, http.MethodGet, "/clinics", "", "Alice")
	if err := h.ListClinics(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []ClinicSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 || got[0].Name != "Heart" || got[0].Size != 1 {
		t.Errorf("unexpected clinics %+v", got)
	}
}

func TestHandler_CreateClinic(t *testing.T) {
	h, m, _, e := newTestHandler()
	c, rec := newRequest(e, http.MethodPost, "/clinics", `{"name":"Dental"}`, "Alice")
	if err := h.CreateClinic(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if _, err := m.Patients("Dental", nil); err != nil {
		t.Errorf("clinic not created: %v", err)
	}

	c, _ = newRequest(e, http.MethodPost, "/clinics", `{"name":"  "}`, "Alice")
	expectHTTPStatus(t, h.CreateClinic(c), http.StatusBadRequest)
}

func TestHandler_AddPatient(t *testing.T) {
	h, m, rec, e := newTestHandler()
	c, resp := newRequest(e, http.MethodPost, "/clinics/Heart/patients",
		`{"first_name":"Ada","last_name":"Lovelace","ssn":"123","critical":true}`, "Alice")
	c.SetParamNames("clinic")
	c.SetParamValues("Heart")

	if err := h.AddPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.Code)
	}
	var got Patient
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "ada_lovelace_123" || got.Clinic != "Heart" || got.Status != Unassigned {
		t.Errorf("unexpected patient %+v", got)
	}
	if _, ok := m.Find("ada_lovelace_123"); !ok {
		t.Error("patient not queued")
	}
	entries := rec.all()
	if len(entries) != 1 || entries[0].Coordinator != "Alice" || entries[0].Action != ActionAdded {
		t.Errorf("expected one added entry by Alice, got %+v", entries)
	}
}

func TestHandler_AddPatient_Errors(t *testing.T) {
	h, m, _, e := newTestHandler()
	mustAdd(t, m, "Pulmonary", NewPatient("Ada", "Lovelace", "123", false))

	tests := []struct {
		name   string
		clinic string
		body   string
		code   int
	}{
		{"duplicate in other clinic", "Heart", `{"first_name":"Ada","last_name":"Lovelace","ssn":"123"}`, http.StatusConflict},
		{"unknown clinic", "Dental", `{"first_name":"Bo","last_name":"B","ssn":"9"}`, http.StatusNotFound},
		{"missing ssn", "Heart", `{"first_name":"Bo","last_name":"B"}`, http.StatusBadRequest},
		{"malformed body", "Heart", `{"first_name":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newRequest(e, http.MethodPost, "/", tt.body, "Alice")
			c.SetParamNames("clinic")
			c.SetParamValues(tt.clinic)
			expectHTTPStatus(t, h.AddPatient(c), tt.code)
		})
	}
}

func TestHandler_AddPatient_Full(t *testing.T) {
	h, m, _, e := newTestHandler()
	for i := 0; i < DefaultIntakeCapacity; i++ {
		mustAdd(t, m, "Heart", NewPatient("P", "x", string(rune('a'+i)), false))
	}
	c, _ := newRequest(e, http.MethodPost, "/", `{"first_name":"Z","last_name":"z","ssn":"z1"}`, "Alice")
	c.SetParamNames("clinic")
	c.SetParamValues("Heart")
	expectHTTPStatus(t, h.AddPatient(c), http.StatusConflict)
}

func TestHandler_Unauthenticated(t *testing.T) {
	h, _, _, e := newTestHandler()
	handlers := map[string]echo.HandlerFunc{
		"assign":  h.Assign,
		"process": h.Process,
		"cancel":  h.Cancel,
		"release": h.Release,
		"me":      h.GetAssignment,
		"add":     h.AddPatient,
	}
	for name, fn := range handlers {
		c, _ := newRequest(e, http.MethodPost, "/", "", "")
		c.SetParamNames("clinic")
		c.SetParamValues("Heart")
		err := fn(c)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %v", name, err)
		}
	}
}

func TestHandler_AssignAndProcess(t *testing.T) {
	h, m, rec, e := newTestHandler()
	mustAdd(t, m, "Heart", NewPatient("A", "x", "1", false))
	mustAdd(t, m, "Heart", NewPatient("B", "x", "2", true))

	c, resp := newRequest(e, http.MethodPost, "/", "", "Alice")
	c.SetParamNames("clinic")
	c.SetParamValues("Heart")
	if err := h.Assign(c); err != nil {
		t.Fatalf("assign: %v", err)
	}
	var assigned Patient
	json.Unmarshal(resp.Body.Bytes(), &assigned)
	if assigned.FirstName != "B" || assigned.Status != Assigned || assigned.Coordinator != "Alice" {
		t.Fatalf("expected critical B assigned to Alice, got %+v", assigned)
	}

	c, _ = newRequest(e, http.MethodPost, "/", "", "Alice")
	c.SetParamNames("clinic")
	c.SetParamValues("Heart")
	expectHTTPStatus(t, h.Assign(c), http.StatusConflict)

	c, resp = newRequest(e, http.MethodGet, "/", "", "Alice")
	if err := h.GetAssignment(c); err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if !strings.Contains(resp.Body.String(), `"b_x_2"`) {
		t.Errorf("unexpected assignment body %s", resp.Body.String())
	}

	c, resp = newRequest(e, http.MethodPost, "/", "", "Alice")
	if err := h.Process(c); err != nil {
		t.Fatalf("process: %v", err)
	}
	var done Patient
	json.Unmarshal(resp.Body.Bytes(), &done)
	if done.Status != Processed {
		t.Errorf("expected Processed, got %s", done.Status)
	}
	if strings.Contains(resp.Body.String(), `"coordinator"`) {
		t.Errorf("processed record still names a coordinator: %s", resp.Body.String())
	}
	if m.Sizes()["Heart"] != 1 {
		t.Errorf("expected 1 patient left, got %d", m.Sizes()["Heart"])
	}
	entries := rec.all()
	if len(entries) != 1 || entries[0].Action != ActionProcessed || !entries[0].Critical {
		t.Errorf("expected one processed entry, got %+v", entries)
	}

	c, _ = newRequest(e, http.MethodPost, "/", "", "Alice")
	expectHTTPStatus(t, h.Cancel(c), http.StatusNotFound)
}

func TestHandler_AssignErrors(t *testing.T) {
	h, _, _, e := newTestHandler()

	c, _ := newRequest(e, http.MethodPost, "/", "", "Alice")
	c.SetParamNames("clinic")
	c.SetParamValues("Heart")
	expectHTTPStatus(t, h.Assign(c), http.StatusNotFound)

	c, _ = newRequest(e, http.MethodPost, "/", "", "Alice")
	c.SetParamNames("clinic")
	c.SetParamValues("Dental")
	expectHTTPStatus(t, h.Assign(c), http.StatusNotFound)
}

func TestHandler_Release(t *testing.T) {
	h, m, _, e := newTestHandler()
	mustAdd(t, m, "Heart", NewPatient("A", "x", "1", false))
	if _, err := m.Assign(context.Background(), "Heart", "Alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	c, resp := newRequest(e, http.MethodPost, "/", "", "Alice")
	if err := h.Release(c); err != nil {
		t.Fatalf("release: %v", err)
	}
	if resp.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.Code)
	}
	if p, _ := m.Find("a_x_1"); p.Status != Unassigned {
		t.Errorf("expected Unassigned after release, got %s", p.Status)
	}

	c, _ = newRequest(e, http.MethodPost, "/", "", "Alice")
	expectHTTPStatus(t, h.Release(c), http.StatusNotFound)

	c, _ = newRequest(e, http.MethodGet, "/", "", "Alice")
	expectHTTPStatus(t, h.GetAssignment(c), http.StatusNotFound)
}

func TestHandler_ListPatients(t *testing.T) {
	h, m, _, e := newTestHandler()
	for i := 0; i < 10; i++ {
		mustAdd(t, m, "Heart", NewPatient("P", "x", string(rune('a'+i)), false))
	}

	c, resp := newRequest(e, http.MethodGet, "/?page=1", "", "Alice")
	c.SetParamNames("clinic")
	c.SetParamValues("Heart")
	if err := h.ListPatients(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	var page struct {
		Data    []Patient `json:"data"`
		Total   int       `json:"total"`
		Size    int       `json:"size"`
		HasMore bool      `json:"has_more"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 10 || page.Size != pagination.DefaultSize || len(page.Data) != 1 || page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}
	if page.Data[0].SSN != "j" {
		t.Errorf("expected the tenth patient on page 1, got %s", page.Data[0].SSN)
	}
}

func TestHandler_ListPatients_HugePage(t *testing.T) {
	h, m, _, e := newTestHandler()
	mustAdd(t, m, "Heart", NewPatient("A", "x", "1", false))

	for _, target := range []string{
		"/?page=2305843009213693952&size=4",
		"/?page=9223372036854775807&size=100",
		"/?page=2305843009213693952&size=4&status=unassigned",
	} {
		c, resp := newRequest(e, http.MethodGet, target, "", "Alice")
		c.SetParamNames("clinic")
		c.SetParamValues("Heart")
		if err := h.ListPatients(c); err != nil {
			t.Fatalf("list %s: %v", target, err)
		}
		var page struct {
			Data    []Patient `json:"data"`
			Total   int       `json:"total"`
			HasMore bool      `json:"has_more"`
		}
		if err := json.Unmarshal(resp.Body.Bytes(), &page); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if page.Data == nil || len(page.Data) != 0 || page.Total != 1 || page.HasMore {
			t.Errorf("%s: expected empty last page, got %+v", target, page)
		}
	}
}

func TestHandler_ListPatients_StatusFilter(t *testing.T) {
	h, m, _, e := newTestHandler()
	mustAdd(t, m, "Heart", NewPatient("A", "x", "1", false))
	mustAdd(t, m, "Heart", NewPatient("B", "x", "2", false))
	m.Assign(context.Background(), "Heart", "Alice")

	c, resp := newRequest(e, http.MethodGet, "/?status=assigned", "", "Alice")
	c.SetParamNames("clinic")
	c.SetParamValues("Heart")
	if err := h.ListPatients(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	var page struct {
		Data  []Patient `json:"data"`
		Total int       `json:"total"`
	}
	json.Unmarshal(resp.Body.Bytes(), &page)
	if page.Total != 1 || len(page.Data) != 1 || page.Data[0].FirstName != "A" {
		t.Errorf("unexpected filtered page %+v", page)
	}

	c, _ = newRequest(e, http.MethodGet, "/?status=waiting", "", "Alice")
	c.SetParamNames("clinic")
	c.SetParamValues("Heart")
	expectHTTPStatus(t, h.ListPatients(c), http.StatusBadRequest)

	c, _ = newRequest(e, http.MethodGet, "/", "", "Alice")
	c.SetParamNames("clinic")
	c.SetParamValues("Dental")
	expectHTTPStatus(t, h.ListPatients(c), http.StatusNotFound)
}

func TestHandler_SearchPatients(t *testing.T) {
	h, m, _, e := newTestHandler()
	mustAdd(t, m, "Heart", NewPatient("Ada", "Lovelace", "1", false))
	mustAdd(t, m, "Plastic", NewPatient("Ada", "Lovelace", "2", false))
	mustAdd(t, m, "Plastic", NewPatient("ada", "Lovelace", "3", false))

	c, resp := newRequest(e, http.MethodGet, "/patients?first=Ada&last=Lovelace", "", "Alice")
	if err := h.SearchPatients(c); err != nil {
		t.Fatalf("search: %v", err)
	}
	var got []Patient
	json.Unmarshal(resp.Body.Bytes(), &got)
	if len(got) != 2 {
		t.Errorf("expected 2 exact matches, got %d", len(got))
	}

	c, _ = newRequest(e, http.MethodGet, "/patients?first=Ada", "", "Alice")
	expectHTTPStatus(t, h.SearchPatients(c), http.StatusBadRequest)
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{}
	for _, route := range []string{
		"GET /api/v1/clinics",
		"POST /api/v1/clinics",
		"GET /api/v1/clinics/:clinic/patients",
		"POST /api/v1/clinics/:clinic/patients",
		"POST /api/v1/clinics/:clinic/assign",
		"GET /api/v1/assignments/me",
		"POST /api/v1/assignments/me/process",
		"POST /api/v1/assignments/me/cancel",
		"POST /api/v1/assignments/me/release",
		"GET /api/v1/patients",
	} {
		want[route] = false
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}

func TestHandler_RoleEnforcement(t *testing.T) {
	h, _, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/clinics", strings.NewReader(`{"name":"Dental"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithCoordinator(req.Context(), "Alice", []string{"coordinator"}))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for coordinator creating a clinic, got %d", rec.Code)
	}
}
