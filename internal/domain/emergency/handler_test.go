package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/domain/identity"
	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/middleware"
)

func newTestHandler() (*Handler, *fixture, *echo.Echo) {
	f := newFixture()
	e := echo.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(zerolog.Nop())
	return NewHandler(f.svc), f, e
}

func newRequest(method, target, body string, actor auth.Actor) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req.WithContext(auth.WithActor(req.Context(), actor))
}

func expectHTTPError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != status {
		t.Errorf("expected status %d, got %d", status, he.Code)
	}
	body, ok := he.Message.(middleware.ErrorBody)
	if !ok {
		t.Fatalf("expected ErrorBody message, got %T", he.Message)
	}
	if body.Code != code {
		t.Errorf("expected code %q, got %q", code, body.Code)
	}
}

const intakeBody = `{
	"patient": {"fiscal_code": "ABC123", "first_name": "Mario", "last_name": "Rossi", "birth_date": "1980-04-12"},
	"color_code": "RED",
	"pathology_code": "C01",
	"arrival_mode": "ambulance"
}`

func TestHandler_CreateAdmission(t *testing.T) {
	h, _, e := newTestHandler()

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, "/api/v1/admissions", intakeBody, nurse), rec)

	if err := h.CreateAdmission(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var a Admission
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if a.Bracelet != "2025-0001" || a.State != StateWaiting {
		t.Errorf("unexpected admission %+v", a)
	}
}

func TestHandler_CreateAdmission_Administrative(t *testing.T) {
	h, f, e := newTestHandler()

	c := e.NewContext(newRequest(http.MethodPost, "/api/v1/admissions", intakeBody, administrative), httptest.NewRecorder())

	expectHTTPError(t, h.CreateAdmission(c), http.StatusForbidden, "forbidden")
	if p, a := f.store.counts(); p != 0 || a != 0 {
		t.Errorf("expected nothing persisted, got %d patients and %d admissions", p, a)
	}
}

func TestHandler_CreateAdmission_BadBody(t *testing.T) {
	h, _, e := newTestHandler()

	c := e.NewContext(newRequest(http.MethodPost, "/api/v1/admissions", `{"patient":`, nurse), httptest.NewRecorder())
	expectHTTPError(t, h.CreateAdmission(c), http.StatusBadRequest, "invalid_input")
}

func TestHandler_CreateAdmission_UnknownColor(t *testing.T) {
	h, _, e := newTestHandler()

	body := strings.Replace(intakeBody, `"RED"`, `"PINK"`, 1)
	c := e.NewContext(newRequest(http.MethodPost, "/api/v1/admissions", body, nurse), httptest.NewRecorder())
	expectHTTPError(t, h.CreateAdmission(c), http.StatusUnprocessableEntity, "unknown_color")
}

func TestHandler_Transition(t *testing.T) {
	h, f, e := newTestHandler()
	a, _ := f.svc.CreateAdmission(context.Background(), nurse, newIntake("P1", "RED"))

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPatch, "/", `{"state":"VIS"}`, physician), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.Transition(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Admission
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.State != StateInVisit {
		t.Errorf("expected VIS, got %s", got.State)
	}
}

func TestHandler_Transition_Errors(t *testing.T) {
	h, f, e := newTestHandler()
	a, _ := f.svc.CreateAdmission(context.Background(), nurse, newIntake("P1", "RED"))

	tests := []struct {
		name   string
		id     string
		body   string
		status int
		code   string
	}{
		{"invalid state", a.ID.String(), `{"state":"XYZ"}`, http.StatusUnprocessableEntity, "invalid_state"},
		{"unknown admission", uuid.New().String(), `{"state":"VIS"}`, http.StatusNotFound, "not_found"},
		{"malformed id", "42", `{"state":"VIS"}`, http.StatusBadRequest, "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(newRequest(http.MethodPatch, "/", tt.body, nurse), httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			expectHTTPError(t, h.Transition(c), tt.status, tt.code)
		})
	}
}

func TestHandler_ListActive(t *testing.T) {
	h, f, e := newTestHandler()
	ctx := context.Background()
	f.svc.CreateAdmission(ctx, nurse, newIntake("P1", "GREEN"))
	f.svc.CreateAdmission(ctx, nurse, newIntake("P2", "RED"))
	f.svc.CreateAdmission(ctx, nurse, newIntake("P3", "BLUE"))

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/api/v1/admissions/active?limit=2", "", administrative), rec)

	if err := h.ListActive(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Data    []QueueEntry `json:"data"`
		Total   int          `json:"total"`
		HasMore bool         `json:"has_more"`
		Next    string       `json:"next"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 3 || len(resp.Data) != 2 || !resp.HasMore {
		t.Fatalf("unexpected page %+v", resp)
	}
	if resp.Data[0].ColorCode != "RED" || resp.Data[1].ColorCode != "BLUE" {
		t.Errorf("expected RED then BLUE, got %s then %s", resp.Data[0].ColorCode, resp.Data[1].ColorCode)
	}
	if !strings.Contains(resp.Next, "offset=2") {
		t.Errorf("expected a next link to offset 2, got %q", resp.Next)
	}
}

func TestHandler_ListActive_EmptyIsArray(t *testing.T) {
	h, _, e := newTestHandler()

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/api/v1/admissions/active", "", nurse), rec)
	if err := h.ListActive(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected an empty array, got %s", rec.Body.String())
	}
}

func TestHandler_GetAdmission(t *testing.T) {
	h, f, e := newTestHandler()
	a, _ := f.svc.CreateAdmission(context.Background(), nurse, newIntake("ABC123", "RED"))

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/", "", administrative), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.GetAdmission(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var d AdmissionDetail
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Patient == nil || d.Patient.FiscalCode != "ABC123" {
		t.Errorf("expected patient ABC123, got %+v", d.Patient)
	}
	if d.Color == nil || d.Color.Code != "RED" {
		t.Errorf("expected RED color, got %+v", d.Color)
	}
}

func TestHandler_GetAdmission_NotFound(t *testing.T) {
	h, _, e := newTestHandler()

	c := e.NewContext(newRequest(http.MethodGet, "/", "", nurse), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectHTTPError(t, h.GetAdmission(c), http.StatusNotFound, "not_found")
}

func TestHandler_GetHistory(t *testing.T) {
	h, f, e := newTestHandler()
	ctx := context.Background()
	a, _ := f.svc.CreateAdmission(ctx, nurse, newIntake("P1", "RED"))
	f.svc.Transition(ctx, nurse, a.ID, "VIS")

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/", "", nurse), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.GetHistory(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var items []StatusChange
	json.Unmarshal(rec.Body.Bytes(), &items)
	if len(items) != 1 || items[0].ToState != StateInVisit {
		t.Errorf("unexpected history %+v", items)
	}
}

func TestHandler_ListByPatient(t *testing.T) {
	h, f, e := newTestHandler()
	a, _ := f.svc.CreateAdmission(context.Background(), nurse, newIntake("P1", "RED"))

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/", "", nurse), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.PatientID.String())

	if err := h.ListByPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), a.Bracelet) {
		t.Errorf("expected bracelet %s in %s", a.Bracelet, rec.Body.String())
	}

	c = e.NewContext(newRequest(http.MethodGet, "/", "", nurse), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectHTTPError(t, h.ListByPatient(c), http.StatusNotFound, "not_found")
}

func TestHandler_ListColors(t *testing.T) {
	h, _, e := newTestHandler()

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/api/v1/triage-colors", "", administrative), rec)
	if err := h.ListColors(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var colors []TriageColor
	json.Unmarshal(rec.Body.Bytes(), &colors)
	if len(colors) != 5 || colors[0].Code != "RED" || colors[4].Code != "WHITE" {
		t.Errorf("unexpected colors %+v", colors)
	}
}

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: role", ErrForbidden), http.StatusForbidden, "forbidden"},
		{ErrNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("wrap: %w", identity.ErrNotFound), http.StatusNotFound, "not_found"},
		{ErrInvalidState, http.StatusUnprocessableEntity, "invalid_state"},
		{ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{ErrUnknownColor, http.StatusUnprocessableEntity, "unknown_color"},
		{ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{identity.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{identity.ErrConstraintViolation, http.StatusConflict, "constraint_violation"},
		{fmt.Errorf("%w: 5 attempts", ErrAllocationExhausted), http.StatusInternalServerError, "allocation_exhausted"},
		{&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, http.StatusServiceUnavailable, "unavailable"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			expectHTTPError(t, httpError(tt.err), tt.status, tt.code)
		})
	}
}

func TestHTTPError_UnknownErrorPassesThrough(t *testing.T) {
	boom := errors.New("boom")
	if err := httpError(boom); err != boom {
		t.Errorf("expected the error unchanged, got %v", err)
	}
}

func TestRegisterRoutes_RequiresKnownRole(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	tests := []struct {
		role   auth.Role
		status int
	}{
		{auth.RoleAdministrative, http.StatusOK},
		{auth.RoleNurse, http.StatusOK},
		{"janitor", http.StatusForbidden},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, newRequest(http.MethodGet, "/api/v1/triage-colors", "", auth.Actor{Subject: "u", Role: tt.role}))
		if rec.Code != tt.status {
			t.Errorf("role %q: expected %d, got %d", tt.role, tt.status, rec.Code)
		}
	}
}
