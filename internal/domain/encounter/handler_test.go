package encounter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/apperr"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/auth"
)

func newTestHandler() (*Handler, *Service, *echo.Echo) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	return h, svc, e
}

func newRequest(method, target, body string, actor auth.Actor) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	return req.WithContext(auth.WithActor(req.Context(), actor))
}

func TestHandler_CreateEncounter(t *testing.T) {
	h, _, e := newTestHandler()

	req := newRequest(http.MethodPost, "/api/v1/encounters", `{"patient_id":"P1","for_consult":true}`, frontDesk)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateEncounter(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var enc Encounter
	json.Unmarshal(rec.Body.Bytes(), &enc)
	if enc.QueueNumber == nil || *enc.QueueNumber != 1 {
		t.Errorf("expected queue number 1, got %v", enc.QueueNumber)
	}
	if enc.VisitDate.String() != "2024-05-02" {
		t.Errorf("expected visit date 2024-05-02, got %s", enc.VisitDate)
	}
}

func TestHandler_CreateEncounter_BadRequest(t *testing.T) {
	h, _, e := newTestHandler()

	req := newRequest(http.MethodPost, "/api/v1/encounters", `{"notes":"walk-in"}`, frontDesk)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.CreateEncounter(c)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for missing patient_id, got %v", err)
	}
}

func TestHandler_CreateEncounter_NoActor(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/encounters", strings.NewReader(`{"patient_id":"P1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.CreateEncounter(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestHandler_GetEncounter(t *testing.T) {
	h, svc, e := newTestHandler()
	res, _ := svc.CreateEncounter(context.Background(), frontDesk, CreateInput{PatientID: "P1"})

	req := newRequest(http.MethodGet, "/", "", frontDesk)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(res.ID.String())

	if err := h.GetEncounter(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetEncounter_NotFound(t *testing.T) {
	h, _, e := newTestHandler()

	req := newRequest(http.MethodGet, "/", "", frontDesk)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if err := h.GetEncounter(c); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestHandler_GetEncounter_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()

	req := newRequest(http.MethodGet, "/", "", frontDesk)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.GetEncounter(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ListEncounters(t *testing.T) {
	h, svc, e := newTestHandler()
	svc.CreateEncounter(context.Background(), frontDesk, CreateInput{PatientID: "P1"})
	svc.CreateEncounter(context.Background(), frontDesk, CreateInput{PatientID: "P2"})

	req := newRequest(http.MethodGet, "/api/v1/encounters?branch=si&limit=1", "", frontDesk)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListEncounters(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data    []Encounter `json:"data"`
		Total   int         `json:"total"`
		HasMore bool        `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 2 {
		t.Errorf("expected total 2, got %d", page.Total)
	}
	if !page.HasMore {
		t.Error("expected has_more with limit=1")
	}
}

func TestHandler_ListEncounters_BadDate(t *testing.T) {
	h, _, e := newTestHandler()

	req := newRequest(http.MethodGet, "/api/v1/encounters?date=05/01/2024", "", frontDesk)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListEncounters(c); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHandler_UpdateEncounterStatus(t *testing.T) {
	h, svc, e := newTestHandler()
	res, _ := svc.CreateEncounter(context.Background(), frontDesk, CreateInput{PatientID: "P1"})

	req := newRequest(http.MethodPatch, "/", `{"status":"ready"}`, frontDesk)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(res.ID.String())

	if err := h.UpdateEncounterStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var enc Encounter
	json.Unmarshal(rec.Body.Bytes(), &enc)
	if enc.Status != StatusReady {
		t.Errorf("expected ready, got %s", enc.Status)
	}
}
