package followup

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/auth"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/middleware"
)

// newTestServer mounts the followup routes behind a stub that injects the
// actor under test.
func newTestServer(t *testing.T, actor *auth.Actor) (*echo.Echo, *Service, *memRepo) {
	t.Helper()
	svc, repo, _ := newTestService(t)
	e := echo.New()
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(zerolog.Nop())
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if actor != nil {
				req := c.Request()
				c.SetRequest(req.WithContext(auth.WithActor(req.Context(), *actor)))
			}
			return next(c)
		}
	})
	NewHandler(svc).RegisterRoutes(api)
	return e, svc, repo
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_UpsertFollowup(t *testing.T) {
	e, _, repo := newTestServer(t, &doctor)

	rec := do(e, http.MethodPost, "/api/v1/followups",
		`{"patient_id":"P1","created_from_consultation_id":"C100","due_date":"2024-05-01","return_branch":"SI"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var f Followup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &f))
	assert.Equal(t, "2024-05-01", f.DueDate.String())
	assert.Equal(t, "2024-05-08", f.ValidUntil.String())
	assert.Equal(t, 1, repo.scheduledCount("P1"))
}

func TestHandler_UpsertFollowup_MissingDueDate(t *testing.T) {
	e, _, _ := newTestServer(t, &doctor)

	rec := do(e, http.MethodPost, "/api/v1/followups", `{"patient_id":"P1","created_from_consultation_id":"C100"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "due_date is required")
}

func TestHandler_PatientCannotWrite(t *testing.T) {
	e, _, _ := newTestServer(t, &patient)

	rec := do(e, http.MethodPost, "/api/v1/followups",
		`{"patient_id":"P1","created_from_consultation_id":"C100","due_date":"2024-05-01"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_Unauthenticated(t *testing.T) {
	e, _, _ := newTestServer(t, nil)

	rec := do(e, http.MethodGet, "/api/v1/followups?patient_id=P1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_PatientListIsForcedToSelf(t *testing.T) {
	e, _, repo := newTestServer(t, &patient)
	repo.put(&Followup{PatientID: "P1", CreatedFromConsultationID: "C1", DueDate: caldate.MustParse("2024-05-01")})
	repo.put(&Followup{PatientID: "P2", CreatedFromConsultationID: "C2", DueDate: caldate.MustParse("2024-05-01")})

	rec := do(e, http.MethodGet, "/api/v1/followups?patient_id=P2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Data  []Followup `json:"data"`
		Total int        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, "P1", page.Data[0].PatientID)
}

func TestHandler_PatientCannotReadOthersFollowup(t *testing.T) {
	e, _, repo := newTestServer(t, &patient)
	other := repo.put(&Followup{PatientID: "P2", CreatedFromConsultationID: "C2", DueDate: caldate.MustParse("2024-05-01")})
	own := repo.put(&Followup{PatientID: "P1", CreatedFromConsultationID: "C1", DueDate: caldate.MustParse("2024-05-01")})

	rec := do(e, http.MethodGet, "/api/v1/followups/"+other.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/followups/"+other.ID.String()+"/attempts", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/followups/"+own.ID.String(), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_AttachTwice(t *testing.T) {
	e, _, repo := newTestServer(t, &doctor)
	f := repo.put(&Followup{PatientID: "P1", CreatedFromConsultationID: "C1", DueDate: caldate.MustParse("2024-05-01")})
	path := "/api/v1/followups/" + f.ID.String() + "/attach"

	rec := do(e, http.MethodPost, path, `{"closed_by_consultation_id":"C200"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"changed":true`)

	rec = do(e, http.MethodPost, path, `{"closed_by_consultation_id":"C200"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"changed":false`)
}

func TestHandler_InvalidID(t *testing.T) {
	e, _, _ := newTestServer(t, &frontDesk)

	rec := do(e, http.MethodPost, "/api/v1/followups/not-a-uuid/cancel", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_DueBoardBranchScope(t *testing.T) {
	e, _, _ := newTestServer(t, &frontDesk)

	rec := do(e, http.MethodGet, "/api/v1/followups/due?branch=SL", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/followups/due?date=2024-13-01", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/followups/due?date=2024-05-01", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestHandler_AutoClearUsesActorBranch(t *testing.T) {
	e, _, repo := newTestServer(t, &doctor)
	repo.put(&Followup{PatientID: "P1", CreatedFromConsultationID: "C100", DueDate: caldate.MustParse("2024-05-01"), ToleranceDays: 7})

	rec := do(e, http.MethodPost, "/api/v1/followups/auto-clear",
		`{"patient_id":"P1","consultation_id":"C200","visit_at":"2024-05-03T02:00:00Z","type":"followup"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res AutoClearResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Cleared)
	assert.Equal(t, AutoClearCleared, res.Code)
}

func TestHandler_LogAttemptAndList(t *testing.T) {
	e, _, repo := newTestServer(t, &frontDesk)
	f := repo.put(&Followup{PatientID: "P1", CreatedFromConsultationID: "C1", DueDate: caldate.MustParse("2024-05-01")})
	path := "/api/v1/followups/" + f.ID.String() + "/attempts"

	rec := do(e, http.MethodPost, path, `{"channel":"call","outcome":"no_answer","notes":"rang twice"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(e, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []Attempt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeNoAnswer, out[0].Outcome)
}

func TestHandler_DeleteFollowup(t *testing.T) {
	e, _, repo := newTestServer(t, &frontDesk)
	f := repo.put(&Followup{PatientID: "P1", CreatedFromConsultationID: "C1", DueDate: caldate.MustParse("2024-05-01")})

	rec := do(e, http.MethodDelete, "/api/v1/followups/"+f.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/followups/"+f.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
