package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Gin_postgres_redis_gage_lease/app"
	"Gin_postgres_redis_gage_lease/config"
	"Gin_postgres_redis_gage_lease/db/dbtest"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type server struct {
	t     *testing.T
	r     *gin.Engine
	clock clockwork.FakeClock
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		Server: config.ServerConfig{WebOrigin: "http://localhost:5173"},
		Scheduler: config.SchedulerConfig{
			ExpiringSoonWindow: time.Hour,
			PassLockTTL:        time.Minute,
			DedupeWarnings:     true,
		},
		Notify: config.NotifyConfig{
			MailDomain:      "plant.test",
			AdminAddress:    "admin@plant.test",
			MatchStrictness: "contains",
		},
		Reallocation: config.ReallocationConfig{
			DefaultDepartment: "QUALITY",
			DefaultFunction:   "METROLOGY",
			DefaultOperation:  "GAGE_CRIB",
			AdminRoles:        []string{"ADMIN"},
		},
	}
	clock := clockwork.NewFakeClockAt(t0)
	a := app.NewWith(cfg, nil, app.Deps{DB: dbtest.Open(t), Clock: clock})
	RegisterRoutes(a.Router, a)
	return &server{t: t, r: a.Router, clock: clock}
}

var (
	admin = map[string]string{app.HeaderActorUsername: "qa.lead", app.HeaderActorRole: "admin"}
	jdoe  = map[string]string{app.HeaderActorUsername: "jdoe", app.HeaderActorRole: "OPERATOR", app.HeaderActorFunction: "CNC"}
)

func (s *server) do(method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func (s *server) gage(serial string) string {
	s.t.Helper()
	w, out := s.do(http.MethodPost, "/admin/gages", gin.H{
		"name":   "micrometer " + serial,
		"serial": serial,
		"unit":   gin.H{"department": "INSPECTION", "function": "CMM", "operation": "OP10"},
	}, admin)
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	return out["gage"].(map[string]any)["id"].(string)
}

func TestHealthz(t *testing.T) {
	s := newServer(t)
	w, out := s.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["ok"])
}

func TestLeaseLifecycleOverHTTP(t *testing.T) {
	s := newServer(t)
	gageID := s.gage("CAL-001")

	w, created := s.do(http.MethodPost, "/reallocations", gin.H{"gageId": gageID, "timeLimit": "ONE_DAY", "reason": "line trial"}, jdoe)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := created["id"].(string)
	assert.Equal(t, "PENDING_APPROVAL", created["status"])
	assert.Equal(t, "jdoe", created["requestedBy"], "identity comes from headers")
	assert.Equal(t, "CNC", created["requesterFunction"])
	assert.Equal(t, "INSPECTION", created["originalUnit"].(map[string]any)["department"])
	assert.Nil(t, created["remainingSeconds"])

	w, dup := s.do(http.MethodPost, "/reallocations", gin.H{"gageId": gageID, "timeLimit": "TWO_HOURS"}, jdoe)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "RESOURCE_UNAVAILABLE", dup["kind"])

	w, approved := s.do(http.MethodPost, "/reallocations/"+id+"/approve", gin.H{"unit": gin.H{"department": "MACHINING"}}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "APPROVED", approved["status"])
	assert.Equal(t, "qa.lead", approved["approvedBy"])
	assert.EqualValues(t, 24*3600, approved["remainingSeconds"])

	w, again := s.do(http.MethodPost, "/reallocations/"+id+"/approve", nil, admin)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", again["kind"])

	w, list := s.do(http.MethodGet, "/reallocations?status=APPROVED&department=machining", nil, jdoe)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, list["total"])

	w, notes := s.do(http.MethodGet, "/reallocations/"+id+"/notifications", nil, jdoe)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, notes["items"], 2, "requested + approved to the requester")

	w, mine := s.do(http.MethodGet, "/notifications", nil, jdoe)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jdoe", mine["username"])
	assert.Len(t, mine["items"], 2)

	s.clock.Advance(25 * time.Hour)
	w, expired := s.do(http.MethodGet, "/reallocations/expired", nil, jdoe)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, expired["items"], 1)

	w, pass := s.do(http.MethodPost, "/admin/process-expired", nil, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, pass["result"].(map[string]any)["processed"])

	w, done := s.do(http.MethodGet, "/reallocations/"+id, nil, jdoe)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "COMPLETED", done["status"])
	assert.Equal(t, "system", done["returnedBy"])

	w, g := s.do(http.MethodGet, "/gages/"+gageID, nil, jdoe)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, g["available"])
	assert.Equal(t, false, g["gage"].(map[string]any)["inUse"])
	custody := g["custody"].([]any)
	require.Len(t, custody, 3)
	assert.Equal(t, "restore", custody[0].(map[string]any)["source"])

	w, _ = s.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gage_lease_scheduler_reclaimed_total 1")
}

func TestReturnAndForceReturn(t *testing.T) {
	s := newServer(t)
	gageID := s.gage("CAL-002")

	_, created := s.do(http.MethodPost, "/reallocations", gin.H{"gageId": gageID, "timeLimit": "TWO_HOURS"}, jdoe)
	id := created["id"].(string)

	w, _ := s.do(http.MethodPost, "/reallocations/"+id+"/return", nil, jdoe)
	assert.Equal(t, http.StatusConflict, w.Code, "pending cannot be returned normally")

	w, _ = s.do(http.MethodPost, "/reallocations/"+id+"/force-return", nil, jdoe)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, forced := s.do(http.MethodPost, "/reallocations/"+id+"/force-return", gin.H{"reason": "duplicate"}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", forced["status"])
	assert.Equal(t, true, forced["forcedReturn"])

	_, created = s.do(http.MethodPost, "/reallocations", gin.H{"gageId": gageID, "timeLimit": "ONE_WEEK"}, jdoe)
	id = created["id"].(string)
	s.do(http.MethodPost, "/reallocations/"+id+"/approve", nil, admin)

	w, _ = s.do(http.MethodDelete, "/admin/reallocations/"+id, nil, admin)
	assert.Equal(t, http.StatusConflict, w.Code, "approved records cannot be deleted")

	w, returned := s.do(http.MethodPost, "/reallocations/"+id+"/return", gin.H{"reason": "finished"}, jdoe)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jdoe", returned["returnedBy"])

	w, _ = s.do(http.MethodDelete, "/admin/reallocations/"+id, nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(http.MethodGet, "/reallocations/"+id, nil, jdoe)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelAndRelease(t *testing.T) {
	s := newServer(t)
	gageID := s.gage("CAL-003")
	_, created := s.do(http.MethodPost, "/reallocations", gin.H{"gageId": gageID, "timeLimit": "ONE_DAY"}, jdoe)
	id := created["id"].(string)
	s.do(http.MethodPost, "/reallocations/"+id+"/approve", nil, admin)

	w, cancelled := s.do(http.MethodPost, "/reallocations/"+id+"/cancel", gin.H{"reason": "wrong gage"}, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", cancelled["status"])

	w, list := s.do(http.MethodGet, "/gages?status=in_use", nil, jdoe)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, list["total"])

	w, _ = s.do(http.MethodPost, "/admin/gages/"+gageID+"/release", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	_, list = s.do(http.MethodGet, "/gages?status=in_use", nil, jdoe)
	assert.EqualValues(t, 0, list["total"])
}

func TestRejectOverHTTP(t *testing.T) {
	s := newServer(t)
	gageID := s.gage("CAL-004")
	_, created := s.do(http.MethodPost, "/reallocations", gin.H{"gageId": gageID, "timeLimit": "ONE_DAY"}, jdoe)

	w, rejected := s.do(http.MethodPost, "/reallocations/"+created["id"].(string)+"/reject", gin.H{"reason": "calibration due"}, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", rejected["status"])
	assert.Equal(t, "calibration due", rejected["rejectionReason"])
}

func TestValidationErrors(t *testing.T) {
	s := newServer(t)
	gageID := s.gage("CAL-005")

	w, _ := s.do(http.MethodPost, "/reallocations", "{not json", jdoe)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out := s.do(http.MethodPost, "/reallocations", gin.H{"gageId": gageID}, jdoe)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", out["kind"])

	w, out = s.do(http.MethodPost, "/reallocations", gin.H{"gageId": gageID, "timeLimit": "ONE_DAY"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "no requester in body or headers")
	assert.Equal(t, "VALIDATION_ERROR", out["kind"])

	w, _ = s.do(http.MethodGet, "/reallocations/not-a-uuid", nil, jdoe)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out = s.do(http.MethodGet, "/reallocations/3f1a1d9e-0000-4000-8000-000000000000", nil, jdoe)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", out["kind"])

	w, _ = s.do(http.MethodGet, "/reallocations/expiring-soon?window=soon", nil, jdoe)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(http.MethodGet, "/notifications", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminGuard(t *testing.T) {
	s := newServer(t)

	w, _ := s.do(http.MethodPost, "/admin/process-expired", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(http.MethodPost, "/admin/process-expired", nil, jdoe)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = s.do(http.MethodGet, "/admin/digest", nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDigestEndpoints(t *testing.T) {
	s := newServer(t)
	gageID := s.gage("CAL-006")
	s.do(http.MethodPost, "/reallocations", gin.H{"gageId": gageID, "timeLimit": "ONE_DAY"}, jdoe)

	w, preview := s.do(http.MethodGet, "/admin/digest", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, preview["pending"])
	assert.Contains(t, preview["body"], "Pending approval: 1")

	w, sent := s.do(http.MethodPost, "/admin/digest", nil, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, sent["result"].(map[string]any)["processed"])
}

func TestOperatorsDirectory(t *testing.T) {
	s := newServer(t)
	w, _ := s.do(http.MethodPost, "/admin/operators", gin.H{"username": "cnc1", "email": "CNC1@plant.test", "department": "MACHINING", "function": "CNC"}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, out := s.do(http.MethodGet, "/operators?department=machining", nil, jdoe)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, out["total"])
	ops := out["operators"].([]any)
	assert.Equal(t, "cnc1@plant.test", ops[0].(map[string]any)["email"])
}
