package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

func newAdminFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.srv.Cfg = adminCfg(t, "ops", "hunter2")

	r := chi.NewRouter()
	f.srv.MountAdmin(r)
	f.router = r
	return f
}

func adminReq(t *testing.T, f *fixture, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.SetBasicAuth("ops", "hunter2")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestAdminStats(t *testing.T) {
	f := newAdminFixture(t)
	submitJob(t, f, "first question")
	submitJob(t, f, "second question")

	rec := adminReq(t, f, http.MethodGet, "/admin/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 2, out.ByStatus["queued"])
}

func TestAdminStatsRequiresAuth(t *testing.T) {
	f := newAdminFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRequeueRunningJob(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	id := submitJob(t, f, "stuck job")
	leased, err := f.jobs.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, id, leased.ID)

	rec := adminReq(t, f, http.MethodPost, "/admin/jobs/"+id+"/requeue")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"requeued":true`)

	j, err := f.jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, j.Status)
	assert.Empty(t, j.LeaseOwner)
}

func TestAdminRequeueConflictsOnQueuedJob(t *testing.T) {
	f := newAdminFixture(t)
	id := submitJob(t, f, "still queued")

	rec := adminReq(t, f, http.MethodPost, "/admin/jobs/"+id+"/requeue")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "CONFLICT")
}

func TestAdminRequeueUnknownJob(t *testing.T) {
	f := newAdminFixture(t)
	rec := adminReq(t, f, http.MethodPost, "/admin/jobs/missing/requeue")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
