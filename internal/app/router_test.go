package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	httpserver "github.com/fairyhunter13/deep-research/internal/adapter/httpserver"
	"github.com/fairyhunter13/deep-research/internal/adapter/ai/stub"
	"github.com/fairyhunter13/deep-research/internal/adapter/repo/memory"
	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/tool"
	"github.com/fairyhunter13/deep-research/internal/usecase"
)

func routerConfig() config.Config {
	cfg := workerConfig()
	cfg.RateLimitPerMin = 60
	cfg.CORSAllowOrigins = "*"
	cfg.SearchBM25Weight = 0.7
	return cfg
}

func newRouter(t *testing.T, mutate ...func(*config.Config)) http.Handler {
	t.Helper()
	cfg := routerConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	jobs := memory.NewJobStore()
	events := memory.NewEventStore()
	docs := memory.NewDocIndexStore()
	reports := memory.NewReportStore(docs)
	gateway := stub.New(8)

	jm := usecase.NewJobManager(cfg, jobs, events, nil, nil)
	reg := tool.NewRegistry(jm, usecase.NewReportService(reports), usecase.NewSearchService(cfg, docs, gateway))
	srv := httpserver.NewServer(cfg, reg, jm, nil, nil, nil, nil)
	return BuildRouter(cfg, srv)
}

func TestRouterHealthAndMetrics(t *testing.T) {
	h := newRouter(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"ok"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestRouterToolRoutes(t *testing.T) {
	h := newRouter(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tools", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var idx struct {
		Tools []string `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &idx))
	assert.Len(t, idx.Tools, 6)

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/submit_research",
		strings.NewReader(`{"query":"how do vector clocks work"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobId"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tools/no_such_tool", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestRouterEventStreamRoute(t *testing.T) {
	h := newRouter(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterRateLimitsToolDispatch(t *testing.T) {
	h := newRouter(t, func(c *config.Config) { c.RateLimitPerMin = 2 })

	status := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/tools/job_status", strings.NewReader(`{"jobId":"j1"}`))
		req.RemoteAddr = "10.1.2.3:55555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, status())
	assert.Equal(t, http.StatusOK, status())
	assert.Equal(t, http.StatusTooManyRequests, status())
}

func TestRouterRateLimitSparesReadEndpoints(t *testing.T) {
	h := newRouter(t, func(c *config.Config) { c.RateLimitPerMin = 1 })

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tools", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRouterAdminMountGatedOnCredentials(t *testing.T) {
	h := newRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "admin surface must not exist without credentials")

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	h = newRouter(t, func(c *config.Config) {
		c.AdminUsername = "ops"
		c.AdminPasswordBcrypt = string(hash)
	})

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.SetBasicAuth("ops", "hunter2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total"`)
}

func TestRouterSetsSecurityAndRequestIDHeaders(t *testing.T) {
	h := newRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRouterCORSPreflight(t *testing.T) {
	h := newRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/tools/submit_research", nil)
	req.Header.Set("Origin", "https://research.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestParseOrigins(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", []string{"*"}},
		{"wildcard", "*", []string{"*"}},
		{"single", "https://a.example.com", []string{"https://a.example.com"}},
		{"multi with spaces", " https://a.example.com , https://b.example.com ", []string{"https://a.example.com", "https://b.example.com"}},
		{"only commas", ",,,", []string{"*"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseOrigins(tc.in))
		})
	}
}
