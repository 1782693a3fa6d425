package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	name     string
	status   Status
	critical bool
}

func (s stubChecker) Name() string     { return s.name }
func (s stubChecker) IsCritical() bool { return s.critical }
func (s stubChecker) Check(ctx context.Context) CheckResult {
	res := CheckResult{Component: s.name, Status: s.status, Critical: s.critical}
	if s.status != StatusHealthy {
		res.Error = errors.New("probe failed").Error()
	}
	return res
}

func TestCheckAllHealthy(t *testing.T) {
	m := NewManager()
	m.Register(stubChecker{name: "postgres", status: StatusHealthy, critical: true})
	m.Register(stubChecker{name: "redis", status: StatusHealthy})

	report := m.Check(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.True(t, report.Ready)
	assert.Len(t, report.Components, 2)
}

func TestCheckNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager()
	m.Register(stubChecker{name: "postgres", status: StatusHealthy, critical: true})
	m.Register(stubChecker{name: "redis", status: StatusUnhealthy})

	report := m.Check(context.Background())
	assert.Equal(t, "degraded", report.Status)
	assert.True(t, report.Ready, "non-critical failure must not gate readiness")
}

func TestCheckCriticalFailureBlocksReadiness(t *testing.T) {
	m := NewManager()
	m.Register(stubChecker{name: "postgres", status: StatusUnhealthy, critical: true})
	m.Register(stubChecker{name: "redis", status: StatusHealthy})

	report := m.Check(context.Background())
	assert.Equal(t, "unhealthy", report.Status)
	assert.False(t, report.Ready)
}

func TestHandlerStatusCodes(t *testing.T) {
	m := NewManager()
	m.Register(stubChecker{name: "postgres", status: StatusHealthy, critical: true})
	mux := http.NewServeMux()
	NewHandler(m).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "healthy", report.Status)

	m.Register(stubChecker{name: "postgres", status: StatusUnhealthy, critical: true})

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
