package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestRegisterComponent(t *testing.T) {
	resetHealth(t)

	RegisterComponent("store", true, "open")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["store"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "open", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"all healthy", map[string]bool{"store": true, "admin": true}, "healthy"},
		{"critical failing", map[string]bool{"store": false, "admin": true}, "unhealthy"},
		{"non critical failing", map[string]bool{"store": true, "blobstore": false}, "degraded"},
		{"both failing", map[string]bool{"coordination": false, "blobstore": false}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "msg")
			}
			health := GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetReadiness(t *testing.T) {
	resetHealth(t)
	RegisterComponent("store", true, "")
	RegisterComponent("coordination", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not registered", readiness.Components["admin"])

	RegisterComponent("admin", true, "")
	assert.Equal(t, "ready", GetReadiness().Status)

	UpdateComponent("coordination", false, "locked")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "waiting for coordination", readiness.Message)
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealth(t)
	SetCriticalComponents("store")
	RegisterComponent("store", true, "")

	assert.Equal(t, "ready", GetReadiness().Status)
}

func TestHealthHandlers(t *testing.T) {
	resetHealth(t)
	SetVersion("1.2.3")
	RegisterComponent("store", true, "")
	RegisterComponent("coordination", true, "")
	RegisterComponent("admin", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1.2.3", body.Version)

	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	UpdateComponent("admin", false, "listener closed")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}
