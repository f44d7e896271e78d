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
	registry = newHealthRegistry()
}

func markReady(names ...string) {
	for _, name := range names {
		RegisterComponent(name, true, "")
	}
}

func TestGetHealth(t *testing.T) {
	resetHealth(t)
	SetVersion("1.0.0")
	markReady("chain", "ipfs")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.0.0", health.Version)
	assert.Len(t, health.Components, 2)

	UpdateComponent("ipfs", false, "daemon not reachable")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: daemon not reachable", health.Components["ipfs"])
}

func TestGetReadiness(t *testing.T) {
	resetHealth(t)
	markReady(criticalComponents...)
	assert.Equal(t, "ready", GetReadiness().Status)

	UpdateComponent("chain", false, "rpc endpoint down")
	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not ready: rpc endpoint down", readiness.Components["chain"])
}

func TestGetReadinessUnregisteredComponent(t *testing.T) {
	resetHealth(t)
	markReady("chain")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.NotEmpty(t, readiness.Message)
	assert.Equal(t, "not registered", readiness.Components["ipfs"])
}

func TestHealthHandler(t *testing.T) {
	resetHealth(t)
	markReady("chain")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)

	UpdateComponent("chain", false, "broken")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyHandler(t *testing.T) {
	resetHealth(t)
	markReady(criticalComponents...)

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	resetHealth(t)
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&readiness))
	assert.Equal(t, "not_ready", readiness.Status)
}

func TestLivenessHandler(t *testing.T) {
	resetHealth(t)

	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
