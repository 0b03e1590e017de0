package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterComponent(t *testing.T) {
	ResetForTest()

	RegisterComponent("daemon", true, true, "listening")

	health := GetHealth()
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}

	if health.Components["daemon"] != "healthy" {
		t.Errorf("unexpected daemon status: %s", health.Components["daemon"])
	}
}

func TestGetHealth_CriticalUnhealthy(t *testing.T) {
	ResetForTest()

	RegisterComponent("daemon", true, true, "")
	RegisterComponent("storage", false, true, "connection refused")

	health := GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}

	if health.Components["storage"] != "unhealthy: connection refused" {
		t.Errorf("unexpected storage status: %s", health.Components["storage"])
	}
}

func TestGetHealth_NonCriticalDegrades(t *testing.T) {
	ResetForTest()

	RegisterComponent("daemon", true, true, "")
	RegisterComponent("cache", false, false, "redis unavailable")

	health := GetHealth()
	if health.Status != "degraded" {
		t.Errorf("expected status 'degraded', got '%s'", health.Status)
	}
}

func TestUpdateComponent_PreservesCriticality(t *testing.T) {
	ResetForTest()

	RegisterComponent("storage", true, true, "")
	UpdateComponent("storage", false, "lost connection")

	health := GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
}

func TestHealthHandler(t *testing.T) {
	ResetForTest()
	SetVersion("1.2.3")

	RegisterComponent("daemon", true, true, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var health HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}

	if health.Version != "1.2.3" {
		t.Errorf("expected version '1.2.3', got '%s'", health.Version)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	ResetForTest()

	RegisterComponent("daemon", false, true, "bind failed")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
