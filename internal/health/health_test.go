package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return CheckerFunc{
		ComponentName: name,
		Fn: func(context.Context) Report {
			return Report{Status: status}
		},
	}
}

func TestOverallFoldsWorstStatus(t *testing.T) {
	assert.Equal(t, StatusHealthy, overall(map[string]Report{
		"a": {Status: StatusHealthy},
	}))
	assert.Equal(t, StatusDegraded, overall(map[string]Report{
		"a": {Status: StatusHealthy},
		"b": {Status: StatusDegraded},
	}))
	assert.Equal(t, StatusUnhealthy, overall(map[string]Report{
		"a": {Status: StatusDegraded},
		"b": {Status: StatusUnhealthy},
	}))
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(":0",
		staticChecker("feed", StatusHealthy),
		staticChecker("producer", StatusDegraded),
	)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status     Status            `json:"status"`
		Components map[string]Report `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusDegraded, body.Status)
	assert.Len(t, body.Components, 2)
}

func TestHealthEndpointUnhealthyReturns503(t *testing.T) {
	server := NewServer(":0", staticChecker("warehouse", StatusUnhealthy))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server := NewServer(":0")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
