package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := prometheus.NewRegistry()
	require.NoError(t, Register(r))
	require.NoError(t, Register(r))
	require.NoError(t, Register(prometheus.NewRegistry()))
}

type staticLister []RunningService

func (s staticLister) RunningServices() []RunningService { return s }

func TestDiagnosticsServicesEndpoint(t *testing.T) {
	lister := staticLister{
		{Name: "resolver", Binary: "/usr/bin/resolver", PID: 4242, StartedAt: time.Now()},
	}
	srv := NewDiagnosticsServer("127.0.0.1:0", lister)

	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out []RunningService
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "resolver", out[0].Name)
	assert.Equal(t, 4242, out[0].PID)
}

func TestDiagnosticsMetricsEndpoint(t *testing.T) {
	srv := NewDiagnosticsServer("127.0.0.1:0", staticLister{})
	IncStart("resolver")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "armd_service_starts_total")
}
