package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerExposesRegisteredCollectors(t *testing.T) {
	m := New()
	m.SessionsAdmitted.WithLabelValues("ssh").Inc()
	m.ContainersActive.Set(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "miel_session_admitted_total")
	require.Contains(t, body, "miel_container_active")
}

func TestNewReturnsIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.SessionsRejected.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)
	require.NotContains(t, rec.Body.String(), "miel_session_rejected_total 1")
}
