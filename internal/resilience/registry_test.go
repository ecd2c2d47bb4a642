package resilience_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probedesk/probedesk/internal/resilience"
)

func registerClient(t *testing.T, r *resilience.Registry, name, baseURL string) *resilience.Client {
	t.Helper()
	client, err := resilience.NewClient(resilience.ServiceConfig{
		Name:    name,
		BaseURL: baseURL,
		Retry:   fastRetry(1),
		Breaker: looseBreaker(),
	}, resilience.WithRegistry(r))
	require.NoError(t, err)
	return client
}

func TestRegistry_RegisterAndCount(t *testing.T) {
	r := resilience.NewRegistry()
	assert.Equal(t, 0, r.ServiceCount())

	registerClient(t, r, "orders", "http://orders.local")
	registerClient(t, r, "billing", "http://billing.local")

	assert.Equal(t, 2, r.ServiceCount())
	assert.ElementsMatch(t, []string{"orders", "billing"}, r.ServiceNames())
}

func TestRegistry_Unregister(t *testing.T) {
	r := resilience.NewRegistry()
	registerClient(t, r, "orders", "http://orders.local")

	r.Unregister("orders")

	assert.Equal(t, 0, r.ServiceCount())
	assert.Nil(t, r.GetHealth("orders"))
}

func TestRegistry_GetHealthUnknownService(t *testing.T) {
	r := resilience.NewRegistry()
	assert.Nil(t, r.GetHealth("nope"))
}

func TestRegistry_RecordForUnknownServiceIsNoop(t *testing.T) {
	r := resilience.NewRegistry()
	assert.NotPanics(t, func() {
		r.RecordSuccess("ghost")
		r.RecordFailure("ghost", "http_error:500")
	})
}

func TestRegistry_TracksRequestOutcomes(t *testing.T) {
	r := resilience.NewRegistry()
	registerClient(t, r, "orders", "http://orders.local")

	r.RecordSuccess("orders")
	health := r.GetHealth("orders")
	require.NotNil(t, health)
	assert.NotNil(t, health.LastSuccessAt)
	assert.Nil(t, health.LastFailureAt)
	assert.Empty(t, health.LastError)

	r.RecordFailure("orders", "http_error:502")
	health = r.GetHealth("orders")
	require.NotNil(t, health)
	assert.NotNil(t, health.LastFailureAt)
	assert.Equal(t, "http_error:502", health.LastError)
}

func TestRegistry_ClientRecordsItself(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	r := resilience.NewRegistry()
	client := registerClient(t, r, "orders", server.URL)

	res := client.MakeRequest(context.Background(), http.MethodGet, "/health", nil)
	require.True(t, res.Success)

	health := r.GetHealth("orders")
	require.NotNil(t, health)
	assert.True(t, health.IsHealthy())
	assert.NotNil(t, health.LastSuccessAt)
}

func TestRegistry_HealthReflectsOpenBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r := resilience.NewRegistry()
	client, err := resilience.NewClient(resilience.ServiceConfig{
		Name:    "flaky",
		BaseURL: server.URL,
		Retry:   fastRetry(1),
		Breaker: resilience.BreakerConfig{
			FailureThreshold: 1,
			RecoveryTimeout:  time.Minute,
			HalfOpenMaxCalls: 1,
		},
	}, resilience.WithRegistry(r))
	require.NoError(t, err)

	res := client.MakeRequest(context.Background(), http.MethodGet, "/health", nil)
	require.False(t, res.Success)

	health := r.GetHealth("flaky")
	require.NotNil(t, health)
	assert.True(t, health.IsUnhealthy())
	assert.Equal(t, resilience.StateOpen, health.BreakerState)
	assert.Equal(t, "http_error:500", health.LastError)
}

func TestRegistry_GetAllHealth(t *testing.T) {
	r := resilience.NewRegistry()
	registerClient(t, r, "orders", "http://orders.local")
	registerClient(t, r, "billing", "http://billing.local")

	all := r.GetAllHealth()
	require.Len(t, all, 2)
	for _, h := range all {
		assert.True(t, h.IsHealthy(), "fresh clients start closed")
	}
}

func TestServiceHealth_StatePredicates(t *testing.T) {
	tests := []struct {
		state     resilience.BreakerState
		healthy   bool
		degraded  bool
		unhealthy bool
	}{
		{resilience.StateClosed, true, false, false},
		{resilience.StateHalfOpen, false, true, false},
		{resilience.StateOpen, false, false, true},
	}

	for _, tt := range tests {
		h := &resilience.ServiceHealth{Name: "svc", BreakerState: tt.state}
		assert.Equal(t, tt.healthy, h.IsHealthy())
		assert.Equal(t, tt.degraded, h.IsDegraded())
		assert.Equal(t, tt.unhealthy, h.IsUnhealthy())
	}
}
