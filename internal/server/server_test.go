package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowcore/internal/config"
	"github.com/mbd888/escrowcore/internal/escrow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config
func testConfig() *config.Config {
	return &config.Config{
		Port:                      "0",
		Env:                       "development",
		LogLevel:                  "error",
		LogFormat:                 "text",
		EventStream:               config.DefaultEventStream,
		TransactionTTL:            time.Hour,
		ExpiryInterval:            time.Hour,
		ReconcileInterval:         time.Hour,
		ReputationCompletedWeight: 2,
		ReputationLossWeight:      10,
		ReputationMaxScore:        100,
		SystemToken:               "system-secret",
		AdminToken:                "admin-secret",
	}
}

// newTestServer creates a server over a fresh memory store
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithStore(escrow.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func request(t *testing.T, s *Server, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLiveness(t *testing.T) {
	s := newTestServer(t)
	w := request(t, s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestReadiness_BeforeAndAfterStart(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.Start(t.Context())
	w = request(t, s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_ReportsSubsystems(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "timer not started yet")

	s.Start(t.Context())
	waitFor(t, s.escrowTimer.Running)
	waitFor(t, s.reconciler.Running)

	w = request(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)

	names := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"store", "expiry_timer", "reconciliation"}, names)
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, http.MethodGet, "/health/live", nil, nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)

	w = request(t, s, http.MethodGet, "/health/live", map[string]string{"X-Request-ID": "chat-42"}, nil)
	assert.Equal(t, "chat-42", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	w := request(t, s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	request(t, s, http.MethodGet, "/health/live", nil, nil)

	w := request(t, s, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowcore_http_requests_total")
}

func TestEscrowRoutes_Wired(t *testing.T) {
	s := newTestServer(t)
	seller := map[string]string{"X-Actor-ID": "alice"}

	w := request(t, s, http.MethodPost, "/v1/transactions", seller, map[string]string{
		"item": "Vintage camera", "amount": "120.00", "currency": "USD",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Transaction escrow.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, escrow.StateCreated, created.Transaction.State)

	w = request(t, s, http.MethodGet, "/v1/transactions/"+created.Transaction.ID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = request(t, s, http.MethodGet, "/v1/users/alice/reputation", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEscrowRoutes_RequireCaller(t *testing.T) {
	s := newTestServer(t)
	body := map[string]string{"item": "x", "amount": "1.00", "currency": "USD"}

	w := request(t, s, http.MethodPost, "/v1/transactions", nil, body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = request(t, s, http.MethodPost, "/v1/transactions", map[string]string{
		"Authorization": "Bearer nope",
		"X-Actor-ID":    "alice",
	}, body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRealtimeStats(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, http.MethodGet, "/v1/admin/realtime", map[string]string{"X-Actor-ID": "alice"}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(t, s, http.MethodGet, "/v1/admin/realtime", map[string]string{
		"Authorization": "Bearer admin-secret",
		"X-Actor-ID":    "mod-1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "connectedClients")
}

func TestAdminReconciliation(t *testing.T) {
	s := newTestServer(t)
	admin := map[string]string{
		"Authorization": "Bearer admin-secret",
		"X-Actor-ID":    "mod-1",
	}

	w := request(t, s, http.MethodPost, "/v1/admin/reconciliation", map[string]string{"X-Actor-ID": "alice"}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(t, s, http.MethodGet, "/v1/admin/reconciliation", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(t, s, http.MethodPost, "/v1/transactions", map[string]string{"X-Actor-ID": "alice"}, map[string]string{
		"item": "Lamp", "amount": "15.00", "currency": "USD",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = request(t, s, http.MethodPost, "/v1/admin/reconciliation", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Healthy bool `json:"healthy"`
		Report  struct {
			Checked int `json:"checked"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Healthy)
	assert.Equal(t, 1, resp.Report.Checked)

	w = request(t, s, http.MethodGet, "/v1/admin/reconciliation", admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventsReachHub(t *testing.T) {
	s := newTestServer(t)
	s.Start(t.Context())

	w := request(t, s, http.MethodPost, "/v1/transactions", map[string]string{"X-Actor-ID": "alice"}, map[string]string{
		"item": "Bike", "amount": "50.00", "currency": "USD",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	waitFor(t, func() bool {
		return s.realtimeHub.Stats()["totalEvents"].(int64) >= 1
	})
}

func TestShutdown_WithoutRun(t *testing.T) {
	s, err := New(testConfig(), WithStore(escrow.NewMemoryStore()))
	require.NoError(t, err)
	s.Start(context.Background())
	assert.NoError(t, s.Shutdown())
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://escrow:hunter2@db:5432/escrow")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "@db:5432/escrow")
	assert.Equal(t, "***", maskDSN("://bad"))
}
