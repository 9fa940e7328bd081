package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shijo-seo/shijo/internal/config"
	"github.com/shijo-seo/shijo/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testServiceKey  = "svc_test_key"
	testAdminSecret = "admin_test_secret"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		ServiceAPIKey:      testServiceKey,
		AdminSecret:        testAdminSecret,
		DailyRetentionDays: config.DefaultRetentionDays,
		ReconcileInterval:  time.Hour,
		WebhookRateLimit:   config.DefaultWebhookRateLimit,
		AdminRateLimit:     config.DefaultAdminRateLimit,
	}
}

// newTestServer creates a server backed by an in-memory ledger
func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*Server, *usage.MemoryStore) {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	store := usage.NewMemoryStore()
	s, err := New(cfg, WithStore(store), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, store
}

type call struct {
	method string
	path   string
	body   string
	header map[string]string
}

func (s *Server) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var body *bytes.Reader
	if c.body != "" {
		body = bytes.NewReader([]byte(c.body))
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

var (
	serviceAuth = map[string]string{"Authorization": "Bearer " + testServiceKey}
	adminAuth   = map[string]string{"X-Admin-Secret": testAdminSecret}
)

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := s.do(t, call{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "memory", resp["storage"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestLivenessAndReadiness(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := s.do(t, call{method: http.MethodGet, path: "/health/live"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Run has not been called
	w, _ = s.do(t, call{method: http.MethodGet, path: "/health/ready"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w, _ = s.do(t, call{method: http.MethodGet, path: "/health/ready"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	s.do(t, call{method: http.MethodGet, path: "/v1/plans", header: serviceAuth})
	w, _ := s.do(t, call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "shijo_")
}

func TestRequestIDIsEchoed(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := s.do(t, call{method: http.MethodGet, path: "/health/live", header: map[string]string{"X-Request-ID": "req-123"}})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestMeteringRoutesRequireServiceKey(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := s.do(t, call{method: http.MethodGet, path: "/v1/plans"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, call{method: http.MethodGet, path: "/v1/plans", header: map[string]string{"Authorization": "Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, call{method: http.MethodGet, path: "/v1/plans", header: map[string]string{"X-API-Key": testServiceKey}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutesRequireAdminSecret(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := s.do(t, call{method: http.MethodPost, path: "/v1/admin/users/u1/provision", header: serviceAuth})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = s.do(t, call{method: http.MethodPost, path: "/v1/admin/users/u1/provision", header: adminAuth})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminFallsBackToServiceKeyOutsideProduction(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.AdminSecret = "" })

	w, _ := s.do(t, call{method: http.MethodPost, path: "/v1/admin/users/u1/provision"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, call{method: http.MethodPost, path: "/v1/admin/users/u1/provision", header: serviceAuth})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInvalidUserIDRejected(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := s.do(t, call{method: http.MethodGet, path: "/v1/users/bad%20id/usage", header: serviceAuth})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_user_id", resp["error"])
}

func TestWebhookWithoutSecretIsUnavailable(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := s.do(t, call{method: http.MethodPost, path: "/v1/webhooks/stripe", body: `{}`})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.StripeWebhookSecret = "whsec_test" })

	w, resp := s.do(t, call{
		method: http.MethodPost,
		path:   "/v1/webhooks/stripe",
		body:   `{"id":"evt_1","type":"invoice.payment_succeeded"}`,
		header: map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_signature", resp["error"])
}

// ---------------------------------------------------------------------------
// Metering flow
// ---------------------------------------------------------------------------

func checkExpansions(t *testing.T, s *Server) map[string]any {
	t.Helper()
	w, resp := s.do(t, call{
		method: http.MethodPost,
		path:   "/v1/users/u1/access/check",
		body:   `{"feature":"expansions"}`,
		header: serviceAuth,
	})
	require.Equal(t, http.StatusOK, w.Code)
	decision, ok := resp["decision"].(map[string]any)
	require.True(t, ok, "decision missing from %v", resp)
	return decision
}

func TestFreeTierDailyCapEndToEnd(t *testing.T) {
	s, _ := newTestServer(t)

	decision := checkExpansions(t, s)
	assert.Equal(t, false, decision["allowed"])
	assert.Equal(t, "not_provisioned", decision["code"])

	w, resp := s.do(t, call{method: http.MethodPost, path: "/v1/admin/users/u1/provision", header: adminAuth})
	require.Equal(t, http.StatusOK, w.Code, resp)

	for i := 0; i < 3; i++ {
		decision = checkExpansions(t, s)
		require.Equal(t, true, decision["allowed"], "use %d", i+1)

		w, resp = s.do(t, call{
			method: http.MethodPost,
			path:   "/v1/users/u1/usage/record",
			body:   `{"feature":"expansions"}`,
			header: serviceAuth,
		})
		require.Equal(t, http.StatusOK, w.Code, resp)
		assert.Equal(t, "daily", resp["regime"])
	}

	decision = checkExpansions(t, s)
	assert.Equal(t, false, decision["allowed"])
	assert.Equal(t, "daily_limit_reached", decision["code"])
	assert.Equal(t, "try_tomorrow", decision["promptKind"])

	w, resp = s.do(t, call{method: http.MethodGet, path: "/v1/users/u1/usage", header: serviceAuth})
	require.Equal(t, http.StatusOK, w.Code)
	summary, ok := resp["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "free", summary["tier"])
}

func TestReconciliationRunViaAdmin(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := s.do(t, call{method: http.MethodGet, path: "/v1/admin/reconciliation", header: adminAuth})
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.do(t, call{method: http.MethodPost, path: "/v1/admin/users/u1/provision", header: adminAuth})

	w, _ = s.do(t, call{method: http.MethodPost, path: "/v1/admin/reconciliation/run", header: adminAuth})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, call{method: http.MethodGet, path: "/v1/admin/reconciliation", header: adminAuth})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeleteUserViaAdmin(t *testing.T) {
	s, store := newTestServer(t)

	s.do(t, call{method: http.MethodPost, path: "/v1/admin/users/u1/provision", header: adminAuth})
	w, _ := s.do(t, call{method: http.MethodDelete, path: "/v1/admin/users/u1", header: adminAuth})
	require.Equal(t, http.StatusNoContent, w.Code)

	_, err := store.GetQuota(t.Context(), "u1")
	assert.ErrorIs(t, err, usage.ErrNotProvisioned)
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := s.do(t, call{method: http.MethodGet, path: "/v1/nonexistent", header: serviceAuth})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://shijo:hunter2@db:5432/shijo")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "shijo:")
	assert.Contains(t, masked, "@db:5432/shijo")
	assert.Equal(t, "redis://cache:6379/0", maskDSN("redis://cache:6379/0"))
}

func TestGenerateRequestID(t *testing.T) {
	a, b := generateRequestID(), generateRequestID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
