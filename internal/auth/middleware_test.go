package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext(headers map[string]string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/v1/users/u1/access/check", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	return c, w
}

// --- Middleware() ---

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr := NewManager([]string{"svc_key"}, "")
	c, _ := newTestContext(map[string]string{"Authorization": "Bearer svc_key"})

	Middleware(mgr)(c)

	if !IsService(c) {
		t.Fatal("Expected service flag to be set in context")
	}
	if IsAdmin(c) {
		t.Error("Service key must not grant admin")
	}
}

func TestMiddleware_ValidKeyViaXAPIKey(t *testing.T) {
	mgr := NewManager([]string{"svc_key"}, "")
	c, _ := newTestContext(map[string]string{"X-API-Key": "svc_key"})

	Middleware(mgr)(c)

	if !IsService(c) {
		t.Fatal("Expected X-API-Key to authenticate")
	}
}

func TestMiddleware_InvalidKey_DoesNotAbort(t *testing.T) {
	mgr := NewManager([]string{"svc_key"}, "")
	c, _ := newTestContext(map[string]string{"Authorization": "Bearer nope"})

	Middleware(mgr)(c)

	if IsService(c) {
		t.Error("Invalid key must not authenticate")
	}
	if c.IsAborted() {
		t.Error("Middleware must leave rejection to RequireService")
	}
}

// --- RequireService() ---

func TestRequireService(t *testing.T) {
	mgr := NewManager([]string{"svc_key"}, "")

	c, w := newTestContext(nil)
	RequireService(mgr)(c)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	c, _ = newTestContext(nil)
	c.Set(ContextKeyService, true)
	RequireService(mgr)(c)
	if c.IsAborted() {
		t.Error("Expected authenticated request to pass")
	}
}

func TestRequireService_OpenInDevelopment(t *testing.T) {
	c, _ := newTestContext(nil)
	RequireService(NewManager(nil, ""))(c)
	if c.IsAborted() {
		t.Error("Expected open manager to pass")
	}
}

// --- RequireAdmin() ---

func TestRequireAdmin_CorrectSecret(t *testing.T) {
	mgr := NewManager([]string{"svc_key"}, "supersecret123")
	c, _ := newTestContext(map[string]string{"X-Admin-Secret": "supersecret123"})

	Middleware(mgr)(c)
	RequireAdmin(mgr, false)(c)

	if c.IsAborted() {
		t.Error("Expected correct admin secret to pass")
	}
}

func TestRequireAdmin_WrongSecret(t *testing.T) {
	mgr := NewManager([]string{"svc_key"}, "supersecret123")
	c, w := newTestContext(map[string]string{"X-Admin-Secret": "wrongsecret", "X-API-Key": "svc_key"})

	Middleware(mgr)(c)
	RequireAdmin(mgr, true)(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for wrong secret, got %d", w.Code)
	}
}

func TestRequireAdmin_DevFallbackToServiceKey(t *testing.T) {
	mgr := NewManager([]string{"svc_key"}, "")

	c, _ := newTestContext(map[string]string{"X-API-Key": "svc_key"})
	Middleware(mgr)(c)
	RequireAdmin(mgr, true)(c)
	if c.IsAborted() {
		t.Error("Expected service key to pass admin in development")
	}

	c, w := newTestContext(nil)
	Middleware(mgr)(c)
	RequireAdmin(mgr, true)(c)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without any credential, got %d", w.Code)
	}
}

func TestRequireAdmin_NoSecretInProduction(t *testing.T) {
	mgr := NewManager([]string{"svc_key"}, "")
	c, w := newTestContext(map[string]string{"X-API-Key": "svc_key"})

	Middleware(mgr)(c)
	RequireAdmin(mgr, false)(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 when admin secret is not configured, got %d", w.Code)
	}
}
