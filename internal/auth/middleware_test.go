package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest(t *testing.T) (*Manager, string, *Account) {
	t.Helper()
	mgr := NewManager(NewMemoryStore())
	rawKey, acct, err := mgr.Register(context.Background(), "Ada", "ada@example.com", RoleCustomer)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return mgr, rawKey, acct
}

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey, acct := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", rawKey)

	Middleware(mgr)(c)

	if got := AccountID(c); got != acct.ID {
		t.Errorf("Expected account %s in context, got %q", acct.ID, got)
	}
	if got := Role(c); got != RoleCustomer {
		t.Errorf("Expected customer role in context, got %q", got)
	}
	if _, ok := GetAPIKey(c); !ok {
		t.Error("Expected API key to be set in context")
	}
}

func TestMiddleware_ValidKeyViaXAPIKey(t *testing.T) {
	mgr, rawKey, acct := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("X-API-Key", rawKey)

	Middleware(mgr)(c)

	if got := AccountID(c); got != acct.ID {
		t.Errorf("Expected account %s via X-API-Key, got %q", acct.ID, got)
	}
}

func TestMiddleware_InvalidKey_NoContext(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "sk_bogus")

	Middleware(mgr)(c)

	if IsAuthenticated(c) {
		t.Error("Expected unauthenticated context for invalid key")
	}
	if got := AccountID(c); got != "" {
		t.Errorf("Expected empty account ID, got %q", got)
	}
}

func TestRequireAuth_Rejects(t *testing.T) {
	r := gin.New()
	r.GET("/secure", RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/secure", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireAuth_AllowsAuthenticated(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest(t)

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/secure", RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/secure", nil)
	req.Header.Set("Authorization", rawKey)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestRequireAdmin_ForbidsCustomer(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest(t)

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/admin", RequireAdmin(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", rawKey)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestRequireAdmin_AllowsAdmin(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	rawKey, _, err := mgr.Register(context.Background(), "Ops", "ops@example.com", RoleAdmin)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/admin", RequireAdmin(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", rawKey)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestRequireAdmin_RejectsUnauthenticated(t *testing.T) {
	r := gin.New()
	r.GET("/admin", RequireAdmin(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireRole_MultipleRoles(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	driverKey, _, _ := mgr.Register(context.Background(), "Musa", "musa@example.com", RoleDriver)
	customerKey, _, _ := mgr.Register(context.Background(), "Ada", "ada@example.com", RoleCustomer)

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/fleet", RequireRole(RoleDriver, RoleAdmin), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/fleet", nil)
	req.Header.Set("Authorization", driverKey)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for driver, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/fleet", nil)
	req.Header.Set("Authorization", customerKey)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for customer, got %d", w.Code)
	}
}
