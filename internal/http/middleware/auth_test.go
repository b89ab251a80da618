// README: Tests for caller identity, logging and recovery middleware.
package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/logging"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery(logging.Discard()), middleware.Logging(logging.Discard()), middleware.Auth())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"caller": middleware.CallerID(c)})
	})
	r.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return r
}

func TestAuth(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"blank", "   ", http.StatusUnauthorized},
		{"inner space", "a b", http.StatusUnauthorized},
		{"too long", strings.Repeat("x", 129), http.StatusUnauthorized},
		{"ok", "tg:42", http.StatusOK},
	}
	r := newTestRouter()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tc.header != "" {
				req.Header.Set(middleware.UserIDHeader, tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			if tc.want == http.StatusOK && !strings.Contains(w.Body.String(), "tg:42") {
				t.Errorf("expected caller in body, got %s", w.Body.String())
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(middleware.UserIDHeader, "u1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestCallerIDOutsideAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if id := middleware.CallerID(c); id != "" {
		t.Errorf("expected empty caller, got %q", id)
	}
}
