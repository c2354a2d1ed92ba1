package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) bool { return false }

type recordedEvents struct{ kinds []string }

func (r *recordedEvents) LogSecurityEvent(_ context.Context, kind, _, _ string) {
	r.kinds = append(r.kinds, kind)
}

type staticTokens struct{}

func (staticTokens) ParseToken(token string) (int, string, error) {
	if token == "good" {
		return 7, "admin", nil
	}
	return 0, "", assert.AnError
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestLoggerCorrelationID(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger(quietLogger()))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ctxCorrelationID)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := serve(r, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-123", w.Body.String())

	w = serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}

func TestCORS(t *testing.T) {
	preflight := func(handler gin.HandlerFunc, origin string) *httptest.ResponseRecorder {
		r := gin.New()
		r.Use(handler)
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", origin)
		return serve(r, req)
	}

	w := preflight(CORS([]string{"https://admin.feelori.com"}, false), "https://admin.feelori.com")
	assert.Equal(t, "https://admin.feelori.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = preflight(CORS(nil, true), "http://localhost:5173")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = preflight(CORS(nil, false), "https://evil.example")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitPerIP(t *testing.T) {
	events := &recordedEvents{}
	m := NewMiddleware(staticTokens{}, denyLimiter{}, events)
	r := gin.New()
	r.GET("/", m.RateLimitPerIP("admin"), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusTooManyRequests, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	assert.Equal(t, []string{"ip_rate_limited"}, events.kinds)
}

func TestRateLimitPerUser(t *testing.T) {
	m := NewMiddleware(staticTokens{}, denyLimiter{}, &recordedEvents{})
	r := gin.New()
	r.GET("/", m.AuthRequired(), m.RateLimitPerUser(rate.Limit(1), 2), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := func() int {
		rq := httptest.NewRequest(http.MethodGet, "/", nil)
		rq.Header.Set("Authorization", "Bearer good")
		return serve(r, rq).Code
	}
	assert.Equal(t, http.StatusOK, req())
	assert.Equal(t, http.StatusOK, req())
	assert.Equal(t, http.StatusTooManyRequests, req())
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}
