package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	maxRequestBody = 10 << 20
	healthTimeout  = 2 * time.Second
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouteDeps carries everything SetupRoutes mounts.
type RouteDeps struct {
	Webhook     *WebhookHandler
	Admin       *AdminHandler
	Middleware  *Middleware
	WebhookPath string
	CORSOrigins []string
	Development bool
	Checks      map[string]HealthCheck
	Logger      logrus.FieldLogger
}

func SetupRoutes(r *gin.Engine, d RouteDeps) {
	r.Use(RequestLogger(d.Logger))
	r.Use(gin.Recovery())
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(maxRequestBody))
	r.Use(CORS(d.CORSOrigins, d.Development))

	// Public Routes
	r.GET(d.WebhookPath, d.Webhook.Verify)
	r.POST(d.WebhookPath, d.Webhook.Receive)

	api := r.Group("/api/v1")
	api.GET("/health", Health(d.Checks))
	api.POST("/auth/login", d.Middleware.RateLimitPerIP("admin"), d.Admin.Login)

	// Admin-only Routes
	admin := api.Group("/admin")
	admin.Use(d.Middleware.RateLimitPerIP("admin"))
	admin.Use(d.Middleware.AuthRequired())
	admin.Use(d.Middleware.AdminRequired())
	admin.Use(d.Middleware.RateLimitPerUser(rate.Limit(5), 10))
	{
		admin.GET("/me", d.Admin.Me)
		admin.GET("/stats", d.Admin.GetStats)
		admin.GET("/customers", d.Admin.ListCustomers)
		admin.GET("/customers/export", d.Admin.ExportCustomers)
		admin.GET("/customers/:phone", d.Admin.GetCustomer)
		admin.GET("/orders/:phone", d.Admin.CustomerOrders)
		admin.GET("/security-events", d.Admin.SecurityEvents)
		admin.GET("/products", d.Admin.Products)
		admin.POST("/send-message", d.Admin.SendMessage)
		admin.GET("/whatsapp/qr", d.Admin.WhatsAppQR)
	}
}

// Health runs every check and answers 503 when any fails.
func Health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		services := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				services[name] = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			services[name] = "healthy"
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "degraded"
		}
		c.JSON(status, gin.H{
			"status":    overall,
			"services":  services,
			"timestamp": time.Now().UTC(),
		})
	}
}
