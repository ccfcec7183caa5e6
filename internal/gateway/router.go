package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterConfig assembles the dependencies NewRouter wires into routes.
type RouterConfig struct {
	Handlers     *Handlers
	WS           *Hub
	AllowOrigins []string
	RouteTimeout time.Duration
}

// NewRouter builds the gin.Engine serving every REST and WS route in
// spec.md §4.9, grounded on the teacher's internal/server/router.go.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		errorResponse(c, http.StatusInternalServerError, "internal_error", "internal server error")
		c.Abort()
	}))
	router.Use(otelgin.Middleware("alephauto-gateway"))

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	timeout := cfg.RouteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	router.Use(timeoutMiddleware(timeout))

	router.GET("/health", cfg.Handlers.Health)

	api := router.Group("/api")
	{
		api.GET("/status", cfg.Handlers.Status)
		api.GET("/pipelines/:id/jobs", cfg.Handlers.PipelineJobs)
		api.GET("/jobs", cfg.Handlers.Jobs)
		api.POST("/scans/start", cfg.Handlers.StartScan)
		api.POST("/scans/start-multi", cfg.Handlers.StartMultiScan)
		api.GET("/scans/:jobId/status", cfg.Handlers.ScanStatus)
		api.GET("/scans/:jobId/results", cfg.Handlers.ScanResults)
	}

	// /ws/status must be registered before any /ws/:something route so it
	// is never shadowed by a wildcard path segment (spec.md §4.9, §9).
	router.GET("/ws/status", cfg.WS.Status)
	router.GET("/ws", cfg.WS.Serve)

	return router
}

// timeoutMiddleware applies a per-route deadline to the request context,
// propagating cancellation to any Job Store query the handler spawns
// (spec.md §5).
func timeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
