// Package httpapi wires the ops HTTP surface of the bridge: health and
// Prometheus endpoints, the versioned ops API and the inbound reply webhook
// called by the chat gateway.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/play-review-bridge/internal/config"
	"github.com/tbourn/play-review-bridge/internal/http/docs"
	"github.com/tbourn/play-review-bridge/internal/http/handlers"
	"github.com/tbourn/play-review-bridge/internal/http/middleware"
)

// Service is what the router needs from the bridge.
type Service interface {
	handlers.Bridge
	IsChatEventProcessed(ctx context.Context, eventID string) (bool, error)
}

// maxBodyBytes caps request bodies; webhook payloads are single messages.
const maxBodyBytes = 1 << 20

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. AccessLog (redacting)
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. CORS, security headers and gzip
//
// The webhook additionally runs BearerToken, EventDedupe and the rate
// limiter, in that order, so replays are never charged.
func RegisterRoutes(r *gin.Engine, svc Service, cfg config.Config, log zerolog.Logger) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log, middleware.RedactOptions{MaskHeaders: []string{"X-Gateway-Token"}}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(middleware.Metrics())
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    true,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	docs.SwaggerInfo.BasePath = cfg.Server.APIBasePath
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.InstanceName(docs.SwaggerInfo.InstanceName())))

	h := handlers.New(svc)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, middleware.KeyByRoute())

	api := groupWithPrefix(r, cfg.Server.APIBasePath)
	{
		api.GET("/stats", h.Stats)

		api.GET("/apps", h.ListApps)
		api.POST("/apps/:id/start", limiter.Handler(), h.StartApp)
		api.POST("/apps/:id/stop", h.StopApp)
		api.POST("/apps/:id/poll", limiter.Handler(), h.PollApp)
		api.GET("/apps/:id/reviews", h.ListReviews)

		api.GET("/apps/:id/rooms", h.ListRooms)
		api.POST("/apps/:id/rooms", h.CreateAppRoom)
		api.POST("/rooms", h.CreateRoom)

		api.POST("/replies", limiter.Handler(), h.QueueReply)
		api.POST("/chat/replies",
			middleware.BearerToken(cfg.Server.WebhookToken),
			middleware.EventDedupe(middleware.DedupeOptions{}, svc.IsChatEventProcessed),
			limiter.Handler(),
			h.ChatReply,
		)
	}
}

// corsMiddleware allows any origin when none are configured. Credentials
// are never allowed.
func corsMiddleware(origins []string) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
		ExposeHeaders: []string{"X-Request-ID", "ETag"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return cors.New(c)
}

func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
