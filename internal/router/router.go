package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/thedusen/booksphere-outbox/internal/handler/prometheus"
	"github.com/thedusen/booksphere-outbox/internal/middleware"
	"github.com/thedusen/booksphere-outbox/pkg/logger"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type RouterConfig struct {
	RateLimit rate.Limit
	RateBurst int
	Mode      string
	// RequestTimeout and MaxBodyBytes bound /v1 requests; zero takes the
	// middleware defaults.
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

type Router struct {
	engine  *gin.Engine
	health  Handler
	metrics *prometheus.Handler
	api     []Handler
}

// NewRouter builds the admin engine. health is served unthrottled at the
// root; api handlers are mounted under /v1 behind the per-client limiter,
// the size limit and the request timeout.
func NewRouter(config RouterConfig, log *logger.Logger, health Handler, metrics *prometheus.Handler, api ...Handler) *Router {
	if config.Mode == "" {
		config.Mode = gin.ReleaseMode
	}
	gin.SetMode(config.Mode)

	engine := gin.New()

	r := &Router{
		engine:  engine,
		health:  health,
		metrics: metrics,
		api:     api,
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
	)
	if metrics != nil {
		engine.Use(metrics.Middleware())
	}

	r.setup(config)
	return r
}

func (r *Router) setup(config RouterConfig) {
	root := r.engine.Group("")
	if r.health != nil {
		r.health.RegisterRoutes(root)
	}
	if r.metrics != nil {
		root.GET("/metrics", r.metrics.Handler())
	}

	v1 := r.engine.Group("/v1")
	if config.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
		v1.Use(limiter.RateLimit())
	}
	v1.Use(
		middleware.SizeLimit(middleware.SizeLimitConfig{MaxBodySize: config.MaxBodyBytes}),
		middleware.Timeout(middleware.TimeoutConfig{Duration: config.RequestTimeout}),
	)
	for _, h := range r.api {
		h.RegisterRoutes(v1)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
