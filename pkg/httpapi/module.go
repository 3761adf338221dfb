package httpapi

import (
	"net/http"
	"strings"

	"careledger/pkg/config"
	"careledger/pkg/errutil"
	"careledger/pkg/health"
	"careledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine),
	fx.Invoke(RegisterRoutes),
)

func NewEngine(cfg *config.Config) *gin.Engine {
	if strings.EqualFold(cfg.AppEnv, "production") {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(), middleware.Error())
	r.NoRoute(func(c *gin.Context) {
		_ = c.Error(errutil.NotFound("route not found", nil))
	})
	return r
}

// RegisterRoutes mounts the operational endpoints.
func RegisterRoutes(r *gin.Engine, h health.HealthService) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.HEAD("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
}
