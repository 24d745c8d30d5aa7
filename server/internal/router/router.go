package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/navid-fn/coinmap/pkg/faulttolerance"
	"github.com/navid-fn/coinmap/server/internal/handler"
)

type Config struct {
	MappingHandler *handler.MappingHandler

	// Health and Metrics are optional.
	Health  *faulttolerance.HealthMonitor
	Metrics http.Handler
}

func NewRouter(cfg *Config) *gin.Engine {
	router := gin.Default()

	if cfg.Health != nil {
		cfg.Health.RegisterRoutes(router)
	}
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	api := router.Group("/v1/")
	registerMappingRoutes(api, cfg.MappingHandler)

	return router
}
