package router

import (
	"github.com/gin-gonic/gin"

	"github.com/navid-fn/coinmap/server/internal/handler"
)

func registerMappingRoutes(router *gin.RouterGroup, mappingHandler *handler.MappingHandler) {
	mappings := router.Group("/mapping")
	{
		mappings.GET("", mappingHandler.GetAll)
		mappings.GET("/stats", mappingHandler.GetStats)
		mappings.GET("/:coin_id", mappingHandler.GetOne)
	}
	router.GET("/checkpoint", mappingHandler.GetCheckpoint)
}
