package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/coinmap/internal/models"
	"github.com/navid-fn/coinmap/server/internal/service"
)

type MappingHandler struct {
	mappingService *service.MappingService
	logger         logrus.FieldLogger
}

func NewMappingHandler(service *service.MappingService, logger logrus.FieldLogger) *MappingHandler {
	return &MappingHandler{
		mappingService: service,
		logger:         logger.WithField("component", "api"),
	}
}

// GetAll lists mappings, optionally filtered with ?target=USD and sized with ?limit=N.
func (h *MappingHandler) GetAll(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}

	mappings, err := h.mappingService.GetMappings(c.Request.Context(), c.Query("target"), limit)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, mappings)
}

func (h *MappingHandler) GetOne(c *gin.Context) {
	mapping, err := h.mappingService.GetMapping(c.Request.Context(), c.Param("coin_id"))
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, mapping)
}

func (h *MappingHandler) GetStats(c *gin.Context) {
	stats, err := h.mappingService.GetStats(c.Request.Context())
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *MappingHandler) GetCheckpoint(c *gin.Context) {
	status, err := h.mappingService.GetCheckpoint()
	if err != nil {
		h.internalError(c, err)
		return
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no checkpoint"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *MappingHandler) internalError(c *gin.Context, err error) {
	h.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
