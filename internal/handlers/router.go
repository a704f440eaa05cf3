package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter serves health and metrics, plus the batch API when batches is non-nil.
func NewRouter(batches *AsyncHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if batches != nil {
		v1 := router.Group("/v1")
		v1.POST("/batches", batches.HandleStartBatch)
		v1.GET("/batches/:id", batches.HandleStatus)
	}
	return router
}

// HandleHealth returns health status
func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
