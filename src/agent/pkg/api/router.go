// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shaper-dataplane/src/agent/pkg/api/handlers"
	"github.com/shaper-dataplane/src/agent/pkg/api/models"
	"github.com/shaper-dataplane/src/agent/pkg/metrics"
)

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	healthHandler := handlers.NewHealthHandler(s.attachments, s.throughput, s.mappings)
	throughputHandler := handlers.NewThroughputHandler(s.throughput)

	if s.config.MetricsPath != "" {
		s.router.GET(s.config.MetricsPath, gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	{
		// Health and status endpoints
		v1.GET("/health", healthHandler.GetHealth)
		v1.GET("/status", healthHandler.GetStatus)
		v1.GET("/config", s.handleGetConfig)

		// Throughput endpoints
		v1.GET("/throughput", throughputHandler.GetTotals)
		hosts := v1.Group("/hosts")
		{
			hosts.GET("", throughputHandler.GetHosts)
			hosts.GET("/top", throughputHandler.GetTopHosts)
			hosts.GET("/unknown", throughputHandler.GetUnknownHosts)
		}

		// IP mapping endpoints
		if s.mappings != nil {
			mappingHandler := handlers.NewMappingHandler(s.mappings)
			mappings := v1.Group("/mappings")
			{
				mappings.POST("", mappingHandler.CreateMapping)
				mappings.GET("", mappingHandler.ListMappings)
				mappings.DELETE("", mappingHandler.DeleteMapping)
				mappings.POST("/clear", mappingHandler.ClearMappings)
			}
		}
	}
}

func (s *Server) handleGetConfig(c *gin.Context) {
	bindings := s.attachments.Bindings()
	interfaces := make([]string, 0, len(bindings))
	for _, b := range bindings {
		interfaces = append(interfaces, b.Interface)
	}

	c.JSON(http.StatusOK, models.ConfigResponse{
		APIHost:    s.config.Host,
		APIPort:    s.config.Port,
		LogLevel:   s.config.LogLevel,
		EnableCORS: s.config.EnableCORS,
		Interfaces: interfaces,
	})
}
