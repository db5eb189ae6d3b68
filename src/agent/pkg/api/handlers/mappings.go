// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shaper-dataplane/src/agent/pkg/api/models"
	"github.com/shaper-dataplane/src/agent/pkg/ipmap"
	log "github.com/sirupsen/logrus"
)

// MappingHandler handles IP mapping requests
type MappingHandler struct {
	manager ipmap.Manager
}

// NewMappingHandler creates a new mapping handler
func NewMappingHandler(mm ipmap.Manager) *MappingHandler {
	return &MappingHandler{manager: mm}
}

// CreateMapping handles POST /api/v1/mappings
func (h *MappingHandler) CreateMapping(c *gin.Context) {
	var req models.MappingRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			models.ErrKindValidation,
			"Invalid request body",
			err.Error(),
		))
		return
	}

	m := &ipmap.Mapping{
		Prefix:   req.Prefix,
		CPU:      req.CPU,
		TCHandle: req.TCHandle,
	}

	if _, _, err := ipmap.ParsePrefix(m.Prefix); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			models.ErrKindValidation,
			"Invalid prefix",
			err.Error(),
		))
		return
	}

	if err := h.manager.Add(m); err != nil {
		log.Errorf("Failed to add mapping: %v", err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(
			http.StatusInternalServerError,
			models.ErrKindMapping,
			"Failed to add mapping",
			err.Error(),
		))
		return
	}

	c.JSON(http.StatusCreated, models.MappingResponse{
		Prefix:   m.Prefix,
		CPU:      m.CPU,
		TCHandle: m.TCHandle,
	})
}

// ListMappings handles GET /api/v1/mappings
func (h *MappingHandler) ListMappings(c *gin.Context) {
	mappings, err := h.manager.List()
	if err != nil {
		log.Errorf("Failed to list mappings: %v", err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(
			http.StatusInternalServerError,
			models.ErrKindMapping,
			"Failed to list mappings",
			err.Error(),
		))
		return
	}

	responses := make([]models.MappingResponse, 0, len(mappings))
	for _, m := range mappings {
		responses = append(responses, models.MappingResponse{
			Prefix:   m.Prefix,
			CPU:      m.CPU,
			TCHandle: m.TCHandle,
		})
	}

	c.JSON(http.StatusOK, models.MappingListResponse{
		Mappings: responses,
		Count:    len(responses),
	})
}

// DeleteMapping handles DELETE /api/v1/mappings?prefix=10.0.0.0/24
func (h *MappingHandler) DeleteMapping(c *gin.Context) {
	prefix := c.Query("prefix")
	if prefix == "" {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			models.ErrKindValidation,
			"prefix query parameter is required",
			nil,
		))
		return
	}

	if _, _, err := ipmap.ParsePrefix(prefix); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			models.ErrKindValidation,
			"Invalid prefix",
			err.Error(),
		))
		return
	}

	if err := h.manager.Delete(prefix); err != nil {
		if errors.Is(err, ipmap.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse(
				http.StatusNotFound,
				models.ErrKindNotFound,
				fmt.Sprintf("Mapping for %s not found", prefix),
				nil,
			))
			return
		}
		log.Errorf("Failed to delete mapping: %v", err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(
			http.StatusInternalServerError,
			models.ErrKindMapping,
			"Failed to delete mapping",
			err.Error(),
		))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Mapping for %s deleted successfully", prefix),
	})
}

// ClearMappings handles POST /api/v1/mappings/clear
func (h *MappingHandler) ClearMappings(c *gin.Context) {
	if err := h.manager.Clear(); err != nil {
		log.Errorf("Failed to clear mappings: %v", err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(
			http.StatusInternalServerError,
			models.ErrKindMapping,
			"Failed to clear mappings",
			err.Error(),
		))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "All mappings cleared"})
}
