package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OpenAIModel represents a model in OpenAI's models API format.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// OpenAIModelsResponse represents OpenAI's models API response format.
type OpenAIModelsResponse struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// ListModels handles GET /v1/models with the catalog contents.
func (s *Server) ListModels(c *gin.Context) {
	infos := s.catalog.List()
	models := make([]OpenAIModel, 0, len(infos))
	for _, m := range infos {
		models = append(models, OpenAIModel{
			ID:      m.ID,
			Object:  "model",
			Created: 0,
			OwnedBy: "kirobox",
		})
	}

	c.JSON(http.StatusOK, OpenAIModelsResponse{
		Object: "list",
		Data:   models,
	})
}

// HealthCheckResponse represents the health check response.
type HealthCheckResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthCheckResponse{
		Status:  "healthy",
		Service: "kirobox",
		Version: s.version,
	})
}
