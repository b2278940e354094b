package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// GetHealth handles GET /healthz.
func (s *Server) GetHealth(c *gin.Context) {
	checks := map[string]string{}
	status, code := "ok", http.StatusOK

	if s.db != nil {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			checks["database"] = "error"
			status, code = "degraded", http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	c.JSON(code, HealthResponse{Status: status, Checks: checks})
}
