package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
)

const (
	maxCallbackBytes    = 1 << 20
	defaultAnomalyLimit = 50
)

type resolveAnomalyRequest struct {
	Resolution string `json:"resolution"`
}

// HandlePaymentCallback answers 200 for every callback that was recorded,
// including duplicates and unmatched ones, so providers stop redelivering.
func (s *Server) HandlePaymentCallback(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
	if err != nil || len(payload) == 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.payments.HandleCallback(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) ListAnomalies(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"), defaultAnomalyLimit)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	status := paymentdomain.AnomalyStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	anomalies, err := s.payments.ListAnomalies(c.Request.Context(), status, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": anomalies})
}

func (s *Server) ResolveAnomaly(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req resolveAnomalyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	anomaly, err := s.payments.ResolveAnomaly(c.Request.Context(), id, strings.TrimSpace(req.Resolution))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": anomaly})
}

// RematchCallbacks runs the unmatched-callback sweep on demand.
func (s *Server) RematchCallbacks(c *gin.Context) {
	res, err := s.payments.Rematch(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}
