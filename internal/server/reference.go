package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
)

const defaultRunsLimit = 50

func (s *Server) ListReferences(c *gin.Context) {
	activeOnly, err := parseOptionalBool(c.Query("active_only"))
	if err != nil {
		AbortWithError(c, newValidationError("active_only", "invalid_active_only", "invalid active_only"))
		return
	}
	pageSize := 0
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		pageSize, err = strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
			return
		}
	}

	req := referencedomain.ListRequest{
		EntityType: strings.TrimSpace(c.Query("entity_type")),
		PageToken:  strings.TrimSpace(c.Query("page_token")),
		PageSize:   pageSize,
	}
	if activeOnly != nil {
		req.ActiveOnly = *activeOnly
	}

	resp, err := s.references.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.References, "page_info": resp.PageInfo})
}

func (s *Server) GetReference(c *gin.Context) {
	ref, err := s.references.Get(c.Request.Context(), strings.TrimSpace(c.Param("uuid")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ref})
}

func (s *Server) ListReconcileRuns(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"), defaultRunsLimit)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	runs, err := s.reconcile.ListRuns(
		c.Request.Context(),
		strings.TrimSpace(c.Query("subscriber")),
		strings.TrimSpace(c.Query("entity_type")),
		limit,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": runs})
}

// TriggerReconcile runs one pass synchronously and returns its summary.
func (s *Server) TriggerReconcile(c *gin.Context) {
	var req reconciledomain.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	run, err := s.reconcile.Run(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": run})
}
