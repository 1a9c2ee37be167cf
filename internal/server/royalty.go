package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	royaltydomain "github.com/smallbiznis/bookline/internal/royalty/domain"
)

const defaultPeriodsLimit = 24

type periodRequest struct {
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

func bindPeriod(c *gin.Context) (periodRequest, bool) {
	var req periodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return req, false
	}
	return req, true
}

func (s *Server) ComputeRoyalties(c *gin.Context) {
	req, ok := bindPeriod(c)
	if !ok {
		return
	}
	start, err := parseTime(req.PeriodStart)
	if err != nil {
		AbortWithError(c, newValidationError("period_start", "invalid_period_start", "invalid period start"))
		return
	}
	end, err := parseTime(req.PeriodEnd)
	if err != nil {
		AbortWithError(c, newValidationError("period_end", "invalid_period_end", "invalid period end"))
		return
	}

	res, err := s.royalties.ComputeRoyalties(c.Request.Context(), start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) ListRoyalties(c *gin.Context) {
	var req royaltydomain.ListRoyaltiesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.royalties.ListRoyalties(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Royalties, "page_info": resp.PageInfo})
}

func (s *Server) GetRoyalty(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	royalty, err := s.royalties.GetRoyalty(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": royalty})
}

func (s *Server) ApproveRoyalty(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	royalty, err := s.royalties.ApproveRoyalty(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": royalty})
}

func (s *Server) MarkRoyaltyPaid(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	royalty, err := s.royalties.MarkRoyaltyPaid(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": royalty})
}

func (s *Server) ListRoyaltyAdjustments(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	adjustments, err := s.royalties.ListAdjustments(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": adjustments})
}

func (s *Server) ListRoyaltyPeriods(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"), defaultPeriodsLimit)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	periods, err := s.royalties.ListPeriods(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": periods})
}

func (s *Server) CloseRoyaltyPeriod(c *gin.Context) {
	req, ok := bindPeriod(c)
	if !ok {
		return
	}
	start, err := parseTime(req.PeriodStart)
	if err != nil {
		AbortWithError(c, newValidationError("period_start", "invalid_period_start", "invalid period start"))
		return
	}
	end, err := parseTime(req.PeriodEnd)
	if err != nil {
		AbortWithError(c, newValidationError("period_end", "invalid_period_end", "invalid period end"))
		return
	}

	period, err := s.royalties.ClosePeriod(c.Request.Context(), start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": period})
}
