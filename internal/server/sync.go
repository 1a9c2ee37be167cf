package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
)

const (
	defaultPollLimit   = 100
	defaultHeadsLimit  = 500
	defaultParkedLimit = 100
)

type deliveryIDsRequest struct {
	DeliveryIDs []string `json:"delivery_ids"`
	Reason      string   `json:"reason,omitempty"`
}

type lookupHeadsRequest struct {
	EntityType  string   `json:"entity_type"`
	EntityUUIDs []string `json:"entity_uuids"`
}

type unsubscribeRequest struct {
	EntityTypes []string `json:"entity_types"`
}

func (s *Server) EmitSyncEvent(c *gin.Context) {
	var req refsyncdomain.EmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.sync.Emit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": res})
}

// ReceiveSyncEvent is the subscriber side of push delivery. Stale events are
// acknowledged with 200 so the dispatcher stops retrying them.
func (s *Server) ReceiveSyncEvent(c *gin.Context) {
	var msg referencedomain.ChangeMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.references.Apply(c.Request.Context(), msg.Change())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"outcome": outcome}})
}

func (s *Server) ListHeads(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"), defaultHeadsLimit)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	heads, err := s.sync.ListHeads(c.Request.Context(), strings.TrimSpace(c.Query("entity_type")), strings.TrimSpace(c.Query("after")), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"heads": heads})
}

func (s *Server) LookupHeads(c *gin.Context) {
	var req lookupHeadsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	heads, err := s.sync.LookupHeads(c.Request.Context(), strings.TrimSpace(req.EntityType), req.EntityUUIDs)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"heads": heads})
}

func (s *Server) GetSyncBacklog(c *gin.Context) {
	backlog, err := s.sync.Backlog(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": backlog})
}

func (s *Server) ListSubscribers(c *gin.Context) {
	subscribers, err := s.sync.ListSubscribers(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscribers})
}

func (s *Server) Subscribe(c *gin.Context) {
	var req refsyncdomain.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriber, err := s.sync.Subscribe(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscriber})
}

func (s *Server) GetSubscriber(c *gin.Context) {
	subscriber, err := s.sync.GetSubscriber(c.Request.Context(), c.Param("name"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscriber})
}

// Unsubscribe drops the listed entity types, or the whole subscriber when the body is empty.
func (s *Server) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	subscriber, err := s.sync.Unsubscribe(c.Request.Context(), c.Param("name"), req.EntityTypes)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscriber})
}

func (s *Server) ListCursors(c *gin.Context) {
	cursors, err := s.sync.ListCursors(c.Request.Context(), c.Param("name"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": cursors})
}

func (s *Server) PollDeliveries(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"), defaultPollLimit)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	deliveries, err := s.sync.Poll(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": deliveries})
}

func (s *Server) AckDeliveries(c *gin.Context) {
	req, ok := bindDeliveryIDs(c)
	if !ok {
		return
	}
	ids, err := parseSnowflakeIDs(req.DeliveryIDs)
	if err != nil {
		AbortWithError(c, newValidationError("delivery_ids", "invalid_delivery_ids", "invalid delivery ids"))
		return
	}

	acked, err := s.sync.Ack(c.Request.Context(), c.Param("name"), ids)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"acknowledged": acked}})
}

func (s *Server) NackDeliveries(c *gin.Context) {
	req, ok := bindDeliveryIDs(c)
	if !ok {
		return
	}
	ids, err := parseSnowflakeIDs(req.DeliveryIDs)
	if err != nil {
		AbortWithError(c, newValidationError("delivery_ids", "invalid_delivery_ids", "invalid delivery ids"))
		return
	}

	nacked, err := s.sync.Nack(c.Request.Context(), c.Param("name"), ids, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"rescheduled": nacked}})
}

func (s *Server) ListParked(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"), defaultParkedLimit)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	parked, err := s.sync.ListParked(c.Request.Context(), c.Param("name"), strings.TrimSpace(c.Query("entity_type")), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": parked})
}

func bindDeliveryIDs(c *gin.Context) (deliveryIDsRequest, bool) {
	var req deliveryIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.DeliveryIDs) == 0 {
		AbortWithError(c, invalidRequestError())
		return req, false
	}
	return req, true
}
