package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	activitydomain "github.com/smallbiznis/netbill/internal/activity/domain"
	usagedomain "github.com/smallbiznis/netbill/internal/usage/domain"
)

type recordActivityRequest struct {
	Username   string `json:"username" binding:"required"`
	Type       string `json:"type" binding:"required"`
	OccurredAt string `json:"occurred_at" binding:"required"`
}

// RecordActivity appends a JOIN or LEAVE event reported by the signaling
// system. Replays of an already recorded event answer 200 instead of 201.
func (s *Server) RecordActivity(c *gin.Context) {
	networkID, ok := pathID(c, "network_id")
	if !ok {
		return
	}
	var req recordActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	occurredAt, err := parseTime(req.OccurredAt)
	if err != nil {
		AbortWithError(c, activitydomain.ErrInvalidTimestamp)
		return
	}

	created, err := s.activitySvc.Record(c.Request.Context(), activitydomain.RecordRequest{
		NetworkID:  networkID,
		Username:   req.Username,
		Type:       activitydomain.EventType(strings.ToUpper(strings.TrimSpace(req.Type))),
		OccurredAt: occurredAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"data": gin.H{"created": created}})
}

func (s *Server) ComputeUsage(c *gin.Context) {
	networkID, ok := pathID(c, "network_id")
	if !ok {
		return
	}
	var req periodQuery
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	start, end, err := req.parse()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.usageSvc.ComputeReport(c.Request.Context(), usagedomain.ComputeRequest{
		NetworkID:   networkID,
		PeriodStart: start,
		PeriodEnd:   end,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetUsage(c *gin.Context) {
	networkID, ok := pathID(c, "network_id")
	if !ok {
		return
	}
	var query periodQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	start, end, err := query.parse()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.usageSvc.GetReport(c.Request.Context(), networkID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
