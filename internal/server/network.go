package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	networkdomain "github.com/smallbiznis/netbill/internal/network/domain"
	"github.com/smallbiznis/netbill/pkg/db/pagination"
)

type createNetworkRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	Name       string `json:"name" binding:"required"`
	Trial      bool   `json:"trial"`
}

func (s *Server) CreateNetwork(c *gin.Context) {
	var req createNetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	customerID, err := parseSnowflakeID(req.CustomerID)
	if err != nil {
		AbortWithError(c, newValidationError("customer_id", "invalid_customer_id", "invalid customer_id"))
		return
	}

	resp, err := s.networkSvc.CreateNetwork(c.Request.Context(), networkdomain.CreateNetworkRequest{
		CustomerID: customerID,
		Name:       strings.TrimSpace(req.Name),
		Trial:      req.Trial,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetNetwork(c *gin.Context) {
	id, ok := pathID(c, "network_id")
	if !ok {
		return
	}
	resp, err := s.networkSvc.GetNetwork(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) SuspendNetwork(c *gin.Context) {
	s.setSuspended(c, true)
}

func (s *Server) ResumeNetwork(c *gin.Context) {
	s.setSuspended(c, false)
}

func (s *Server) setSuspended(c *gin.Context, suspend bool) {
	id, ok := pathID(c, "network_id")
	if !ok {
		return
	}
	resp, err := s.networkSvc.Suspend(c.Request.Context(), id, suspend)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteNetwork(c *gin.Context) {
	id, ok := pathID(c, "network_id")
	if !ok {
		return
	}
	resp, err := s.networkSvc.Delete(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListMembers(c *gin.Context) {
	id, ok := pathID(c, "network_id")
	if !ok {
		return
	}
	var query struct {
		pagination.Pagination
		ActiveOnly bool `form:"active_only"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.networkSvc.ListMembers(c.Request.Context(), networkdomain.ListMembersRequest{
		NetworkID:  id,
		PageToken:  query.PageToken,
		PageSize:   query.PageSize,
		ActiveOnly: query.ActiveOnly,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type joinNetworkRequest struct {
	Username string `json:"username" binding:"required"`
}

func (s *Server) JoinNetwork(c *gin.Context) {
	id, ok := pathID(c, "network_id")
	if !ok {
		return
	}
	var req joinNetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.networkSvc.Join(c.Request.Context(), networkdomain.MembershipRequest{
		NetworkID: id,
		Username:  req.Username,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) LeaveNetwork(c *gin.Context) {
	id, ok := pathID(c, "network_id")
	if !ok {
		return
	}
	s.endMembership(c, id, "")
}

type kickMemberRequest struct {
	KickedBy string `json:"kicked_by" binding:"required"`
}

func (s *Server) KickMember(c *gin.Context) {
	id, ok := pathID(c, "network_id")
	if !ok {
		return
	}
	var req kickMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	s.endMembership(c, id, req.KickedBy)
}

func (s *Server) endMembership(c *gin.Context, networkID snowflake.ID, kickedBy string) {
	req := networkdomain.MembershipRequest{
		NetworkID: networkID,
		Username:  c.Param("username"),
		KickedBy:  kickedBy,
	}

	var (
		resp networkdomain.Membership
		err  error
	)
	if kickedBy == "" {
		resp, err = s.networkSvc.Leave(c.Request.Context(), req)
	} else {
		resp, err = s.networkSvc.Kick(c.Request.Context(), req)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
