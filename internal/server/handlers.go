package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nainya/concierge/pkg/conversation"
	"github.com/nainya/concierge/pkg/pipeline"
)

const maxListLimit = 100

func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body: message is required"})
		return
	}
	if req.UserPreferences != nil {
		s.log.Debug("caller supplied preferences, ignoring").
			Interface("preferences", fromPreferencesDTO(req.UserPreferences)).Send()
	}

	res, err := s.deps.Pipeline.SubmitTurn(c.Request.Context(), identityOf(c), req.turn())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toChatResponse(res))
}

func (s *Server) listConversations(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := s.deps.Conversations.List(c.Request.Context(), identityOf(c), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if list == nil {
		list = []conversation.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.deps.Authorizer.GetAndAuthorize(c.Request.Context(), identityOf(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toConversationDTO(conv))
}

// writeError maps domain errors onto status codes. Unexpected errors are
// logged in full and answered with a generic body.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Conversation not found"})
	case errors.Is(err, conversation.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"detail": "You do not have permission to access this conversation"})
	case errors.Is(err, pipeline.ErrInvalidTurn):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request: message must not be empty"})
	case errors.Is(err, pipeline.ErrCollaborator):
		s.log.Warn("collaborator unavailable").Err(err).Str("identity", identityOf(c)).Send()
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Recommendation service temporarily unavailable, please retry"})
	default:
		s.log.Error("error processing request").Err(err).Str("identity", identityOf(c)).Str("route", c.FullPath()).Send()
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error processing chat request"})
	}
}
