package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) getStatus(c *gin.Context) {
	status := s.scheduler.Status()

	c.JSON(http.StatusOK, gin.H{
		"mining":                status.Mining,
		"has_live_stream":       status.HasLiveStream,
		"current_attempt_game":  status.CurrentAttemptGame,
		"priority_games":        status.PriorityGames,
		"excluded_games":        status.ExcludedGames,
		"transient_error_count": status.TransientErrorCount,
		"active_campaigns":      s.scheduler.ActiveCampaigns(),
		"subscribed_campaigns":  s.scheduler.SubscribedCampaigns(),
	})
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type gamesRequest struct {
	Games []string `json:"games"`
}

func (s *Server) postPriority(c *gin.Context) {
	var req gamesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.scheduler.SetPriorityGames(req.Games); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.BroadcastStatus()
	c.JSON(http.StatusOK, gin.H{"priority_games": s.scheduler.Status().PriorityGames})
}

func (s *Server) postExclude(c *gin.Context) {
	var req gamesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.scheduler.SetExcludedGames(req.Games); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.BroadcastStatus()
	c.JSON(http.StatusOK, gin.H{"excluded_games": s.scheduler.Status().ExcludedGames})
}
