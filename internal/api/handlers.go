package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/Vigil/internal/orchestrator"
)

// ServerView is one entry of GET /servers.
type ServerView struct {
	ID        string             `json:"id"`
	Upgrading bool               `json:"upgrading"`
	State     orchestrator.State `json:"state"`
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

type broadcastRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "profiles": len(s.engine.Profiles())})
}

func (s *Server) view(id string) (ServerView, bool) {
	st, ok := s.engine.State(id)
	if !ok {
		return ServerView{}, false
	}
	return ServerView{ID: id, Upgrading: s.engine.Upgrading(id), State: st}, true
}

func (s *Server) listServers(c *gin.Context) {
	ids := s.engine.Profiles()
	out := make([]ServerView, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.view(id); ok {
			out = append(out, v)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getServer(c *gin.Context) {
	v, ok := s.view(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown server"})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) startUpgrade(c *gin.Context) {
	id := c.Param("id")
	var opts orchestrator.UpgradeOptions
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if !opts.UpdateServer && !opts.UpdatePackages {
		opts.UpdateServer = true
		opts.UpdatePackages = true
	}

	if _, ok := s.engine.State(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown server"})
		return
	}

	job := s.jobs.create(id)
	ch, err := s.engine.StartUpgrade(s.base, id, opts, s.jobs.progress(job.ID))
	if err != nil {
		s.jobs.remove(job.ID)
		s.writeEngineError(c, err)
		return
	}
	go func() {
		s.jobs.finish(job.ID, <-ch)
	}()

	c.JSON(http.StatusAccepted, gin.H{"job": job.ID})
}

func (s *Server) cancelUpgrade(c *gin.Context) {
	if !s.engine.CancelUpgrade(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no upgrade in progress"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) getJob(c *gin.Context) {
	j, ok := s.jobs.get(c.Param("job"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) stopServer(c *gin.Context) {
	if err := s.engine.StopServer(c.Request.Context(), c.Param("id")); err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) sendCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}
	delivered, err := s.engine.Send(c.Request.Context(), c.Param("id"), req.Command)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

func (s *Server) broadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	delivered, err := s.engine.Broadcast(c.Request.Context(), c.Param("id"), req.Message)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

func (s *Server) writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownProfile):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrUpgradeInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.log.Error("Request failed", "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Personal.AI order the ending
