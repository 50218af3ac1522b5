// handler.go — 路由与请求处理。
package statepanel

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/logger"
)

// 统一响应辅助。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.Error("statepanel: internal error", logger.FieldError, err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": err.Error()}})
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.healthHandler)
		api.GET("/state", s.stateHandler)
		api.GET("/view", s.viewHandler)
		api.GET("/threads/:id", s.threadHandler)
		api.GET("/events", s.sseHandler)

		api.POST("/focus", s.focusHandler)
		api.DELETE("/focus", s.unfocusHandler)
		api.POST("/message", s.messageHandler)
		api.POST("/stop", s.stopHandler)
		api.POST("/approvals/:id", s.approvalHandler)
		api.POST("/userInput/:id", s.userInputHandler)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	success(c, gin.H{"status": "ok", "focused": s.sess.FocusedThread()})
}

func (s *Server) stateHandler(c *gin.Context) {
	success(c, s.store.Snapshots())
}

func (s *Server) viewHandler(c *gin.Context) {
	success(c, s.sess.VisibleState())
}

func (s *Server) threadHandler(c *gin.Context) {
	snap, ok := s.store.Snapshot(c.Param("id"))
	if !ok {
		notFound(c, "thread has no cached state")
		return
	}
	success(c, snap)
}

func (s *Server) focusHandler(c *gin.Context) {
	var req struct {
		ThreadID string `json:"threadId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation", err.Error())
		return
	}
	if err := s.sess.OpenThread(req.ThreadID); err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"focused": req.ThreadID})
}

func (s *Server) unfocusHandler(c *gin.Context) {
	s.sess.CloseThread()
	success(c, gin.H{"focused": ""})
}

func (s *Server) messageHandler(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation", err.Error())
		return
	}
	if err := s.sess.SendMessage(c.Request.Context(), req.Text); err != nil {
		serverError(c, err)
		return
	}
	success(c, s.sess.VisibleState())
}

func (s *Server) stopHandler(c *gin.Context) {
	if err := s.sess.StopTurn(c.Request.Context()); err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"stopped": true})
}

func (s *Server) approvalHandler(c *gin.Context) {
	var req struct {
		Decision string `json:"decision" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation", err.Error())
		return
	}
	if err := s.sess.ResolveApproval(c.Request.Context(), c.Param("id"), req.Decision); err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"resolved": c.Param("id")})
}

func (s *Server) userInputHandler(c *gin.Context) {
	var req struct {
		Answers map[string]string `json:"answers" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation", err.Error())
		return
	}
	if err := s.sess.ResolveUserInput(c.Request.Context(), c.Param("id"), req.Answers); err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"resolved": c.Param("id")})
}
