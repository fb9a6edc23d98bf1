// Package server is the HTTP boundary: validation, auth, readiness gating
// and JSON shaping. The scraping core behind it stays protocol-agnostic.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatrelay/internal/browser"
	"chatrelay/internal/config"
	"chatrelay/internal/metrics"
	"chatrelay/internal/queue"
)

// Orchestrator is the read surface the HTTP layer needs from the session
// manager. Cross-component reads go through accessors, never shared state.
type Orchestrator interface {
	Ready() bool
	BrowserActive() bool
	PageActive() bool
	SaveSession(ctx context.Context) (string, error)
}

// Submitter is the queue surface: enqueue a prompt, report depth.
type Submitter interface {
	Submit(prompt string) <-chan queue.Result
	Len() int
}

// Server wires the routes and gates.
type Server struct {
	cfg          config.ServerConfig
	maxPromptLen int
	orch         Orchestrator
	queue        Submitter
	log          *zap.Logger
	router       *gin.Engine

	// draining rejects new prompts during graceful shutdown while the
	// worker finishes what is already queued.
	draining atomic.Bool
}

func New(cfg config.ServerConfig, maxPromptLen int, orch Orchestrator, q Submitter, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:          cfg,
		maxPromptLen: maxPromptLen,
		orch:         orch,
		queue:        q,
		log:          log,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "Authorization"},
	}))

	router.POST("/chat", s.handleChat)
	router.GET("/health", s.handleHealth)
	router.GET("/admin/status", s.handleStatus)
	router.POST("/admin/save-session", s.handleSaveSession)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.router = router
	return s
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// SetDraining flips the shutdown gate. While set, /chat answers 503.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

func (s *Server) handleChat(c *gin.Context) {
	if s.cfg.APISecret != "" {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || token != s.cfg.APISecret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	prompt, ok := body["prompt"].(string)
	if !ok || prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required and must be a string"})
		return
	}
	if len(prompt) > s.maxPromptLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt exceeds maximum length"})
		return
	}

	// Readiness gate: while the browser is down or we are draining, new
	// prompts never reach the queue.
	if s.draining.Load() || !s.orch.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "browser not initialized"})
		return
	}

	resultCh := s.queue.Submit(prompt)
	select {
	case <-c.Request.Context().Done():
		// Caller went away; the worker still finishes the item.
		return
	case res := <-resultCh:
		if res.Err != nil {
			if errors.Is(res.Err, browser.ErrNotReady) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": res.Err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": res.Err.Error()})
			return
		}
		if s.cfg.StructuredAnswers {
			c.JSON(http.StatusOK, structuredAnswer(res.Answer))
			return
		}
		c.JSON(http.StatusOK, gin.H{"answer": res.Answer})
	}
}

// structuredAnswer parses the answer as a JSON object when possible and
// wraps anything else as {"response": raw} rather than failing the
// request.
func structuredAnswer(answer string) interface{} {
	var obj map[string]interface{}
	// "null" decodes into a nil map without error; only a real object
	// passes through.
	if err := json.Unmarshal([]byte(strings.TrimSpace(answer)), &obj); err == nil && obj != nil {
		return obj
	}
	return gin.H{"response": answer}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"initialized": s.orch.Ready(),
		"queueLength": s.queue.Len(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"initialized":   s.orch.Ready(),
		"queueLength":   s.queue.Len(),
		"browserActive": s.orch.BrowserActive(),
		"pageActive":    s.orch.PageActive(),
	})
}

func (s *Server) handleSaveSession(c *gin.Context) {
	path, err := s.orch.SaveSession(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true, "path": path})
}
