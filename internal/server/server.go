// Package server implements the public chat HTTP API
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nainya/concierge/internal/logger"
	"github.com/nainya/concierge/internal/metrics"
	"github.com/nainya/concierge/pkg/conversation"
	"github.com/nainya/concierge/pkg/identity"
	"github.com/nainya/concierge/pkg/pipeline"
	"github.com/nainya/concierge/pkg/quota"
)

// Chatter runs chat turns; *pipeline.Pipeline satisfies it
type Chatter interface {
	SubmitTurn(ctx context.Context, identity string, turn pipeline.Turn) (*pipeline.Result, error)
}

// Authorizer resolves a conversation for its owner
type Authorizer interface {
	GetAndAuthorize(ctx context.Context, identity, ref string) (*conversation.Conversation, error)
}

// Deps are the services the HTTP API is built on
type Deps struct {
	Verifier      identity.Verifier
	RateLimiter   *quota.RateLimiter
	Pipeline      Chatter
	Conversations conversation.Store
	Authorizer    Authorizer
	Metrics       *metrics.Metrics
	Logger        *logger.Logger
}

// Options tunes the HTTP listener
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the public API
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	log    *logger.Logger
}

// New builds the router. Every route below /api/public requires a bearer
// credential and counts against the caller's rate limit.
func New(deps Deps, opts Options) (*Server, error) {
	if deps.Verifier == nil || deps.RateLimiter == nil || deps.Pipeline == nil || deps.Conversations == nil {
		return nil, fmt.Errorf("server: verifier, rate limiter, pipeline and conversation store are required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Authorizer == nil {
		deps.Authorizer = conversation.NewAuthorizer(deps.Conversations, nil, deps.Logger.Zerolog())
	}

	s := &Server{deps: deps, log: deps.Logger.Component("http")}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.observe())

	public := engine.Group("/api/public", s.authenticate(), s.rateLimit())
	{
		public.POST("/chat", s.chat)
		public.GET("/conversations", s.listConversations)
		public.GET("/conversations/:id", s.getConversation)
	}
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found"})
	})
	s.engine = engine

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 90 * time.Second
	}
	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      engine,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.log.LogServerReady(s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.LogServerShutdown()
	return s.http.Shutdown(ctx)
}
