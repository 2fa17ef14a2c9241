package link

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/middleware"
)

var Module = fx.Module("link.service",
	fx.Provide(NewService),
	fx.Invoke(registerRoutes),
)

// Worker exposes the service without HTTP routes for the task binary.
var Worker = fx.Module("link.worker",
	fx.Provide(NewService),
)

func registerRoutes(e *gin.Engine, s *Service) {
	api := e.Group("/api/v1", middleware.WithActor())
	api.POST("/links", s.handleMint)
	api.GET("/links/:code", s.handleResolve)
	api.DELETE("/links/:id", s.handleDeactivate)
}

func (s *Service) handleMint(c *gin.Context) {
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid mint request", err))
		return
	}

	l, err := s.Mint(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, l)
}

func (s *Service) handleResolve(c *gin.Context) {
	l, err := s.Resolve(c.Request.Context(), c.Param("code"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, l)
}

func (s *Service) handleDeactivate(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c.Request.Context())
	if !ok {
		c.Error(errutil.Unauthorized("missing actor", nil))
		return
	}

	if err := s.Deactivate(c.Request.Context(), c.Param("id"), actor); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}
