package webhook

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"shareyoursales-ace/pkg/middleware"
)

var Module = fx.Module("webhook.service",
	fx.Provide(NewService),
	fx.Invoke(registerRoutes),
)

func registerRoutes(e *gin.Engine, s *Service) {
	g := e.Group("/webhooks", middleware.WithActor())
	g.POST("/:source/orders", s.handleOrder)
	g.POST("/:source/refunds", s.handleRefund)
}

// Webhook URLs are provisioned per merchant with ?merchant_id=... baked in,
// so the payload itself never has to carry our merchant identity.
func (s *Service) handleOrder(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Error(err)
		return
	}

	actor, _ := middleware.ActorFrom(c.Request.Context())

	res, err := s.HandleOrder(c.Request.Context(), c.Param("source"), c.Query("merchant_id"), c.Request.Header, body, actor)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Service) handleRefund(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Error(err)
		return
	}

	res, err := s.HandleRefund(c.Request.Context(), c.Param("source"), c.Query("merchant_id"), c.Request.Header, body)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res)
}
