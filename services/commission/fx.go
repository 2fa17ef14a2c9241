package commission

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/middleware"
	"shareyoursales-ace/pkg/taskname"
)

var Module = fx.Module("commission.service",
	fx.Provide(NewService),
	fx.Invoke(registerRoutes),
)

var Worker = fx.Module("commission.worker",
	fx.Provide(NewService),
	fx.Invoke(registerTasks),
)

func registerRoutes(e *gin.Engine, s *Service) {
	api := e.Group("/api/v1", middleware.WithActor())
	api.GET("/influencers/:id/balance", s.handleGetBalance)

	admin := api.Group("/admin")
	admin.POST("/commissions/:id/approve", s.handleForceApprove)
	admin.POST("/commissions/:id/reject", s.handleReject)
	admin.POST("/sales/:source/:order_id/cancel", s.handleCancel)
	admin.GET("/quarantine", s.handleListQuarantine)
}

func registerTasks(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.CommissionHoldTick, s.handleHoldTick)
}

func (s *Service) handleGetBalance(c *gin.Context) {
	currency := c.Query("currency")
	if currency == "" {
		currency = s.cfg.ACE.PlatformCurrency
	}

	snapshot, err := s.GetBalance(c.Request.Context(), c.Param("id"), currency)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

type adminActionRequest struct {
	AuditTag string `json:"audit_tag" binding:"required"`
}

func (s *Service) handleForceApprove(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c.Request.Context())
	if !ok {
		c.Error(errutil.Unauthorized("missing actor", nil))
		return
	}

	var req adminActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("audit tag is required", err))
		return
	}

	if err := s.ForceApprove(c.Request.Context(), c.Param("id"), actor, req.AuditTag, time.Now().UTC()); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Service) handleReject(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c.Request.Context())
	if !ok {
		c.Error(errutil.Unauthorized("missing actor", nil))
		return
	}

	var req adminActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("audit tag is required", err))
		return
	}

	if err := s.Reject(c.Request.Context(), c.Param("id"), actor, req.AuditTag, time.Now().UTC()); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Service) handleCancel(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c.Request.Context())
	if !ok {
		c.Error(errutil.Unauthorized("missing actor", nil))
		return
	}

	result, err := s.Cancel(c.Request.Context(), c.Param("source"), c.Param("order_id"), actor, time.Now().UTC())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result.Sale)
}

func (s *Service) handleListQuarantine(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c.Request.Context())
	if !ok {
		c.Error(errutil.Unauthorized("missing actor", nil))
		return
	}

	events, err := s.ListQuarantine(c.Request.Context(), actor)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, events)
}

func (s *Service) handleHoldTick(ctx context.Context, _ *asynq.Task) error {
	transitions, err := s.AdvanceHoldClocks(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	if len(transitions) > 0 {
		zap.L().Info("hold clocks advanced", zap.Int("approved", len(transitions)))
	}
	return nil
}
