package payout

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"shareyoursales-ace/pkg/access"
	"shareyoursales-ace/pkg/errutil"
	"shareyoursales-ace/pkg/middleware"
	"shareyoursales-ace/pkg/taskname"
)

var Module = fx.Module("payout.service",
	fx.Provide(NewRegistry, NewService),
	fx.Invoke(registerRoutes),
)

var Worker = fx.Module("payout.worker",
	fx.Provide(NewRegistry, NewService),
	fx.Invoke(registerTasks),
)

func registerRoutes(e *gin.Engine, s *Service) {
	api := e.Group("/api/v1", middleware.WithActor())
	api.GET("/payouts/:id", s.handleGet)
	api.GET("/influencers/:id/payouts", s.handleList)

	admin := api.Group("/admin")
	admin.POST("/payouts/batch", s.handleBuildBatch)
	admin.POST("/payouts/run", s.handleRunSweep)
	admin.POST("/payouts/:id/dispatch", s.handleDispatch)
	admin.POST("/payouts/:id/reconcile", s.handleAdminReconcile)

	e.POST("/webhooks/payouts/:provider", s.handleProviderWebhook)
}

func registerTasks(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.PayoutBatchRun, s.handleBatchRunTask)
	mux.HandleFunc(taskname.PayoutDispatch, s.handleDispatchTask)
	mux.HandleFunc(taskname.PayoutReconcilePoll, s.handleReconcilePollTask)
}

func (s *Service) handleGet(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c.Request.Context())

	p, err := s.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, p)
}

func (s *Service) handleList(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c.Request.Context())

	payouts, err := s.ListForInfluencer(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, payouts)
}

type buildBatchRequest struct {
	InfluencerID string `json:"influencer_id" binding:"required"`
	Currency     string `json:"currency"`
}

func (s *Service) handleBuildBatch(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c.Request.Context())
	if !ok {
		c.Error(errutil.Unauthorized("missing actor", nil))
		return
	}

	var req buildBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("influencer_id is required", err))
		return
	}
	if req.Currency == "" {
		req.Currency = s.cfg.ACE.PlatformCurrency
	}

	p, err := s.TriggerBatch(c.Request.Context(), actor, req.InfluencerID, req.Currency, time.Now().UTC())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, p)
}

func (s *Service) handleRunSweep(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c.Request.Context())
	if !ok {
		c.Error(errutil.Unauthorized("missing actor", nil))
		return
	}
	if !s.enforcer.Can(actor.Role, access.ObjectPayout, access.ActionBuildBatch) {
		c.Error(errutil.Forbidden("actor may not run payout sweeps", nil))
		return
	}

	payouts, err := s.SelectAllEligible(c.Request.Context(), time.Now().UTC())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, payouts)
}

func (s *Service) handleDispatch(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c.Request.Context())
	if !ok {
		c.Error(errutil.Unauthorized("missing actor", nil))
		return
	}

	if err := s.TriggerDispatch(c.Request.Context(), actor, c.Param("id")); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusAccepted)
}

type reconcileRequest struct {
	ExternalTxID string `json:"external_tx_id"`
	Status       string `json:"status" binding:"required"`
	Reason       string `json:"reason"`
}

func (r reconcileRequest) outcome() ReconcileOutcome {
	return ReconcileOutcome{
		ExternalTxID: r.ExternalTxID,
		Success:      r.Status == "settled",
		Reason:       r.Reason,
	}
}

func (s *Service) handleAdminReconcile(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c.Request.Context())
	if !ok {
		c.Error(errutil.Unauthorized("missing actor", nil))
		return
	}
	if !s.enforcer.Can(actor.Role, access.ObjectPayout, access.ActionReconcile) {
		c.Error(errutil.Forbidden("actor may not reconcile payouts", nil))
		return
	}

	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("status is required", err))
		return
	}

	result, err := s.Reconcile(c.Request.Context(), c.Param("id"), req.outcome(), time.Now().UTC())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result.Payout)
}

type providerWebhook struct {
	PayoutID string `json:"payout_id" binding:"required"`
	reconcileRequest
}

// handleProviderWebhook ingests asynchronous settlement callbacks. The body
// is authenticated with the provider's configured API key before anything in
// it is read.
func (s *Service) handleProviderWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Error(err)
		return
	}

	pc, ok := s.cfg.Providers[c.Param("provider")]
	if !ok {
		c.Error(errutil.NotFound("payout provider not configured", nil))
		return
	}

	mac := hmac.New(sha256.New, []byte(pc.APIKey))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if got := c.GetHeader("X-Signature"); got == "" || !hmac.Equal([]byte(got), []byte(want)) {
		c.Error(errutil.SignatureInvalid("webhook signature mismatch", nil))
		return
	}

	var req providerWebhook
	if err := json.Unmarshal(body, &req); err != nil || req.PayoutID == "" || req.Status == "" {
		c.Error(errutil.ValidationFailed("malformed provider webhook", err))
		return
	}

	result, err := s.Reconcile(c.Request.Context(), req.PayoutID, req.outcome(), time.Now().UTC())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result.Payout)
}

func (s *Service) handleBatchRunTask(ctx context.Context, _ *asynq.Task) error {
	payouts, err := s.SelectAllEligible(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	if len(payouts) > 0 {
		zap.L().Info("payout sweep completed", zap.Int("batches", len(payouts)))
	}
	return nil
}

func (s *Service) handleDispatchTask(ctx context.Context, t *asynq.Task) error {
	var payload dispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	return s.Dispatch(ctx, payload.PayoutID)
}

func (s *Service) handleReconcilePollTask(ctx context.Context, _ *asynq.Task) error {
	return s.PollProcessing(ctx, time.Now().UTC())
}
