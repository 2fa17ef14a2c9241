package click

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"

	"shareyoursales-ace/pkg/taskname"
)

var Module = fx.Module("click.service",
	fx.Provide(NewService),
	fx.Invoke(registerRoutes),
)

// Worker registers the background task handlers; only the worker binary
// includes it.
var Worker = fx.Module("click.worker",
	fx.Provide(NewService),
	fx.Invoke(registerTasks),
)

const cookieName = "sys_attr"

func registerRoutes(e *gin.Engine, s *Service) {
	e.GET("/r/:code", s.handleRedirect)
}

func registerTasks(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.ClickPurgeExpired, s.handlePurgeTask)
}

// handleRedirect records the click best-effort, plants the token cookie, and
// 302s to the destination. Tracking failures never block the visitor.
func (s *Service) handleRedirect(c *gin.Context) {
	l, err := s.links.Resolve(c.Request.Context(), c.Param("code"))
	if err != nil {
		c.Error(err)
		return
	}

	res := s.RecordBestEffort(c.Request.Context(), c.Param("code"), VisitorContext{
		IP:             c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
		AcceptLanguage: c.GetHeader("Accept-Language"),
		Source:         c.Request.Referer(),
	})

	if res != nil && res.Token != "" {
		c.SetCookie(cookieName, res.Token, int(s.cfg.ACE.AttributionWindow/time.Second), "/", "", false, true)
	}

	c.Redirect(http.StatusFound, l.DestinationURL)
}

func (s *Service) handlePurgeTask(ctx context.Context, _ *asynq.Task) error {
	_, err := s.PurgeExpired(ctx, time.Now().UTC())
	return err
}
