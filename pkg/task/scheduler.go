package task

import (
	"context"
	"os"

	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Scheduler = fx.Module("asynq:scheduler",
	fx.Invoke(registerScheduler),
)

// Periodic tick cadence. The ticks themselves are idempotent; the schedule
// only controls how promptly transitions are observed.
var schedule = []struct {
	Spec string
	Type string
}{
	{"@every 1m", taskname.CommissionHoldTick},
	{"0 6 * * 1", taskname.PayoutBatchRun}, // weekly, Monday 06:00 UTC
	{"@every 5m", taskname.PayoutReconcilePoll},
	{"0 2 * * *", taskname.ClickPurgeExpired},
}

func registerScheduler(lc fx.Lifecycle, cfg *config.Config) {
	scheduler := asynq.NewScheduler(redisClientOpt(cfg), &asynq.SchedulerOpts{})

	for _, entry := range schedule {
		if _, err := scheduler.Register(entry.Spec, asynq.NewTask(entry.Type, nil)); err != nil {
			zap.L().Error("[Asynq] Failed to register periodic task",
				zap.String("task_type", entry.Type), zap.Error(err))
			os.Exit(1)
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := scheduler.Run(); err != nil {
					zap.L().Error("[Asynq] Scheduler stopped", zap.Error(err))
					os.Exit(1)
				}
			}()
			zap.L().Info("[Asynq] Scheduler started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Shutdown()
			return nil
		},
	})
}
