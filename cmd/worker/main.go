package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"shareyoursales-ace/pkg/access"
	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/db"
	"shareyoursales-ace/pkg/eventbus"
	"shareyoursales-ace/pkg/featureflags"
	"shareyoursales-ace/pkg/gen"
	"shareyoursales-ace/pkg/logger"
	"shareyoursales-ace/pkg/redis"
	"shareyoursales-ace/pkg/sequence"
	"shareyoursales-ace/pkg/task"
	"shareyoursales-ace/services/attribution"
	"shareyoursales-ace/services/click"
	"shareyoursales-ace/services/commission"
	"shareyoursales-ace/services/link"
	"shareyoursales-ace/services/merchant"
	"shareyoursales-ace/services/payout"
)

// The worker runs the periodic engine: hold clock ticks, the weekly payout
// sweep, payout dispatch and reconciliation, and click purges.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		access.Module,
		featureflags.Module,
		eventbus.Module,
		sequence.Module,
		task.Client,
		task.Server,
		task.Scheduler,
		merchant.Module,
		link.Worker,
		click.Worker,
		attribution.Module,
		commission.Worker,
		payout.Worker,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
