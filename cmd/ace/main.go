package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"shareyoursales-ace/pkg/access"
	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/db"
	"shareyoursales-ace/pkg/eventbus"
	"shareyoursales-ace/pkg/featureflags"
	"shareyoursales-ace/pkg/gen"
	"shareyoursales-ace/pkg/hashistack/secretmanager"
	"shareyoursales-ace/pkg/hashistack/servicediscover"
	"shareyoursales-ace/pkg/health"
	"shareyoursales-ace/pkg/logger"
	"shareyoursales-ace/pkg/objectstore"
	"shareyoursales-ace/pkg/otelcol"
	"shareyoursales-ace/pkg/profiling"
	"shareyoursales-ace/pkg/redis"
	"shareyoursales-ace/pkg/sequence"
	"shareyoursales-ace/pkg/server"
	"shareyoursales-ace/pkg/task"
	"shareyoursales-ace/services/attribution"
	"shareyoursales-ace/services/click"
	"shareyoursales-ace/services/commission"
	"shareyoursales-ace/services/link"
	"shareyoursales-ace/services/merchant"
	"shareyoursales-ace/services/payout"
	"shareyoursales-ace/services/webhook"
)

func main() {
	// Production deployments pull their config from consul with secrets
	// injected from vault; local runs read config.yaml.
	configOpt := config.Module
	if _, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		configOpt = fx.Options(secretmanager.Module, config.RemoteModule)
	}

	opts := []fx.Option{
		configOpt,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		access.Module,
		featureflags.Module,
		eventbus.Module,
		objectstore.Module,
		sequence.Module,
		task.Client,
		otelcol.Module,
		profiling.Module,
		health.Module,
		merchant.Module,
		link.Module,
		click.Module,
		attribution.Module,
		commission.Module,
		webhook.Module,
		payout.Module,
		server.ProvideHTTPServer,
		servicediscover.Module,
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
