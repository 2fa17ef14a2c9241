package featureflags

import (
	"context"

	flagsmith "github.com/Flagsmith/flagsmith-go-client/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"shareyoursales-ace/pkg/config"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFlags))

// Flag names evaluated by the engine.
const (
	FlagHeuristicAttribution = "ace_heuristic_attribution"
	FlagAutoPayoutDispatch   = "ace_auto_payout_dispatch"
)

// Flags gates optional engine behavior. Unknown or unreachable flags
// evaluate to their compiled-in default.
type Flags interface {
	Enabled(ctx context.Context, name string, fallback bool) bool
}

type Params struct {
	fx.In

	Config *config.Config
}

func ProvideFlags(p Params) Flags {
	if p.Config.Flagsmith.ApiKey == "" {
		zap.L().Info("flagsmith not configured, feature flags use defaults")
		return &staticFlags{}
	}

	opts := []flagsmith.Option{}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &flagsmithFlags{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

type flagsmithFlags struct {
	client *flagsmith.Client
}

func (f *flagsmithFlags) Enabled(ctx context.Context, name string, fallback bool) bool {
	flags, err := f.client.GetEnvironmentFlags(ctx)
	if err != nil {
		zap.L().Warn("flagsmith fetch failed", zap.String("flag", name), zap.Error(err))
		return fallback
	}

	enabled, err := flags.IsFeatureEnabled(name)
	if err != nil {
		return fallback
	}
	return enabled
}

type staticFlags struct{}

func (staticFlags) Enabled(_ context.Context, _ string, fallback bool) bool {
	return fallback
}
