package attribution

import "go.uber.org/fx"

var Module = fx.Module("attribution.service",
	fx.Provide(NewService),
)
