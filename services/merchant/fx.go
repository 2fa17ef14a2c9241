package merchant

import "go.uber.org/fx"

var Module = fx.Module("merchant.service",
	fx.Provide(NewService),
)
