package caretask

import "go.uber.org/fx"

var Module = fx.Module("caretask.service",
	fx.Provide(NewService),
)
