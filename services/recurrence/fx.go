package recurrence

import (
	"careledger/services/caretask"

	"go.uber.org/fx"
)

var Module = fx.Module("recurrence.engine",
	fx.Provide(
		NewEngine,
		func(e *Engine) caretask.Generator { return e },
	),
)
