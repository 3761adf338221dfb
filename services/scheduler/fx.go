package scheduler

import (
	"context"

	"careledger/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, cfg *config.Config, s *Scheduler) {
	if !cfg.SchedulerEnabled() {
		zap.L().Info("[Scheduler] disabled by configuration or environment")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return s.Start() },
		OnStop:  s.Stop,
	})
}
