// Package scheduler runs the daily backfill of every active recurring task.
package scheduler

import (
	"context"
	"sync"
	"time"

	"careledger/pkg/config"
	"careledger/pkg/dateutil"
	"careledger/pkg/db/option"
	"careledger/pkg/repository"
	"careledger/services/caretask"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultSpec        = "10 0 * * *"
	defaultTaskTimeout = 30 * time.Second
	defaultPageSize    = 200
	defaultConcurrency = 1
)

type Backfiller interface {
	Backfill(ctx context.Context, task *caretask.CareTask, window dateutil.Window) (int, error)
}

// RunReport summarizes one pass.
type RunReport struct {
	RunID     string    `json:"run_id"`
	Scanned   int       `json:"scanned"`
	Skipped   int       `json:"skipped"`
	Generated int       `json:"generated"`
	Failed    int       `json:"failed"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

type Scheduler struct {
	clock       clock.Clock
	tracer      trace.Tracer
	loc         *time.Location
	spec        string
	taskTimeout time.Duration
	pageSize    int
	concurrency int

	tasks  repository.Repository[caretask.CareTask]
	engine Backfiller

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Params struct {
	fx.In
	DB        *gorm.DB
	Clock     clock.Clock
	Config    *config.Config       `optional:"true"`
	Tracer    trace.TracerProvider `optional:"true"`
	Generator caretask.Generator
}

func NewScheduler(p Params) *Scheduler {
	tp := p.Tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s := &Scheduler{
		clock:       p.Clock,
		tracer:      tp.Tracer("careledger/scheduler"),
		loc:         p.Config.Location(),
		spec:        defaultSpec,
		taskTimeout: defaultTaskTimeout,
		pageSize:    defaultPageSize,
		concurrency: defaultConcurrency,
		tasks:       repository.ProvideStore[caretask.CareTask](p.DB),
		engine:      p.Generator,
	}
	if p.Config != nil {
		if p.Config.Scheduler.Spec != "" {
			s.spec = p.Config.Scheduler.Spec
		}
		if p.Config.Scheduler.TaskTimeout > 0 {
			s.taskTimeout = p.Config.Scheduler.TaskTimeout
		}
		if p.Config.Scheduler.PageSize > 0 {
			s.pageSize = p.Config.Scheduler.PageSize
		}
		if p.Config.Scheduler.Concurrency > 0 {
			s.concurrency = p.Config.Scheduler.Concurrency
		}
	}
	return s
}

// Start runs one pass immediately in the background and schedules the rest
// on the cron spec in the configured timezone.
func (s *Scheduler) Start() error {
	ctx, cancel := context.WithCancel(context.Background())

	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{zap.S()}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{zap.S()})),
	)
	if _, err := c.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		cancel()
		return err
	}

	s.cron = c
	s.cancel = cancel
	c.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunOnce(ctx)
	}()

	zap.L().Info("[Scheduler] started", zap.String("spec", s.spec), zap.String("timezone", s.loc.String()))
	return nil
}

// Stop cancels a running pass and waits for it until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("[Scheduler] stopped")
		return nil
	case <-ctx.Done():
		zap.L().Warn("[Scheduler] stop timed out, abandoning running pass")
		return nil
	}
}

// RunOnce walks every active task and backfills the current year. A failing
// task is logged and counted; it never stops the pass.
func (s *Scheduler) RunOnce(ctx context.Context) RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := RunReport{RunID: uuid.NewString(), Started: s.clock.Now()}
	log := zap.L().With(zap.String("run_id", report.RunID))

	ctx, span := s.tracer.Start(ctx, "scheduler.RunOnce", trace.WithAttributes(attribute.String("run_id", report.RunID)))
	defer span.End()

	today := dateutil.Today(report.Started, s.loc)

	log.Info("[Scheduler] backfill pass started", zap.Time("today", today))

	after := ""
	for {
		page, err := s.tasks.Find(ctx, &caretask.CareTask{},
			option.Where("is_active = ?", true),
			option.Where("id > ?", after),
			option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "ASC"}),
			option.WithLimit(s.pageSize),
		)
		if err != nil {
			log.Error("[Scheduler] failed to list active tasks", zap.Error(err))
			break
		}

		var mu sync.Mutex
		g := errgroup.Group{}
		g.SetLimit(s.concurrency)
		for _, task := range page {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				res, n := s.visit(ctx, log, today, task)
				mu.Lock()
				defer mu.Unlock()
				report.Scanned++
				switch res {
				case resultSkipped:
					report.Skipped++
				case resultFailed:
					report.Failed++
				default:
					report.Generated += n
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(page) < s.pageSize || ctx.Err() != nil {
			break
		}
		after = page[len(page)-1].ID
	}

	report.Finished = s.clock.Now()
	runsTotal.Inc()
	runDuration.Observe(report.Finished.Sub(report.Started).Seconds())
	lastRun.Set(float64(report.Finished.Unix()))
	span.SetAttributes(
		attribute.Int("scanned", report.Scanned),
		attribute.Int("generated", report.Generated),
		attribute.Int("failed", report.Failed),
	)

	log.Info("[Scheduler] backfill pass finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("skipped", report.Skipped),
		zap.Int("generated", report.Generated),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Finished.Sub(report.Started)),
	)
	return report
}

const (
	resultOK      = "ok"
	resultSkipped = "skipped"
	resultFailed  = "failed"
)

func (s *Scheduler) visit(ctx context.Context, log *zap.Logger, today time.Time, task *caretask.CareTask) (string, int) {
	if skip(task, today) {
		tasksTotal.WithLabelValues(resultSkipped).Inc()
		return resultSkipped, 0
	}

	tctx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	n, err := s.engine.Backfill(tctx, task, dateutil.YearWindow(today, task.EndDate))
	if err != nil {
		tasksTotal.WithLabelValues(resultFailed).Inc()
		log.Error("[Scheduler] backfill failed",
			zap.String("care_task_id", task.ID),
			zap.String("owner_id", task.OwnerID),
			zap.Error(err),
		)
		return resultFailed, 0
	}

	generatedTotal.Add(float64(n))
	tasksTotal.WithLabelValues(resultOK).Inc()
	return resultOK, n
}

// skip filters one-off tasks, tasks without a usable start date, tasks that
// start in a later year and tasks that ended before this year.
func skip(task *caretask.CareTask, today time.Time) bool {
	switch {
	case !task.IsRecurring():
		return true
	case task.StartDate.IsZero():
		return true
	case task.StartDate.Year() > today.Year():
		return true
	case task.EndDate != nil && task.EndDate.Year() < today.Year():
		return true
	}
	return false
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.s.Debugw("[Scheduler] cron: "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.s.Errorw("[Scheduler] cron: "+msg, append(kv, "error", err)...)
}
